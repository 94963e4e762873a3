package sandbox

import (
	"fmt"
	"math"
	"time"

	"github.com/docker/go-units"
)

// Policy defines the execution environment and resource limits for runs.
type Policy struct {
	Image       string        // Docker image (e.g. "python:3.12-slim")
	Interpreter []string      // Command the program file is appended to
	MaxMemory   string        // Memory ceiling (e.g. "256m")
	CPUs        float64       // CPU share, docker only
	CPUTime     time.Duration // CPU-time ceiling
	Timeout     time.Duration // Default wall-clock timeout
	MaxTimeout  time.Duration // Upper bound for a requested timeout
	MaxOutput   int           // Total captured stdout+stderr bytes
	MaxStdin    int           // Program input bytes (0 = no limit)
	Pids        int64         // Process count ceiling, docker only
	ScratchDir  string        // Parent for per-run scratch dirs ("" = os.TempDir)
}

// DefaultPolicy returns safe defaults for running untrusted Python.
func DefaultPolicy() Policy {
	return Policy{
		Image:       "python:3.12-slim",
		Interpreter: []string{"python3", "-u"},
		MaxMemory:   "256m",
		CPUs:        1,
		CPUTime:     10 * time.Second,
		Timeout:     10 * time.Second,
		MaxTimeout:  30 * time.Second,
		MaxOutput:   64 * 1024,
		MaxStdin:    64 * 1024,
		Pids:        64,
	}
}

// Limits converts the policy into per-run limits.
func (p Policy) Limits() (Limits, error) {
	var mem int64
	if p.MaxMemory != "" {
		var err error
		mem, err = units.RAMInBytes(p.MaxMemory)
		if err != nil {
			return Limits{}, fmt.Errorf("parsing memory limit %q: %w", p.MaxMemory, err)
		}
	}
	return Limits{
		MemoryBytes:    mem,
		CPUs:           p.CPUs,
		CPUTime:        p.CPUTime,
		MaxOutputBytes: p.MaxOutput,
		Pids:           p.Pids,
	}, nil
}

// ClampTimeout resolves a requested timeout: non-positive values use the
// policy default, values above MaxTimeout are capped.
func (p Policy) ClampTimeout(requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = p.Timeout
	}
	if p.MaxTimeout > 0 && t > p.MaxTimeout {
		t = p.MaxTimeout
	}
	return t
}

// CheckStdin rejects program input larger than MaxStdin.
func (p Policy) CheckStdin(stdin string) error {
	if p.MaxStdin > 0 && len(stdin) > p.MaxStdin {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrStdinTooLarge, len(stdin), p.MaxStdin)
	}
	return nil
}

// Validate checks the policy for values no runner can honour.
func (p Policy) Validate() error {
	if len(p.Interpreter) == 0 {
		return fmt.Errorf("sandbox interpreter must not be empty")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("sandbox timeout must be positive, got %s", p.Timeout)
	}
	if p.MaxTimeout > 0 && p.MaxTimeout < p.Timeout {
		return fmt.Errorf("sandbox max_timeout %s is below timeout %s", p.MaxTimeout, p.Timeout)
	}
	if p.MaxOutput < 0 {
		return fmt.Errorf("sandbox max_output must not be negative")
	}
	if p.MaxStdin < 0 {
		return fmt.Errorf("sandbox max_stdin must not be negative")
	}
	_, err := p.Limits()
	return err
}

// cpuLimitSeconds returns the RLIMIT_CPU soft and hard values for a CPU-time
// ceiling. The gap leaves room for SIGXCPU to arrive before SIGKILL.
func cpuLimitSeconds(d time.Duration) (soft, hard int64) {
	soft = int64(math.Ceil(d.Seconds()))
	return soft, soft + 1
}
