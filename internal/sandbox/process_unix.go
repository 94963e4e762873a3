//go:build !windows

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// waitDelay bounds how long Wait keeps reading output after the process
// group has exited, in case a descendant escaped the group holding a pipe.
const waitDelay = 2 * time.Second

// ProcessSandbox runs programs as host processes in their own process group.
// Memory and CPU-time ceilings are applied with ulimit; there is no network
// or filesystem isolation beyond a private scratch directory and an empty
// environment, so it is meant for development and tests only.
type ProcessSandbox struct {
	Policy Policy
}

// NewProcessSandbox creates a host process runner with the given policy.
func NewProcessSandbox(policy Policy) *ProcessSandbox {
	return &ProcessSandbox{Policy: policy}
}

func (p *ProcessSandbox) Name() string { return "process" }

func (p *ProcessSandbox) Execute(ctx context.Context, req Request, sink Sink) Result {
	start := time.Now()
	lc := newLifecycle(log.WithField("runner", "process"))
	defer lc.finish()

	if strings.TrimSpace(req.Code) == "" {
		return failed(ErrEmptyProgram, start)
	}

	dir, err := os.MkdirTemp(p.Policy.ScratchDir, "codepad-run-*")
	if err != nil {
		return failed(fmt.Errorf("%w: creating scratch dir: %v", ErrStartFailed, err), start)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, "main.py")
	if err := os.WriteFile(codePath, []byte(req.Code), 0o600); err != nil {
		return failed(fmt.Errorf("%w: writing program: %v", ErrStartFailed, err), start)
	}

	timeout := p.Policy.ClampTimeout(req.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"-c", ulimitPrelude(req.Limits) + `exec "$@"`, "sandbox"}, p.Policy.Interpreter...)
	args = append(args, codePath)
	cmd := exec.Command("/bin/sh", args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	var pgid int
	kill := func(reason Status) {
		if lc.terminate(reason) && pgid > 0 {
			// Negative pid signals the whole process group.
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}

	out := newCapture(req.Limits.MaxOutputBytes, sink, func() { kill(StatusOutputLimit) })
	cmd.Stdout = out.writer(Stdout)
	cmd.Stderr = out.writer(Stderr)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return failed(fmt.Errorf("%w: %v", ErrStartFailed, err), start)
	}
	pgid = cmd.Process.Pid
	if err := lc.advance(phaseRunning); err != nil {
		// An output-limit kill cannot fire before Start returns, so this is unreachable
		// in practice; make sure the group is gone either way.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}

	entry := log.WithFields(logrus.Fields{"runner": "process", "pid": pgid, "timeout": timeout})
	entry.Debug("program started")

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			kill(ctxStatus(runCtx.Err()))
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	lc.exited()
	// The leader is reaped; take down anything it left behind in its group.
	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	stdout, stderr, truncated := out.result()
	res := Result{
		Stdout:    stdout,
		Stderr:    stderr,
		Truncated: truncated,
		Duration:  time.Since(start),
	}

	if reason := lc.terminationReason(); reason != "" {
		res.Status = reason
		res.ExitCode = -1
		entry.WithField("status", reason).Info("program terminated")
		return res
	}

	var cpuUsed time.Duration
	if cmd.ProcessState != nil {
		cpuUsed = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
	}
	res.Status, res.ExitCode, res.Err = classifyExit(waitErr, cpuUsed, req.Limits)
	if res.Status == StatusExited && res.ExitCode != 0 && req.Limits.MemoryBytes > 0 && pythonOutOfMemory(stderr) {
		res.Status = StatusOOM
	}
	entry.WithFields(logrus.Fields{"status": res.Status, "exit_code": res.ExitCode}).Debug("program finished")
	return res
}

// classifyExit turns the error from Wait into a status and exit code.
// cpuUsed is the CPU time the program consumed.
func classifyExit(waitErr error, cpuUsed time.Duration, limits Limits) (Status, int, error) {
	if waitErr == nil {
		return StatusExited, 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return StatusError, -1, fmt.Errorf("waiting for program: %w", waitErr)
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return StatusExited, exitErr.ExitCode(), nil
	}
	status, code := classifyWaitStatus(ws, cpuUsed, limits)
	return status, code, nil
}

// classifyWaitStatus maps a signal death caused by the CPU ceiling to
// timeout. RLIMIT_CPU delivers SIGXCPU at the soft limit and SIGKILL at the
// hard one; a SIGKILL only counts when the program used up its CPU budget.
func classifyWaitStatus(ws syscall.WaitStatus, cpuUsed time.Duration, limits Limits) (Status, int) {
	if !ws.Signaled() {
		return StatusExited, ws.ExitStatus()
	}
	switch ws.Signal() {
	case syscall.SIGXCPU:
		return StatusTimeout, -1
	case syscall.SIGKILL:
		if limits.CPUTime > 0 && cpuUsed >= limits.CPUTime {
			return StatusTimeout, -1
		}
	}
	return StatusExited, 128 + int(ws.Signal())
}

// ulimitPrelude builds the shell commands that apply limits before exec.
// The CPU hard limit sits one second above the soft one so the program gets
// SIGXCPU first.
func ulimitPrelude(l Limits) string {
	var b strings.Builder
	if l.MemoryBytes > 0 {
		fmt.Fprintf(&b, "ulimit -v %d || exit 125; ", l.MemoryBytes/1024)
	}
	if l.CPUTime > 0 {
		soft, hard := cpuLimitSeconds(l.CPUTime)
		fmt.Fprintf(&b, "ulimit -S -t %d || exit 125; ulimit -H -t %d || exit 125; ", soft, hard)
	}
	return b.String()
}

// pythonOutOfMemory reports whether stderr ends with an uncaught MemoryError,
// which is how the interpreter dies when it hits the address-space ulimit.
func pythonOutOfMemory(stderr string) bool {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return last == "MemoryError" || strings.HasPrefix(last, "MemoryError:")
}
