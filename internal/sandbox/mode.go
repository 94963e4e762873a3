package sandbox

import (
	"fmt"
	"strings"
)

// Mode selects the runner implementation.
type Mode string

const (
	// ModeDocker uses Docker containers for isolation.
	ModeDocker Mode = "docker"
	// ModeProcess runs programs as host processes (no network/filesystem isolation).
	ModeProcess Mode = "process"
	// ModeAuto uses Docker if the daemon is reachable, otherwise falls back to process.
	ModeAuto Mode = "auto"
)

// ParseMode parses a mode name, case-insensitively. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeDocker:
		return ModeDocker, nil
	case ModeProcess:
		return ModeProcess, nil
	}
	return "", fmt.Errorf("unknown sandbox mode %q (want docker, process or auto)", s)
}

// New creates the runner for the given mode.
func New(mode Mode, policy Policy) (Runner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	switch mode {
	case ModeDocker:
		return NewDockerSandbox(policy)
	case ModeProcess:
		log.Warn("using process sandbox: programs run on the host without network or filesystem isolation")
		return NewProcessSandbox(policy), nil
	case ModeAuto, "":
		d, err := NewDockerSandbox(policy)
		if err == nil {
			return d, nil
		}
		log.WithError(err).Warn("docker unavailable, falling back to process sandbox (no isolation)")
		return NewProcessSandbox(policy), nil
	}
	return nil, fmt.Errorf("unknown sandbox mode %q", mode)
}
