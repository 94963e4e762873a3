package sandbox

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// phase is a step of the sandbox process lifecycle.
type phase int

const (
	phaseStarting phase = iota
	phaseRunning
	phaseTerminating
	phaseCapturing
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseStarting:
		return "starting"
	case phaseRunning:
		return "running"
	case phaseTerminating:
		return "terminating"
	case phaseCapturing:
		return "capturing"
	case phaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Capturing means the process is gone and the remaining buffered output is being drained.
var transitions = map[phase][]phase{
	phaseStarting:    {phaseRunning, phaseTerminating, phaseDone},
	phaseRunning:     {phaseTerminating, phaseCapturing},
	phaseTerminating: {phaseCapturing, phaseDone},
	phaseCapturing:   {phaseDone},
}

// lifecycle tracks one execution through its phases. The first termination
// reason recorded wins.
type lifecycle struct {
	mu      sync.Mutex
	current phase
	reason  Status
	log     *logrus.Entry
}

func newLifecycle(entry *logrus.Entry) *lifecycle {
	return &lifecycle{current: phaseStarting, log: entry}
}

func (l *lifecycle) advance(to phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advanceLocked(to)
}

func (l *lifecycle) advanceLocked(to phase) error {
	for _, allowed := range transitions[l.current] {
		if allowed == to {
			l.log.WithFields(logrus.Fields{"from": l.current, "to": to}).Debug("sandbox phase")
			l.current = to
			return nil
		}
	}
	return fmt.Errorf("invalid sandbox transition %s -> %s", l.current, to)
}

// terminate moves a starting or running execution to terminating with the
// given reason. It reports false if termination was already requested or the
// process has already exited, in which case the caller must not kill again.
func (l *lifecycle) terminate(reason Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != phaseStarting && l.current != phaseRunning {
		return false
	}
	if err := l.advanceLocked(phaseTerminating); err != nil {
		return false
	}
	l.reason = reason
	return true
}

// exited records that the process is gone and output is being drained.
func (l *lifecycle) exited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == phaseRunning || l.current == phaseTerminating {
		l.current = phaseCapturing
	}
}

// finish moves to done from any phase. It is safe to call more than once.
func (l *lifecycle) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = phaseDone
}

func (l *lifecycle) phase() phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// terminationReason returns the status recorded by terminate, or "" when the
// process exited on its own.
func (l *lifecycle) terminationReason() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}
