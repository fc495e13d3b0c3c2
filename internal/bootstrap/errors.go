package bootstrap

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSubsystem = errors.New("bootstrap: invalid subsystem")
	ErrSubsystemExists  = errors.New("bootstrap: subsystem already registered")
	ErrAlreadyRunning   = errors.New("bootstrap: sequencer already running")
	ErrSubsystemPanic   = errors.New("bootstrap: subsystem panicked")
	ErrDependencyFailed = errors.New("bootstrap: dependency failed")
)

// CyclicDependencyError names one dependency cycle; the first and last
// entries are the same subsystem.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("bootstrap: dependency cycle %s", strings.Join(e.Cycle, " -> "))
}

// UnregisteredDependencyError reports a dependency on an unknown name.
type UnregisteredDependencyError struct {
	Subsystem  string
	Dependency string
}

func (e *UnregisteredDependencyError) Error() string {
	return fmt.Sprintf("bootstrap: subsystem %q depends on unregistered %q", e.Subsystem, e.Dependency)
}

// CriticalDependencyError reports a CRITICAL subsystem depending on a
// STANDARD one.
type CriticalDependencyError struct {
	Subsystem  string
	Dependency string
}

func (e *CriticalDependencyError) Error() string {
	return fmt.Sprintf("bootstrap: critical subsystem %q depends on standard %q", e.Subsystem, e.Dependency)
}
