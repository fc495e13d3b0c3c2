package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Criticality partitions subsystems into baseline safety behavior and
// ordinary feature logic.
type Criticality int

const (
	Standard Criticality = iota
	Critical
)

func (c Criticality) String() string {
	switch c {
	case Critical:
		return "CRITICAL"
	case Standard:
		return "STANDARD"
	default:
		return fmt.Sprintf("Criticality(%d)", int(c))
	}
}

// ParseCriticality accepts the display names case-insensitively.
func ParseCriticality(raw string) (Criticality, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL":
		return Critical, nil
	case "STANDARD", "":
		return Standard, nil
	default:
		return Standard, fmt.Errorf("%w: criticality %q", ErrInvalidSubsystem, raw)
	}
}

// Status is the lifecycle state of one subsystem within a run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusReady:
		return "READY"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "PENDING":
		*s = StatusPending
	case "RUNNING":
		*s = StatusRunning
	case "READY":
		*s = StatusReady
	case "FAILED":
		*s = StatusFailed
	default:
		return fmt.Errorf("bootstrap: unknown status %q", string(b))
	}
	return nil
}

// InitFunc brings one subsystem up. It may block on directory resolution or
// handoff values; ctx carries the run context and the subsystem timeout.
type InitFunc func(ctx context.Context) error

// Subsystem is one registered unit of startup work.
type Subsystem struct {
	Name        string
	Init        InitFunc
	DependsOn   []string
	Criticality Criticality
	// Timeout bounds Init when positive.
	Timeout time.Duration
}

// Report is the outcome of one Run.
type Report struct {
	Statuses  map[string]Status
	Errors    map[string]error
	Durations map[string]time.Duration
	// Order lists subsystems in the order the scheduler started or settled them.
	Order []string
}

func newReport(n int) Report {
	return Report{
		Statuses:  make(map[string]Status, n),
		Errors:    make(map[string]error),
		Durations: make(map[string]time.Duration, n),
		Order:     make([]string, 0, n),
	}
}

// Status returns the final status for name, StatusPending when unknown.
func (r Report) Status(name string) Status {
	return r.Statuses[name]
}

// Failed returns failed subsystem names sorted.
func (r Report) Failed() []string {
	var out []string
	for name, st := range r.Statuses {
		if st == StatusFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// OK reports whether every subsystem reached READY.
func (r Report) OK() bool {
	for _, st := range r.Statuses {
		if st != StatusReady {
			return false
		}
	}
	return true
}

// Index returns the position of name in Order, -1 when absent.
func (r Report) Index(name string) int {
	for i, n := range r.Order {
		if n == name {
			return i
		}
	}
	return -1
}
