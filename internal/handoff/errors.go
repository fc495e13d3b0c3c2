package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingNode = errors.New("handoff: missing node")
	ErrMissingKey  = errors.New("handoff: missing key")
	ErrUnknownNode = errors.New("handoff: unknown node")
	ErrNoSource    = errors.New("handoff: reader has no source")
)

// ConflictError reports a conditional write whose expected version did not
// match the stored one.
type ConflictError struct {
	Node     string
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"handoff: conflict node=%q key=%q expected_version=%d actual_version=%d",
		e.Node,
		e.Key,
		e.Expected,
		e.Actual,
	)
}

// TimeoutError reports an await that saw no acceptable value in time.
// LastErr carries the most recent source read failure, if any.
type TimeoutError struct {
	Node    string
	Key     string
	Timeout time.Duration
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("handoff: await node=%q key=%q timed out after %s", e.Node, e.Key, e.Timeout)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" last_err=%v", e.LastErr)
	}
	return msg
}

// Unwrap lets callers match with errors.Is(err, context.DeadlineExceeded).
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
