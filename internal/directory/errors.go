package directory

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidName = errors.New("directory: invalid node name")
	ErrNodeRemoved = errors.New("directory: node removed")
	ErrNilNode     = errors.New("directory: nil node")
)

// TimeoutError reports a resolution that did not complete before its
// deadline. Unresolved is the path suffix starting at the first missing
// segment.
type TimeoutError struct {
	Path       string
	Unresolved string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("directory: resolve %q timed out unresolved=%q", e.Path, e.Unresolved)
}

// Unwrap lets callers match with errors.Is(err, context.DeadlineExceeded).
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
