package diagnostics

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidSeverity = errors.New("diagnostics: invalid severity")

// Severity is the forwarded record level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity accepts the wire names case-insensitively.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARN", "WARNING":
		return SeverityWarn, nil
	case "ERROR":
		return SeverityError, nil
	default:
		return SeverityInfo, fmt.Errorf("%w: %q", ErrInvalidSeverity, raw)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSeverity, int(s))
	}
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is one observed error or status line.
// Timestamp is unix milliseconds.
type Record struct {
	Source    string   `json:"source"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// NewRecord stamps a record with the current time.
func NewRecord(source string, severity Severity, message string) Record {
	return Record{
		Source:    strings.TrimSpace(source),
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Time returns the record timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Encode returns the JSON wire form of the record.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}
