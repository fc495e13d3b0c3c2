package diagnostics

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes each record through a zerolog logger.
func LogSink(logger zerolog.Logger) Sink {
	return func(r Record) {
		var event *zerolog.Event
		switch r.Severity {
		case SeverityError:
			event = logger.Error()
		case SeverityWarn:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		event.
			Str("source", r.Source).
			Int64("record_ts", r.Timestamp).
			Msg(r.Message)
	}
}

// JSONLinesSink ships records as newline-delimited JSON to w.
// Write errors are dropped; the relay never blocks on a slow shipper failure.
func JSONLinesSink(w io.Writer) Sink {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(r)
	}
}

// FilterSink forwards only records at or above floor.
func FilterSink(floor Severity, next Sink) Sink {
	return func(r Record) {
		if r.Severity < floor {
			return
		}
		next(r)
	}
}
