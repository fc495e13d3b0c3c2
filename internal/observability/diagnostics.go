package observability

import "github.com/danmuck/statebridge/internal/diagnostics"

// DiagnosticsSink counts relayed records by source and severity.
func DiagnosticsSink() diagnostics.Sink {
	return func(r diagnostics.Record) {
		RecordDiagnostic(r.Source, r.Severity.String())
	}
}
