// Package diagnostics owns the process-wide record relay.
//
// Ownership boundary:
// - error record shape and severity encoding
//
// - bounded recent-history buffer
//
// - sink fan-out (push) and snapshot (pull)
//
// Recording never feeds back into bootstrap scheduling; the relay is an
// observability surface only.
package diagnostics
