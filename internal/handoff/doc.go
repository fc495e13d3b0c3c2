// Package handoff owns one-shot value delivery between a single writer and
// lazily attaching readers.
//
// Ownership boundary:
// - versioned attribute store (source of truth, durable for the owner node)
//
// - ephemeral event bus (fast path, never buffered or replayed)
//
// - writer Channel and reader Reader
//
// A reader first reads the store, then subscribes and polls until the value
// shows up through either path. An event fired before a reader subscribed is
// lost by design; the store read covers that case.
package handoff
