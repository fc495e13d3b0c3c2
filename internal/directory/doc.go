// Package directory owns the per-process node tree.
//
// Ownership boundary:
// - node identity (stable slash-separated path)
//
// - writer-side mutation (create/remove, idempotent under retry)
//
// - reader-side resolution with deadlines
//
// The tree is eventually consistent from a reader's point of view: a child
// may appear any time after its parent. Readers always resolve with a
// timeout and never assume a child exists because its parent does. Nodes
// created in the same population step are not guaranteed to be visible
// together either.
package directory
