package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRootName is the root segment used by New("").
const DefaultRootName = "root"

// ChangeKind classifies a tree mutation.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is delivered to watchers after each mutation.
type Change struct {
	Kind ChangeKind
	Path string
}

type watcher struct {
	id uint64
	fn func(Change)
}

// Directory is a tree of named nodes populated by one writer and resolved by
// any number of readers.
type Directory struct {
	mu       sync.RWMutex
	root     *Node
	changed  chan struct{}
	watchers []watcher
	nextID   uint64
}

// New creates a directory whose root node is named rootName.
func New(rootName string) *Directory {
	rootName = strings.TrimSpace(rootName)
	if rootName == "" {
		rootName = DefaultRootName
	}
	d := &Directory{changed: make(chan struct{})}
	d.root = newNode(d, nil, rootName)
	return d
}

// Root returns the root node.
func (d *Directory) Root() *Node {
	return d.root
}

// CreateChild creates name under parent. Creating an existing child is a
// no-op that returns the existing node.
func (d *Directory) CreateChild(parent *Node, name string) (*Node, error) {
	if parent == nil {
		return nil, ErrNilNode
	}
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if parent.removed {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeRemoved, parent.path)
	}
	if existing, ok := parent.children[name]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	child := newNode(d, parent, name)
	parent.children[name] = child
	parent.order = append(parent.order, name)
	d.notifyLocked()
	watchers := d.watchersLocked()
	d.mu.Unlock()

	dispatch(watchers, []Change{{Kind: ChangeCreated, Path: child.path}})
	return child, nil
}

// Ensure creates every missing segment of path and returns the leaf.
func (d *Directory) Ensure(path string) (*Node, error) {
	node := d.root
	for _, seg := range d.segments(path) {
		next, err := d.CreateChild(node, seg)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

// RemoveChild removes name and its subtree from parent. It reports whether
// anything was removed; removing a missing child is a no-op.
func (d *Directory) RemoveChild(parent *Node, name string) bool {
	if parent == nil {
		return false
	}
	name = strings.TrimSpace(name)

	d.mu.Lock()
	child, ok := parent.children[name]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(parent.children, name)
	for i, n := range parent.order {
		if n == name {
			parent.order = append(parent.order[:i], parent.order[i+1:]...)
			break
		}
	}
	var removed []string
	child.markRemovedLocked(&removed)
	d.notifyLocked()
	watchers := d.watchersLocked()
	d.mu.Unlock()

	changes := make([]Change, 0, len(removed))
	for _, p := range removed {
		changes = append(changes, Change{Kind: ChangeRemoved, Path: p})
	}
	dispatch(watchers, changes)
	return true
}

// Remove removes the node at path if present.
func (d *Directory) Remove(path string) bool {
	segs := d.segments(path)
	if len(segs) == 0 {
		return false
	}
	parent, ok := d.Lookup(strings.Join(segs[:len(segs)-1], "/"))
	if !ok {
		return false
	}
	return d.RemoveChild(parent, segs[len(segs)-1])
}

// Lookup resolves path against the current tree without waiting.
func (d *Directory) Lookup(path string) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, missing := d.walkLocked(d.segments(path))
	return node, missing < 0
}

// Resolve waits until every segment of path exists or timeout elapses. A
// non-positive timeout means only ctx bounds the wait.
func (d *Directory) Resolve(ctx context.Context, path string, timeout time.Duration) (*Node, error) {
	return d.await(ctx, path, timeout, false)
}

// AwaitReady resolves path and then waits for the node to report ready.
func (d *Directory) AwaitReady(ctx context.Context, path string, timeout time.Duration) (*Node, error) {
	return d.await(ctx, path, timeout, true)
}

func (d *Directory) await(ctx context.Context, path string, timeout time.Duration, ready bool) (*Node, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	segs := d.segments(path)

	for {
		d.mu.RLock()
		node, missing := d.walkLocked(segs)
		done := missing < 0 && (!ready || node.readyLocked())
		changed := d.changed
		d.mu.RUnlock()

		if done {
			return node, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				unresolved := ""
				if missing >= 0 {
					unresolved = strings.Join(segs[missing:], "/")
				}
				return nil, &TimeoutError{Path: path, Unresolved: unresolved}
			}
			return nil, ctx.Err()
		}
	}
}

// Watch registers fn for future changes. The returned func unregisters it.
func (d *Directory) Watch(fn func(Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.watchers = append(d.watchers, watcher{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, w := range d.watchers {
			if w.id == id {
				d.watchers = append(d.watchers[:i], d.watchers[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns every live node path in sorted order, root included.
func (d *Directory) Snapshot() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.path)
		for _, name := range n.order {
			walk(n.children[name])
		}
	}
	walk(d.root)
	sort.Strings(out)
	return out
}

// Canonical returns the full node path for path, root name included, whether
// or not the node exists yet.
func (d *Directory) Canonical(path string) string {
	segs := d.segments(path)
	if len(segs) == 0 {
		return d.root.name
	}
	return d.root.name + "/" + strings.Join(segs, "/")
}

// segments splits path on "/", dropping empty parts and a leading root name.
func (d *Directory) segments(path string) []string {
	parts := strings.Split(strings.TrimSpace(path), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 && out[0] == d.root.name {
		out = out[1:]
	}
	return out
}

// walkLocked returns the deepest node reached and the index of the first
// missing segment, or -1 when the full path exists.
func (d *Directory) walkLocked(segs []string) (*Node, int) {
	node := d.root
	for i, seg := range segs {
		next, ok := node.children[seg]
		if !ok {
			return node, i
		}
		node = next
	}
	return node, -1
}

func (d *Directory) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Directory) watchersLocked() []watcher {
	if len(d.watchers) == 0 {
		return nil
	}
	out := make([]watcher, len(d.watchers))
	copy(out, d.watchers)
	return out
}

func dispatch(watchers []watcher, changes []Change) {
	for _, w := range watchers {
		for _, c := range changes {
			w.fn(c)
		}
	}
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q contains '/'", ErrInvalidName, name)
	}
	return nil
}
