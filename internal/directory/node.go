package directory

import "strings"

// Node is one named entry in a Directory. Fields are guarded by the owning
// directory's lock; callers use the accessor methods.
type Node struct {
	dir      *Directory
	name     string
	path     string
	parent   *Node
	children map[string]*Node
	order    []string
	required []string
	removed  bool
}

func newNode(dir *Directory, parent *Node, name string) *Node {
	path := name
	if parent != nil {
		path = parent.path + "/" + name
	}
	return &Node{
		dir:      dir,
		name:     name,
		path:     path,
		parent:   parent,
		children: make(map[string]*Node),
	}
}

// Name returns the final path segment.
func (n *Node) Name() string {
	return n.name
}

// Path returns the stable node identity.
func (n *Node) Path() string {
	return n.path
}

// Parent returns the traversal back-pointer, nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Child returns a direct child if it currently exists.
func (n *Node) Child(name string) (*Node, bool) {
	n.dir.mu.RLock()
	defer n.dir.mu.RUnlock()
	c, ok := n.children[name]
	return c, ok
}

// Children returns current children in creation order.
func (n *Node) Children() []*Node {
	n.dir.mu.RLock()
	defer n.dir.mu.RUnlock()
	out := make([]*Node, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}
	return out
}

// Removed reports whether authoritative logic removed this node.
func (n *Node) Removed() bool {
	n.dir.mu.RLock()
	defer n.dir.mu.RUnlock()
	return n.removed
}

// Require declares child names that must exist, and be ready themselves,
// before this node reports ready. Repeated names are ignored.
func (n *Node) Require(names ...string) {
	n.dir.mu.Lock()
	changed := false
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" || containsString(n.required, name) {
			continue
		}
		n.required = append(n.required, name)
		changed = true
	}
	if changed {
		n.dir.notifyLocked()
	}
	n.dir.mu.Unlock()
}

// Ready reports whether the node exists and all required descendants exist
// and are ready.
func (n *Node) Ready() bool {
	n.dir.mu.RLock()
	defer n.dir.mu.RUnlock()
	return n.readyLocked()
}

func (n *Node) readyLocked() bool {
	if n.removed {
		return false
	}
	for _, name := range n.required {
		c, ok := n.children[name]
		if !ok || !c.readyLocked() {
			return false
		}
	}
	return true
}

func (n *Node) markRemovedLocked(out *[]string) {
	n.removed = true
	for _, name := range n.order {
		n.children[name].markRemovedLocked(out)
	}
	*out = append(*out, n.path)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
