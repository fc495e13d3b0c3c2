package handoff

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source is the read side of the attribute store. Readers in other
// processes reach it over HTTP or a shared database file.
type Source interface {
	Get(ctx context.Context, node, key string) (Attribute, bool, error)
}

// Store is the writer-owned attribute store.
type Store interface {
	Source
	// Put writes value. Writing the value already stored is a no-op that
	// reports changed=false and keeps the version.
	Put(ctx context.Context, node, key, value string) (attr Attribute, changed bool, err error)
	// PutIf writes value only when the stored version equals expected
	// (0 for absent) and returns *ConflictError otherwise.
	PutIf(ctx context.Context, node, key, value string, expected uint64) (attr Attribute, changed bool, err error)
	// DeleteNode drops every attribute owned by node. Versions are kept as
	// tombstones so a recreated key continues counting upward.
	DeleteNode(ctx context.Context, node string) (int, error)
	// List returns live attributes of node sorted by key.
	List(ctx context.Context, node string) ([]Attribute, error)
}

type memoryEntry struct {
	attr    Attribute
	deleted bool
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*memoryEntry
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]map[string]*memoryEntry),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, node, key string) (Attribute, bool, error) {
	if err := ctx.Err(); err != nil {
		return Attribute{}, false, err
	}
	node, key, err := normalizeRef(node, key)
	if err != nil {
		return Attribute{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[node][key]
	if !ok || entry.deleted {
		return Attribute{}, false, nil
	}
	return entry.attr, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, node, key, value string) (Attribute, bool, error) {
	return s.put(ctx, node, key, value, nil)
}

func (s *MemoryStore) PutIf(ctx context.Context, node, key, value string, expected uint64) (Attribute, bool, error) {
	return s.put(ctx, node, key, value, &expected)
}

func (s *MemoryStore) put(ctx context.Context, node, key, value string, expected *uint64) (Attribute, bool, error) {
	if err := ctx.Err(); err != nil {
		return Attribute{}, false, err
	}
	node, key, err := normalizeRef(node, key)
	if err != nil {
		return Attribute{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.items[node]
	if !ok {
		keys = make(map[string]*memoryEntry)
		s.items[node] = keys
	}
	entry := keys[key]

	var current uint64
	live := entry != nil && !entry.deleted
	if live {
		current = entry.attr.Version
	}
	if expected != nil && *expected != current {
		return Attribute{}, false, &ConflictError{Node: node, Key: key, Expected: *expected, Actual: current}
	}
	if live && entry.attr.Value == value {
		return entry.attr, false, nil
	}

	var floor uint64
	if entry != nil {
		floor = entry.attr.Version
	}
	attr := Attribute{
		Node:      node,
		Key:       key,
		Value:     value,
		Version:   floor + 1,
		UpdatedAt: s.now().UTC(),
	}
	keys[key] = &memoryEntry{attr: attr}
	return attr, true, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, node string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	node = strings.Trim(strings.TrimSpace(node), "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.items[node] {
		if !entry.deleted {
			entry.deleted = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, node string) ([]Attribute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node = strings.Trim(strings.TrimSpace(node), "/")
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attribute, 0, len(s.items[node]))
	for _, entry := range s.items[node] {
		if !entry.deleted {
			out = append(out, entry.attr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out, nil
}
