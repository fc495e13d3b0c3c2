package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/directory"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
)

// ChannelConfig wires a writer Channel.
type ChannelConfig struct {
	Store Store
	Bus   *Bus
	// Directory, when set, restricts publishes to live nodes and drops a
	// node's attributes when the node is removed.
	Directory *directory.Directory
	Recorder  diagnostics.Recorder
}

// Channel is the writer side: every publish lands in the store first and is
// then announced on the bus.
type Channel struct {
	store    Store
	bus      *Bus
	dir      *directory.Directory
	recorder diagnostics.Recorder

	unwatch   func()
	closeOnce sync.Once
}

// NewChannel builds a writer channel. A nil Store or Bus gets an in-memory
// default.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus()
	}
	c := &Channel{
		store:    cfg.Store,
		bus:      cfg.Bus,
		dir:      cfg.Directory,
		recorder: cfg.Recorder,
		unwatch:  func() {},
	}
	if c.dir != nil {
		c.unwatch = c.dir.Watch(c.onDirectoryChange)
	}
	return c
}

// Store returns the backing store, which doubles as the reader Source.
func (c *Channel) Store() Store {
	return c.store
}

// Bus returns the event bus for in-process readers.
func (c *Channel) Bus() *Bus {
	return c.bus
}

// NewReader builds an in-process reader over this channel's store and bus.
// Node references are mapped onto directory paths the same way publishes are.
func (c *Channel) NewReader(cfg Config) *Reader {
	return NewDirectoryReader(c.store, c.bus, c.dir, cfg)
}

// Close detaches the directory watcher.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.unwatch()
	})
}

// Publish sets (node, key) to value and emits the change event. Publishing
// the stored value again returns the stored attribute without a version bump
// or event.
func (c *Channel) Publish(ctx context.Context, node, key, value string) (Attribute, error) {
	node, err := c.canonicalNode(node)
	if err != nil {
		return Attribute{}, err
	}
	attr, changed, err := c.store.Put(ctx, node, key, value)
	return c.finish(attr, changed, err)
}

// PublishIf is Publish guarded by the expected current version (0 when the
// key has never been written). A mismatch returns *ConflictError.
func (c *Channel) PublishIf(ctx context.Context, node, key, value string, expected uint64) (Attribute, error) {
	node, err := c.canonicalNode(node)
	if err != nil {
		return Attribute{}, err
	}
	attr, changed, err := c.store.PutIf(ctx, node, key, value, expected)
	return c.finish(attr, changed, err)
}

func (c *Channel) finish(attr Attribute, changed bool, err error) (Attribute, error) {
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			observability.RecordPublish("conflict")
			c.report(diagnostics.SeverityWarn, conflict.Error())
		}
		return Attribute{}, err
	}
	if !changed {
		observability.RecordPublish("unchanged")
		logging.Debugf("handoff.Channel.publish unchanged node=%q key=%q version=%d", attr.Node, attr.Key, attr.Version)
		return attr, nil
	}
	observability.RecordPublish("written")
	delivered := c.bus.Emit(Event{Topic: Topic(attr.Node, attr.Key), Payload: attr})
	logging.Debugf(
		"handoff.Channel.publish node=%q key=%q version=%d live_listeners=%d",
		attr.Node,
		attr.Key,
		attr.Version,
		delivered,
	)
	return attr, nil
}

// canonicalNode maps node onto its directory path so removal hooks and
// readers agree on identity.
func (c *Channel) canonicalNode(node string) (string, error) {
	if c.dir == nil {
		return node, nil
	}
	n, ok := c.dir.Lookup(node)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return n.Path(), nil
}

func (c *Channel) onDirectoryChange(change directory.Change) {
	if change.Kind != directory.ChangeRemoved {
		return
	}
	n, err := c.store.DeleteNode(context.Background(), change.Path)
	if err != nil {
		c.report(diagnostics.SeverityError, fmt.Sprintf("drop attributes node=%q err=%v", change.Path, err))
		return
	}
	if n > 0 {
		logging.Debugf("handoff.Channel.onDirectoryChange dropped node=%q attributes=%d", change.Path, n)
	}
}

func (c *Channel) report(sev diagnostics.Severity, msg string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(diagnostics.NewRecord("handoff", sev, msg))
}
