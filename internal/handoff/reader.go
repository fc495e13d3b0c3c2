package handoff

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/statebridge/internal/directory"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/danmuck/statebridge/internal/handoff"

// Delivery paths, as labeled on await metrics and spans.
const (
	PathAttribute = "attribute"
	PathEvent     = "event"
	PathPoll      = "poll"
	PathTimeout   = "timeout"
	PathCanceled  = "canceled"
)

// Reader is the consumer side held by one process. It remembers, per
// (node, key), the highest version it has observed and the highest version
// it has applied, so values never go backwards and each version is acted on
// once.
type Reader struct {
	source Source
	bus    *Bus
	cfg    Config
	canon  func(string) string

	mu       sync.Mutex
	observed map[string]uint64
	applied  map[string]uint64
}

// NewReader builds a reader over source. bus may be nil when the writer
// lives in another process; the reader then relies on polling alone.
func NewReader(source Source, bus *Bus, cfg Config) *Reader {
	return &Reader{
		source:   source,
		bus:      bus,
		cfg:      cfg.WithDefaults(),
		observed: make(map[string]uint64),
		applied:  make(map[string]uint64),
	}
}

// NewDirectoryReader is NewReader with node references mapped onto dir's
// full paths, matching how a directory-bound Channel stores them.
func NewDirectoryReader(source Source, bus *Bus, dir *directory.Directory, cfg Config) *Reader {
	r := NewReader(source, bus, cfg)
	if dir != nil {
		r.canon = dir.Canonical
	}
	return r
}

// AwaitValue returns the current value of (node, key), waiting up to timeout
// for it to be published. The result is never older than a version this
// reader has already observed. A non-positive timeout waits on ctx alone.
func (r *Reader) AwaitValue(ctx context.Context, node, key string, timeout time.Duration) (Attribute, error) {
	node, key, err := r.ref(node, key)
	if err != nil {
		return Attribute{}, err
	}
	return r.await(ctx, node, key, timeout, r.Observed(node, key))
}

// AwaitNext waits for a version newer than the newest one this reader has
// observed for (node, key).
func (r *Reader) AwaitNext(ctx context.Context, node, key string, timeout time.Duration) (Attribute, error) {
	node, key, err := r.ref(node, key)
	if err != nil {
		return Attribute{}, err
	}
	return r.await(ctx, node, key, timeout, r.Observed(node, key)+1)
}

// Accept reports whether attr carries a version this reader has not applied
// yet, and marks it applied. Redelivery of an applied version returns false.
func (r *Reader) Accept(attr Attribute) bool {
	return r.accept(Topic(attr.Node, attr.Key), attr.Version)
}

func (r *Reader) accept(topic string, version uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.applied[topic] {
		return false
	}
	r.applied[topic] = version
	if version > r.observed[topic] {
		r.observed[topic] = version
	}
	return true
}

// Once awaits (node, key) and runs fn only if the returned version has not
// been applied before. It reports whether fn ran. When fn fails the version
// stays applied; the handler owns its own retry.
func (r *Reader) Once(ctx context.Context, node, key string, timeout time.Duration, fn func(Attribute) error) (Attribute, bool, error) {
	attr, err := r.AwaitValue(ctx, node, key, timeout)
	if err != nil {
		return Attribute{}, false, err
	}
	node, key, _ = r.ref(node, key)
	if !r.accept(Topic(node, key), attr.Version) {
		return attr, false, nil
	}
	if fn == nil {
		return attr, true, nil
	}
	return attr, true, fn(attr)
}

// Observed returns the newest version seen for (node, key), 0 if none.
func (r *Reader) Observed(node, key string) uint64 {
	node, key, _ = r.ref(node, key)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed[Topic(node, key)]
}

func (r *Reader) ref(node, key string) (string, string, error) {
	node, key, err := normalizeRef(node, key)
	if err != nil {
		return "", "", err
	}
	if r.canon != nil {
		node = r.canon(node)
	}
	return node, key, nil
}

// observe records attr under the reference the caller asked for, which may
// differ in spelling from the node path the source reports.
func (r *Reader) observe(topic string, attr Attribute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attr.Version > r.observed[topic] {
		r.observed[topic] = attr.Version
	}
}

func (r *Reader) await(ctx context.Context, node, key string, timeout time.Duration, floor uint64) (attr Attribute, err error) {
	if r.source == nil {
		return Attribute{}, ErrNoSource
	}
	if floor == 0 {
		floor = 1
	}
	topic := Topic(node, key)
	start := time.Now()
	path := PathTimeout
	var lastErr error

	ctx, span := otel.Tracer(tracerName).Start(ctx, "handoff.await")
	span.SetAttributes(attribute.String("node", node), attribute.String("key", key))
	defer func() {
		span.SetAttributes(attribute.String("path", path))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		observability.RecordAwait(path, time.Since(start))
	}()

	// One deadline bounds the direct read, the subscription and the polls.
	effective := timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else if deadline, ok := ctx.Deadline(); ok {
		effective = time.Until(deadline)
	}
	expired := func() error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Node: node, Key: key, Timeout: effective, LastErr: lastErr}
		}
		path = PathCanceled
		return ctx.Err()
	}

	// Published before we attached: the store already has it.
	got, ok, gerr := r.source.Get(ctx, node, key)
	switch {
	case gerr == nil && ok && got.Version >= floor:
		path = PathAttribute
		r.observe(topic, got)
		return got, nil
	case ctx.Err() != nil:
		return Attribute{}, expired()
	case gerr != nil:
		lastErr = gerr
	}

	var events <-chan Event
	if r.bus != nil {
		sub := r.bus.Subscribe(topic)
		defer sub.Close()
		events = sub.C
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	attempt := 0
	for {
		select {
		case ev := <-events:
			if ev.Payload.Version >= floor {
				path = PathEvent
				r.observe(topic, ev.Payload)
				return ev.Payload, nil
			}
		case <-timer.C:
			got, ok, gerr := r.source.Get(ctx, node, key)
			switch {
			case gerr != nil:
				if ctx.Err() == nil {
					lastErr = gerr
					logging.Debugf("handoff.Reader.await poll failed node=%q key=%q err=%v", node, key, gerr)
				}
			case ok && got.Version >= floor:
				path = PathPoll
				r.observe(topic, got)
				return got, nil
			}
			attempt++
			timer.Reset(NextBackoffDelay(r.cfg.Poll, attempt, nil))
		case <-ctx.Done():
			return Attribute{}, expired()
		}
	}
}
