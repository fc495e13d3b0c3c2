package diagnostics

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds the recent-history buffer when none is given.
const DefaultCapacity = 256

// Sink receives records recorded after it was attached.
type Sink func(Record)

// Recorder is the write side consumed by other subsystems.
type Recorder interface {
	Record(r Record)
}

type sinkEntry struct {
	id   uint64
	sink Sink
}

// Relay keeps a bounded ring of recent records and fans each new record out
// to attached sinks.
type Relay struct {
	// dispatch is taken before mu is released so sinks see records in ring
	// order.
	dispatch sync.Mutex

	mu    sync.RWMutex
	buf   []Record
	head  int
	size  int
	sinks []sinkEntry

	nextSink   atomic.Uint64
	total      atomic.Uint64
	sinkPanics atomic.Uint64
}

// NewRelay creates a relay retaining at most capacity records.
func NewRelay(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Relay{buf: make([]Record, capacity)}
}

// Capacity returns the ring size.
func (r *Relay) Capacity() int {
	return len(r.buf)
}

// Record appends rec to the ring, evicting the oldest record when full, and
// forwards it to every attached sink. Sinks receive records in the same order
// Snapshot returns them. A sink must not call Record on its own relay.
func (r *Relay) Record(rec Record) {
	r.mu.Lock()
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = rec
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
	sinks := make([]sinkEntry, len(r.sinks))
	copy(sinks, r.sinks)
	r.dispatch.Lock()
	r.mu.Unlock()
	defer r.dispatch.Unlock()

	r.total.Add(1)
	for _, entry := range sinks {
		r.forward(entry.sink, rec)
	}
}

func (r *Relay) forward(sink Sink, rec Record) {
	defer func() {
		if recover() != nil {
			r.sinkPanics.Add(1)
		}
	}()
	sink(rec)
}

// AttachSink registers sink for future records. History is not replayed;
// call Snapshot first when it is needed. The returned func detaches the sink.
func (r *Relay) AttachSink(sink Sink) (detach func()) {
	if sink == nil {
		return func() {}
	}
	id := r.nextSink.Add(1)
	r.mu.Lock()
	r.sinks = append(r.sinks, sinkEntry{id: id, sink: sink})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, entry := range r.sinks {
				if entry.id == id {
					r.sinks = append(r.sinks[:i], r.sinks[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns retained records oldest first.
func (r *Relay) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// SinkCount returns the number of attached sinks.
func (r *Relay) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Total returns how many records were ever recorded, including evicted ones.
func (r *Relay) Total() uint64 {
	return r.total.Load()
}

// SinkPanics returns how many sink invocations panicked and were dropped.
func (r *Relay) SinkPanics() uint64 {
	return r.sinkPanics.Load()
}

// Recorder returns a helper bound to one source name.
func (r *Relay) Recorder(source string) *SourceRecorder {
	return &SourceRecorder{relay: r, source: source}
}

// SourceRecorder stamps records with a fixed source.
type SourceRecorder struct {
	relay  Recorder
	source string
}

func (s *SourceRecorder) Info(msg string) {
	s.relay.Record(NewRecord(s.source, SeverityInfo, msg))
}

func (s *SourceRecorder) Warn(msg string) {
	s.relay.Record(NewRecord(s.source, SeverityWarn, msg))
}

func (s *SourceRecorder) Error(msg string) {
	s.relay.Record(NewRecord(s.source, SeverityError, msg))
}
