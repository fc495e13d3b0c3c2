package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/danmuck/statebridge/internal/bootstrap"

// Config tunes a Sequencer.
type Config struct {
	// Source names the process in diagnostics records.
	Source string
	// Concurrency caps init functions in flight; values below 1 mean 1.
	Concurrency int
	// Recorder receives failure records; nil disables recording.
	Recorder diagnostics.Recorder
}

// Sequencer runs registered subsystems in dependency order with criticality
// tiers and per-subsystem failure isolation.
type Sequencer struct {
	cfg Config

	mu      sync.Mutex
	items   map[string]Subsystem
	order   []string
	running bool
}

// NewSequencer creates an empty sequencer.
func NewSequencer(cfg Config) *Sequencer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if strings.TrimSpace(cfg.Source) == "" {
		cfg.Source = "bootstrap"
	}
	return &Sequencer{
		cfg:   cfg,
		items: make(map[string]Subsystem),
	}
}

// Register adds sub. Dependencies may name subsystems registered later;
// they are checked by Run.
func (s *Sequencer) Register(sub Subsystem) error {
	sub.Name = strings.TrimSpace(sub.Name)
	if sub.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSubsystem)
	}
	if sub.Init == nil {
		return fmt.Errorf("%w: %s missing init", ErrInvalidSubsystem, sub.Name)
	}
	if sub.Criticality != Standard && sub.Criticality != Critical {
		return fmt.Errorf("%w: %s unknown criticality", ErrInvalidSubsystem, sub.Name)
	}
	sub.DependsOn = normalizeDeps(sub.DependsOn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if _, ok := s.items[sub.Name]; ok {
		return fmt.Errorf("%w: %s", ErrSubsystemExists, sub.Name)
	}
	s.items[sub.Name] = sub
	s.order = append(s.order, sub.Name)
	return nil
}

// Names returns registered subsystem names in registration order.
func (s *Sequencer) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Run validates the graph and initializes every subsystem. Structural
// problems return an error before any init runs; individual subsystem
// failures are only reflected in the report.
func (s *Sequencer) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	s.running = true
	items := make(map[string]Subsystem, len(s.items))
	for k, v := range s.items {
		items[k] = v
	}
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := validateGraph(items, order); err != nil {
		logging.Errorf("bootstrap.Sequencer.Run structural error err=%v", err)
		return Report{}, err
	}

	r := newRun(s, items, order)
	report := r.execute(ctx)
	logging.Infof(
		"bootstrap.Sequencer.Run complete source=%q subsystems=%d failed=%v",
		s.cfg.Source,
		len(order),
		report.Failed(),
	)
	return report, nil
}

type completion struct {
	name     string
	err      error
	duration time.Duration
}

// run holds the scheduling state of one Run call.
type run struct {
	seq        *Sequencer
	items      map[string]Subsystem
	index      map[string]int
	dependents map[string][]string
	remaining  map[string]int

	critical []string
	standard []string

	report Report
}

func newRun(seq *Sequencer, items map[string]Subsystem, order []string) *run {
	r := &run{
		seq:        seq,
		items:      items,
		index:      make(map[string]int, len(order)),
		dependents: make(map[string][]string, len(order)),
		remaining:  make(map[string]int, len(order)),
		report:     newReport(len(order)),
	}
	for i, name := range order {
		r.index[name] = i
		r.report.Statuses[name] = StatusPending
	}
	for _, name := range order {
		sub := items[name]
		r.remaining[name] = len(sub.DependsOn)
		for _, dep := range sub.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], name)
		}
	}
	for _, name := range order {
		if r.remaining[name] == 0 {
			r.enqueue(name)
		}
	}
	return r
}

func (r *run) execute(ctx context.Context) Report {
	done := make(chan completion)
	inFlight := 0

	for {
		for inFlight < r.seq.cfg.Concurrency {
			name, ok := r.next()
			if !ok {
				break
			}
			sub := r.items[name]
			r.report.Order = append(r.report.Order, name)

			if failed := r.failedDependency(sub); failed != "" {
				r.settle(completion{
					name: name,
					err:  fmt.Errorf("%w: %s", ErrDependencyFailed, failed),
				}, true)
				continue
			}

			r.report.Statuses[name] = StatusRunning
			inFlight++
			logging.Debugf(
				"bootstrap.Sequencer.start subsystem=%q criticality=%s",
				name,
				sub.Criticality,
			)
			go func(sub Subsystem) {
				start := time.Now()
				err := invoke(ctx, sub)
				done <- completion{name: sub.Name, err: err, duration: time.Since(start)}
			}(sub)
		}

		if inFlight == 0 {
			return r.report
		}
		c := <-done
		inFlight--
		r.settle(c, false)
	}
}

// next pops the earliest-registered ready CRITICAL subsystem, falling back
// to STANDARD only when no CRITICAL one is ready.
func (r *run) next() (string, bool) {
	if len(r.critical) > 0 {
		name := r.critical[0]
		r.critical = r.critical[1:]
		return name, true
	}
	if len(r.standard) > 0 {
		name := r.standard[0]
		r.standard = r.standard[1:]
		return name, true
	}
	return "", false
}

func (r *run) enqueue(name string) {
	if r.items[name].Criticality == Critical {
		r.critical = insertByIndex(r.critical, name, r.index)
		return
	}
	r.standard = insertByIndex(r.standard, name, r.index)
}

func (r *run) failedDependency(sub Subsystem) string {
	for _, dep := range sub.DependsOn {
		if r.report.Statuses[dep] == StatusFailed {
			return dep
		}
	}
	return ""
}

func (r *run) settle(c completion, blocked bool) {
	sub := r.items[c.name]
	status := StatusReady
	if c.err != nil {
		status = StatusFailed
		r.report.Errors[c.name] = c.err
	}
	r.report.Statuses[c.name] = status
	r.report.Durations[c.name] = c.duration
	observability.RecordSubsystemInit(c.name, sub.Criticality.String(), status.String(), c.duration)
	r.record(sub, c.err, blocked)

	for _, dependent := range r.dependents[c.name] {
		r.remaining[dependent]--
		if r.remaining[dependent] == 0 {
			r.enqueue(dependent)
		}
	}
}

func (r *run) record(sub Subsystem, err error, blocked bool) {
	if err == nil {
		logging.Infof("bootstrap.Sequencer.ready subsystem=%q criticality=%s", sub.Name, sub.Criticality)
		return
	}

	severity := diagnostics.SeverityError
	msg := fmt.Sprintf("subsystem=%q criticality=%s status=FAILED err=%v", sub.Name, sub.Criticality, err)
	switch {
	case blocked:
		severity = diagnostics.SeverityWarn
		msg = fmt.Sprintf("subsystem=%q criticality=%s status=FAILED blocked err=%v", sub.Name, sub.Criticality, err)
		logging.Warnf("bootstrap.Sequencer.blocked %s", msg)
	case sub.Criticality == Critical:
		msg = "critical " + msg
		logging.Errorf("bootstrap.Sequencer.failed %s", msg)
	default:
		logging.Errorf("bootstrap.Sequencer.failed %s", msg)
	}

	if r.seq.cfg.Recorder != nil {
		r.seq.cfg.Recorder.Record(diagnostics.NewRecord(r.seq.cfg.Source, severity, msg))
	}
}

// invoke runs sub.Init inside the failure boundary.
func invoke(ctx context.Context, sub Subsystem) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "bootstrap.init "+sub.Name)
	span.SetAttributes(
		attribute.String("subsystem", sub.Name),
		attribute.String("criticality", sub.Criticality.String()),
	)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrSubsystemPanic, sub.Name, rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if sub.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sub.Timeout)
		defer cancel()
	}
	return sub.Init(ctx)
}

func insertByIndex(queue []string, name string, index map[string]int) []string {
	pos := len(queue)
	for i, existing := range queue {
		if index[name] < index[existing] {
			pos = i
			break
		}
	}
	queue = append(queue, "")
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = name
	return queue
}

func normalizeDeps(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		dep := strings.TrimSpace(raw)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	return out
}
