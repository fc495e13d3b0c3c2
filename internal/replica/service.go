// Package replica runs a reader process. It mirrors the authority's node
// directory into a local one and consumes handoff attributes, either over the
// authority's HTTP surface or from a shared SQLite file.
package replica

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/statebridge/internal/bootstrap"
	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/directory"
	"github.com/danmuck/statebridge/internal/handoff"
	"github.com/danmuck/statebridge/internal/handoff/sqlitestore"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
	"github.com/danmuck/statebridge/internal/server"
	"golang.org/x/sync/errgroup"
)

const (
	SubsystemSafetyGuard     = "safety.guard"
	SubsystemDirectoryMirror = "directory.mirror"
	SubsystemHandoffConsume  = "handoff.consume"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("replica: invalid heartbeat interval")
	ErrAuthorityRequired        = errors.New("replica: authority url required")
	ErrRootMismatch             = errors.New("replica: directory root mismatch")
	ErrCriticalSubsystem        = errors.New("replica: critical subsystem failed")
)

// AwaitSpec names one attribute the replica consumes.
type AwaitSpec struct {
	Node string
	Key  string
}

// ServiceConfig configures the replica process.
type ServiceConfig struct {
	Name        string
	ListenAddr  string
	CorsOrigins []string

	AuthorityURL string
	// DatabasePath reads attributes from the authority's SQLite file instead
	// of over HTTP. The directory is always mirrored over HTTP.
	DatabasePath string
	RootName     string

	MirrorInterval time.Duration
	ResolveTimeout time.Duration
	AwaitTimeout   time.Duration
	RequestTimeout time.Duration
	Poll           handoff.BackoffConfig

	// Nodes are resolved in the mirrored directory before any await.
	Nodes  []string
	Awaits []AwaitSpec
	// Follow keeps consuming newer versions after the first value.
	Follow bool

	DiagnosticsCapacity  int
	BootstrapConcurrency int
	HeartbeatInterval    time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:                 "replica",
		ListenAddr:           ":9310",
		CorsOrigins:          []string{"http://localhost:3000"},
		AuthorityURL:         "http://localhost:9300",
		RootName:             "root",
		MirrorInterval:       250 * time.Millisecond,
		ResolveTimeout:       5 * time.Second,
		AwaitTimeout:         5 * time.Second,
		RequestTimeout:       2 * time.Second,
		Poll:                 handoff.DefaultConfig().Poll,
		Follow:               true,
		DiagnosticsCapacity:  diagnostics.DefaultCapacity,
		BootstrapConcurrency: 2,
		HeartbeatInterval:    30 * time.Second,
	}
}

// Service runs the replica lifecycle.
type Service struct {
	cfg ServiceConfig

	relay    *diagnostics.Relay
	recorder *diagnostics.SourceRecorder
	dir      *directory.Directory

	prepareOnce sync.Once
	prepareErr  error
	client      *server.Client
	sqlite      *sqlitestore.Store
	reader      *handoff.Reader
	server      *server.Server

	mu       sync.RWMutex
	values   map[string]handoff.Attribute
	report   bootstrap.Report
	finished bool
	detach   []func()

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	mirrors  uint64
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	if strings.TrimSpace(cfg.RootName) == "" {
		cfg.RootName = def.RootName
	}
	if cfg.MirrorInterval <= 0 {
		cfg.MirrorInterval = def.MirrorInterval
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = def.AwaitTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	relay := diagnostics.NewRelay(cfg.DiagnosticsCapacity)
	return &Service{
		cfg:      cfg,
		relay:    relay,
		recorder: relay.Recorder(cfg.Name),
		dir:      directory.New(cfg.RootName),
		values:   make(map[string]handoff.Attribute),
	}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext serves HTTP, runs bootstrap, then logs heartbeats until ctx is
// done. A failed CRITICAL subsystem is logged and the process keeps serving
// with /ready reporting unavailable.
func (s *Service) RunContext(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if err := s.prepare(); err != nil {
		return err
	}
	defer s.Close()

	shutdownTracing, err := observability.SetupTracing(ctx, s.cfg.Name)
	if err != nil {
		logging.Warnf("replica.Service.RunContext tracing disabled err=%v", err)
	} else {
		defer func() {
			_ = shutdownTracing(context.Background())
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if strings.TrimSpace(s.cfg.ListenAddr) != "" {
		g.Go(func() error {
			return s.server.ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		if _, err := s.Bootstrap(gctx); err != nil {
			if !errors.Is(err, ErrCriticalSubsystem) {
				return err
			}
			logging.Errorf("replica.Service.RunContext degraded err=%v", err)
		}
		return s.heartbeat(gctx)
	})
	return g.Wait()
}

// Bootstrap registers the replica subsystems and runs them once. Background
// mirror and follow loops started by it live until ctx is done or Close.
func (s *Service) Bootstrap(ctx context.Context) (bootstrap.Report, error) {
	if err := s.prepare(); err != nil {
		return bootstrap.Report{}, err
	}
	s.mu.Lock()
	if s.bgCtx == nil {
		s.bgCtx, s.bgCancel = context.WithCancel(ctx)
	}
	s.mu.Unlock()

	seq := bootstrap.NewSequencer(bootstrap.Config{
		Source:      s.cfg.Name,
		Concurrency: s.cfg.BootstrapConcurrency,
		Recorder:    s.relay,
	})
	subsystems := []bootstrap.Subsystem{
		{Name: SubsystemSafetyGuard, Criticality: bootstrap.Critical, Init: s.initSafetyGuard},
		{Name: SubsystemDirectoryMirror, Init: s.initDirectoryMirror, DependsOn: []string{SubsystemSafetyGuard}, Timeout: s.cfg.ResolveTimeout},
		{Name: SubsystemHandoffConsume, Init: s.initHandoffConsume, DependsOn: []string{SubsystemDirectoryMirror}},
	}
	for _, sub := range subsystems {
		if err := seq.Register(sub); err != nil {
			return bootstrap.Report{}, err
		}
	}

	report, err := seq.Run(ctx)
	if err != nil {
		return bootstrap.Report{}, err
	}
	s.mu.Lock()
	s.report = report
	s.finished = true
	s.mu.Unlock()

	if report.Status(SubsystemSafetyGuard) == bootstrap.StatusFailed {
		return report, fmt.Errorf("%w: %s: %v", ErrCriticalSubsystem, SubsystemSafetyGuard, report.Errors[SubsystemSafetyGuard])
	}
	logging.Infof(
		"replica.Service.Bootstrap ready name=%q nodes=%d values=%d failed=%v",
		s.cfg.Name,
		len(s.dir.Snapshot()),
		len(s.Values()),
		report.Failed(),
	)
	return report, nil
}

func (s *Service) Report() (bootstrap.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report, s.finished
}

func (s *Service) Directory() *directory.Directory {
	return s.dir
}

func (s *Service) Relay() *diagnostics.Relay {
	return s.relay
}

func (s *Service) Server() *server.Server {
	return s.server
}

// Values returns the consumed attributes keyed by node#key.
func (s *Service) Values() map[string]handoff.Attribute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]handoff.Attribute, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get serves the replica's consumed view; it satisfies handoff.Source.
func (s *Service) Get(_ context.Context, node, key string) (handoff.Attribute, bool, error) {
	node = strings.Trim(strings.TrimSpace(node), "/")
	key = strings.TrimSpace(key)
	if node == "" {
		return handoff.Attribute{}, false, handoff.ErrMissingNode
	}
	if key == "" {
		return handoff.Attribute{}, false, handoff.ErrMissingKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.values[handoff.Topic(s.dir.Canonical(node), key)]
	return attr, ok, nil
}

// Close stops background loops and releases storage.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.bgCancel
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.bg.Wait()
	for _, fn := range detach {
		fn()
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			logging.Warnf("replica.Service.Close sqlite err=%v", err)
		}
	}
}

func (s *Service) prepare() error {
	s.prepareOnce.Do(func() {
		if strings.TrimSpace(s.cfg.AuthorityURL) != "" {
			client, err := server.NewClient(s.cfg.AuthorityURL, s.cfg.RequestTimeout)
			if err != nil {
				s.prepareErr = err
				return
			}
			s.client = client
		}

		var source handoff.Source
		if s.client != nil {
			source = s.client
		}
		if path := strings.TrimSpace(s.cfg.DatabasePath); path != "" {
			sqlite, err := sqlitestore.Open(path)
			if err != nil {
				s.prepareErr = err
				return
			}
			s.sqlite = sqlite
			source = sqlite
		}
		s.reader = handoff.NewDirectoryReader(source, nil, s.dir, handoff.Config{Poll: s.cfg.Poll})

		s.server = server.New(server.Config{
			Name:        s.cfg.Name,
			Addr:        s.cfg.ListenAddr,
			CorsOrigins: s.cfg.CorsOrigins,
			Directory:   s.dir,
			Source:      s,
			Relay:       s.relay,
			Report:      s.Report,
		})
	})
	return s.prepareErr
}

func (s *Service) store(attr handoff.Attribute) {
	topic := handoff.Topic(s.dir.Canonical(attr.Node), attr.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[topic]; ok && cur.Version >= attr.Version {
		return
	}
	s.values[topic] = attr
}

func (s *Service) background(fn func(ctx context.Context)) {
	s.mu.RLock()
	ctx := s.bgCtx
	s.mu.RUnlock()
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(ctx)
	}()
}

func (s *Service) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Infof("replica.Service.heartbeat shutdown name=%q", s.cfg.Name)
			return nil
		case <-ticker.C:
			s.mu.RLock()
			values := len(s.values)
			mirrors := s.mirrors
			s.mu.RUnlock()
			logging.Infof(
				"replica.Service.heartbeat name=%q nodes=%d values=%d mirror_syncs=%d diagnostics=%d",
				s.cfg.Name,
				len(s.dir.Snapshot()),
				values,
				mirrors,
				s.relay.Total(),
			)
		}
	}
}
