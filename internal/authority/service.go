// Package authority runs the writer process: it owns the node directory and
// the attribute store, populates the configured world at boot, and serves
// both over HTTP to replicas.
package authority

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/statebridge/internal/auth"
	"github.com/danmuck/statebridge/internal/bootstrap"
	"github.com/danmuck/statebridge/internal/config"
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
	SubsystemDiagnosticsShip = "diagnostics.ship"
	SubsystemWorldPopulate   = "world.populate"
	SubsystemWorldPublish    = "world.publish"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("authority: invalid heartbeat interval")
	ErrWorldRequired            = errors.New("authority: world path or inline world required")
	ErrCriticalSubsystem        = errors.New("authority: critical subsystem failed")
)

// ServiceConfig configures the authority process.
type ServiceConfig struct {
	Name        string
	ListenAddr  string
	CorsOrigins []string

	// WorldPath is loaded by safety.guard unless World is set inline.
	WorldPath string
	World     *config.World

	// DatabasePath selects the SQLite store; empty keeps attributes in memory.
	DatabasePath string

	// WriteToken, when set, is required as a bearer token on HTTP writes.
	WriteToken string

	// DiagnosticsPath receives relayed records as JSON lines when set.
	DiagnosticsPath     string
	DiagnosticsCapacity int

	BootstrapConcurrency int
	ReadyTimeout         time.Duration
	HeartbeatInterval    time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:                 "authority",
		ListenAddr:           ":9300",
		CorsOrigins:          []string{"http://localhost:3000"},
		WorldPath:            "world.toml",
		DiagnosticsCapacity:  diagnostics.DefaultCapacity,
		BootstrapConcurrency: 2,
		ReadyTimeout:         5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
	}
}

// Service runs the authority lifecycle.
type Service struct {
	cfg ServiceConfig

	relay    *diagnostics.Relay
	recorder *diagnostics.SourceRecorder

	prepareOnce sync.Once
	prepareErr  error
	dir         *directory.Directory
	store       handoff.Store
	sqlite      *sqlitestore.Store
	channel     *handoff.Channel
	server      *server.Server

	mu       sync.RWMutex
	world    config.World
	report   bootstrap.Report
	finished bool
	detach   []func()
	shipFile *os.File
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	relay := diagnostics.NewRelay(cfg.DiagnosticsCapacity)
	return &Service{
		cfg:      cfg,
		relay:    relay,
		recorder: relay.Recorder(cfg.Name),
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
		logging.Warnf("authority.Service.RunContext tracing disabled err=%v", err)
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
			logging.Errorf("authority.Service.RunContext degraded err=%v", err)
		}
		return s.heartbeat(gctx)
	})
	return g.Wait()
}

// Bootstrap registers the authority subsystems and runs them once.
func (s *Service) Bootstrap(ctx context.Context) (bootstrap.Report, error) {
	if err := s.prepare(); err != nil {
		return bootstrap.Report{}, err
	}
	seq := bootstrap.NewSequencer(bootstrap.Config{
		Source:      s.cfg.Name,
		Concurrency: s.cfg.BootstrapConcurrency,
		Recorder:    s.relay,
	})
	subsystems := []bootstrap.Subsystem{
		{Name: SubsystemSafetyGuard, Criticality: bootstrap.Critical, Init: s.initSafetyGuard},
		{Name: SubsystemDiagnosticsShip, Criticality: bootstrap.Critical, Init: s.initDiagnosticsShip},
		{Name: SubsystemWorldPopulate, Init: s.initWorldPopulate, DependsOn: []string{SubsystemSafetyGuard}, Timeout: s.cfg.ReadyTimeout},
		{Name: SubsystemWorldPublish, Init: s.initWorldPublish, DependsOn: []string{SubsystemWorldPopulate}},
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

	for _, name := range []string{SubsystemSafetyGuard, SubsystemDiagnosticsShip} {
		if report.Status(name) == bootstrap.StatusFailed {
			return report, fmt.Errorf("%w: %s: %v", ErrCriticalSubsystem, name, report.Errors[name])
		}
	}
	logging.Infof(
		"authority.Service.Bootstrap ready name=%q nodes=%d failed=%v",
		s.cfg.Name,
		len(s.dir.Snapshot()),
		report.Failed(),
	)
	return report, nil
}

// Report returns the last bootstrap report and whether bootstrap finished.
func (s *Service) Report() (bootstrap.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report, s.finished
}

func (s *Service) Directory() *directory.Directory {
	return s.dir
}

func (s *Service) Channel() *handoff.Channel {
	return s.channel
}

func (s *Service) Relay() *diagnostics.Relay {
	return s.relay
}

func (s *Service) Server() *server.Server {
	return s.server
}

// Close detaches sinks and releases storage.
func (s *Service) Close() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	shipFile := s.shipFile
	s.shipFile = nil
	s.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	if shipFile != nil {
		_ = shipFile.Close()
	}
	if s.channel != nil {
		s.channel.Close()
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			logging.Warnf("authority.Service.Close sqlite err=%v", err)
		}
	}
}

func (s *Service) prepare() error {
	s.prepareOnce.Do(func() {
		world, err := s.loadWorld()
		if err != nil {
			s.prepareErr = err
			return
		}
		s.world = world

		var store handoff.Store = handoff.NewMemoryStore()
		if path := strings.TrimSpace(s.cfg.DatabasePath); path != "" {
			sqlite, err := sqlitestore.Open(path)
			if err != nil {
				s.prepareErr = err
				return
			}
			s.sqlite = sqlite
			store = sqlite
		}
		s.dir = directory.New(world.Root)
		s.store = store
		s.channel = handoff.NewChannel(handoff.ChannelConfig{
			Store:     store,
			Directory: s.dir,
			Recorder:  s.relay,
		})
		var writeAuth auth.Validator
		if token := strings.TrimSpace(s.cfg.WriteToken); token != "" {
			writeAuth = auth.StaticToken{Token: token}
		}
		s.server = server.New(server.Config{
			Name:        s.cfg.Name,
			Addr:        s.cfg.ListenAddr,
			CorsOrigins: s.cfg.CorsOrigins,
			Directory:   s.dir,
			Source:      store,
			Channel:     s.channel,
			WriteAuth:   writeAuth,
			Relay:       s.relay,
			Report:      s.Report,
		})
	})
	return s.prepareErr
}

func (s *Service) loadWorld() (config.World, error) {
	if s.cfg.World != nil {
		world := *s.cfg.World
		if strings.TrimSpace(world.Root) == "" {
			world.Root = "root"
		}
		return world, nil
	}
	if strings.TrimSpace(s.cfg.WorldPath) == "" {
		return config.World{}, ErrWorldRequired
	}
	return config.LoadWorld(s.cfg.WorldPath)
}

func (s *Service) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Infof("authority.Service.heartbeat shutdown name=%q", s.cfg.Name)
			return nil
		case <-ticker.C:
			logging.Infof(
				"authority.Service.heartbeat name=%q nodes=%d diagnostics=%d dropped_events=%d",
				s.cfg.Name,
				len(s.dir.Snapshot()),
				s.relay.Total(),
				s.channel.Bus().Dropped(),
			)
		}
	}
}
