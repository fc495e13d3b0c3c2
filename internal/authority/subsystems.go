package authority

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/statebridge/internal/config"
	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
)

func (s *Service) initSafetyGuard(ctx context.Context) error {
	s.mu.RLock()
	world := s.world
	s.mu.RUnlock()
	if err := config.ValidateWorld(world); err != nil {
		return fmt.Errorf("world invalid: %w", err)
	}
	if _, err := s.store.List(ctx, s.dir.Root().Path()); err != nil {
		return fmt.Errorf("attribute store unreachable: %w", err)
	}
	return nil
}

func (s *Service) initDiagnosticsShip(ctx context.Context) error {
	detach := []func(){
		s.relay.AttachSink(diagnostics.LogSink(logging.Logger())),
		s.relay.AttachSink(observability.DiagnosticsSink()),
	}
	var shipFile *os.File
	if path := strings.TrimSpace(s.cfg.DiagnosticsPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			for _, fn := range detach {
				fn()
			}
			return fmt.Errorf("open diagnostics file: %w", err)
		}
		shipFile = f
		detach = append(detach, s.relay.AttachSink(diagnostics.JSONLinesSink(f)))
	}

	s.mu.Lock()
	s.detach = append(s.detach, detach...)
	s.shipFile = shipFile
	s.mu.Unlock()
	s.recorder.Info(fmt.Sprintf("diagnostics shipping sinks=%d", s.relay.SinkCount()))
	return ctx.Err()
}

func (s *Service) initWorldPopulate(ctx context.Context) error {
	s.mu.RLock()
	world := s.world
	s.mu.RUnlock()

	for _, spec := range world.Nodes {
		node, err := s.dir.Ensure(spec.Path)
		if err != nil {
			return fmt.Errorf("populate %q: %w", spec.Path, err)
		}
		if len(spec.Require) > 0 {
			node.Require(spec.Require...)
		}
	}
	for _, spec := range world.Nodes {
		if len(spec.Require) == 0 {
			continue
		}
		if _, err := s.dir.AwaitReady(ctx, spec.Path, 0); err != nil {
			return fmt.Errorf("node %q not ready: %w", spec.Path, err)
		}
	}
	s.recorder.Info(fmt.Sprintf("world populated nodes=%d", len(s.dir.Snapshot())))
	return nil
}

func (s *Service) initWorldPublish(ctx context.Context) error {
	s.mu.RLock()
	world := s.world
	s.mu.RUnlock()

	var errs []error
	published := 0
	for _, pub := range world.Publications {
		attr, err := s.channel.Publish(ctx, pub.Node, pub.Key, pub.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s#%s: %w", pub.Node, pub.Key, err))
			continue
		}
		published++
		logging.Debugf(
			"authority.Service.initWorldPublish node=%q key=%q version=%d",
			attr.Node,
			attr.Key,
			attr.Version,
		)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.recorder.Info(fmt.Sprintf("world published attributes=%d", published))
	return nil
}
