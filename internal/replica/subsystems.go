package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/handoff"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
)

func (s *Service) initSafetyGuard(ctx context.Context) error {
	if s.client == nil {
		return ErrAuthorityRequired
	}
	for i, a := range s.cfg.Awaits {
		if strings.TrimSpace(a.Node) == "" || strings.TrimSpace(a.Key) == "" {
			return fmt.Errorf("await[%d] requires node and key", i)
		}
	}
	detach := []func(){
		s.relay.AttachSink(diagnostics.LogSink(logging.Logger())),
		s.relay.AttachSink(observability.DiagnosticsSink()),
	}
	s.mu.Lock()
	s.detach = append(s.detach, detach...)
	s.mu.Unlock()
	return ctx.Err()
}

// initDirectoryMirror retries the first sync until it lands or the init
// deadline passes, then keeps syncing in the background.
func (s *Service) initDirectoryMirror(ctx context.Context) error {
	for {
		err := s.syncDirectory(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrRootMismatch) {
			return err
		}
		logging.Debugf("replica.Service.initDirectoryMirror retry err=%v", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("mirror %s: %w", s.client.BaseURL(), err)
		case <-time.After(s.cfg.MirrorInterval):
		}
	}
	s.recorder.Info(fmt.Sprintf("directory mirrored nodes=%d", len(s.dir.Snapshot())))
	s.background(s.mirrorLoop)
	return nil
}

func (s *Service) mirrorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncDirectory(ctx); err != nil && ctx.Err() == nil {
				logging.Warnf("replica.Service.mirrorLoop sync failed err=%v", err)
			}
		}
	}
}

// syncDirectory makes the local directory match the authority listing.
func (s *Service) syncDirectory(ctx context.Context) error {
	listing, err := s.client.Nodes(ctx)
	if err != nil {
		return err
	}
	root := s.dir.Root().Name()
	if listing.Root != root {
		return fmt.Errorf("%w: local=%q authority=%q", ErrRootMismatch, root, listing.Root)
	}

	remote := make(map[string]struct{}, len(listing.Nodes))
	for _, path := range listing.Nodes {
		remote[path] = struct{}{}
		if path == root {
			continue
		}
		if _, err := s.dir.Ensure(path); err != nil {
			return fmt.Errorf("mirror %q: %w", path, err)
		}
	}
	for _, path := range s.dir.Snapshot() {
		if path == root {
			continue
		}
		if _, ok := remote[path]; !ok {
			s.dir.Remove(path)
		}
	}

	s.mu.Lock()
	s.mirrors++
	s.mu.Unlock()
	return nil
}

func (s *Service) initHandoffConsume(ctx context.Context) error {
	for _, path := range s.cfg.Nodes {
		if _, err := s.dir.Resolve(ctx, path, s.cfg.ResolveTimeout); err != nil {
			return fmt.Errorf("resolve %q: %w", path, err)
		}
	}

	var errs []error
	for _, a := range s.cfg.Awaits {
		attr, _, err := s.reader.Once(ctx, a.Node, a.Key, s.cfg.AwaitTimeout, func(attr handoff.Attribute) error {
			s.store(attr)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("await %s#%s: %w", a.Node, a.Key, err))
			continue
		}
		s.recorder.Info(fmt.Sprintf("consumed node=%s key=%s version=%d", attr.Node, attr.Key, attr.Version))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if s.cfg.Follow {
		for _, a := range s.cfg.Awaits {
			s.background(func(ctx context.Context) {
				s.follow(ctx, a)
			})
		}
	}
	return nil
}

// follow applies each newer version of one attribute until ctx is done.
func (s *Service) follow(ctx context.Context, a AwaitSpec) {
	for {
		attr, err := s.reader.AwaitNext(ctx, a.Node, a.Key, s.cfg.AwaitTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var timeout *handoff.TimeoutError
			if errors.As(err, &timeout) {
				continue
			}
			logging.Warnf("replica.Service.follow node=%q key=%q err=%v", a.Node, a.Key, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.MirrorInterval):
			}
			continue
		}
		if s.reader.Accept(attr) {
			s.store(attr)
			s.recorder.Info(fmt.Sprintf("updated node=%s key=%s version=%d", attr.Node, attr.Key, attr.Version))
		}
	}
}
