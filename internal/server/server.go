package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/statebridge/internal/auth"
	"github.com/danmuck/statebridge/internal/bootstrap"
	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/directory"
	"github.com/danmuck/statebridge/internal/handoff"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const Version = "0.1.0"

// Config wires the HTTP surface of one process. Channel is nil on readers,
// which leaves the write route unregistered.
type Config struct {
	Name        string
	Addr        string
	CorsOrigins []string

	Directory *directory.Directory
	Source    handoff.Source
	Channel   *handoff.Channel
	Relay     *diagnostics.Relay
	// WriteAuth, when set, requires a bearer token on PUT /attributes.
	WriteAuth auth.Validator

	// Report returns the latest bootstrap report and whether a run finished.
	Report func() (bootstrap.Report, bool)
}

// Server is the gin front of an authority or replica process.
type Server struct {
	cfg     Config
	router  *gin.Engine
	started time.Time
	http    *http.Server
}

func New(cfg Config) *Server {
	observability.RegisterMetrics()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "statebridge"
	}
	if cfg.Source == nil && cfg.Channel != nil {
		cfg.Source = cfg.Channel.Store()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logging.Logger(), cfg.Name))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// ListenAndServe blocks serving on cfg.Addr until ctx is done, then shuts
// the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("server.ListenAndServe name=%q addr=%q", s.cfg.Name, s.cfg.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logging.Infof("server.ListenAndServe stopped name=%q", s.cfg.Name)
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
