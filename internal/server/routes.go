package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/statebridge/internal/auth"
	"github.com/danmuck/statebridge/internal/bootstrap"
	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/handoff"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PublishRequest is the body of PUT /attributes.
type PublishRequest struct {
	Node            string  `json:"node"`
	Key             string  `json:"key"`
	Value           string  `json:"value"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

// NodesResponse is the body of GET /nodes.
type NodesResponse struct {
	Root  string   `json:"root"`
	Nodes []string `json:"nodes"`
}

// BootstrapView is the JSON rendering of a bootstrap.Report.
type BootstrapView struct {
	Finished  bool                        `json:"finished"`
	OK        bool                        `json:"ok"`
	Order     []string                    `json:"order"`
	Statuses  map[string]bootstrap.Status `json:"statuses"`
	Errors    map[string]string           `json:"errors,omitempty"`
	Durations map[string]string           `json:"durations"`
	Failed    []string                    `json:"failed,omitempty"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"process": s.cfg.Name,
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		report, finished := s.report()
		ready := finished && report.OK()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"failed":  report.Failed(),
			"process": s.cfg.Name,
		})
	})

	r.GET("/bootstrap", func(c *gin.Context) {
		report, finished := s.report()
		c.JSON(http.StatusOK, renderReport(report, finished))
	})

	r.GET("/nodes", func(c *gin.Context) {
		if s.cfg.Directory == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no directory"})
			return
		}
		c.JSON(http.StatusOK, NodesResponse{
			Root:  s.cfg.Directory.Root().Name(),
			Nodes: s.cfg.Directory.Snapshot(),
		})
	})

	r.GET("/attributes", s.getAttributes)
	if s.cfg.Channel != nil {
		if s.cfg.WriteAuth != nil {
			r.PUT("/attributes", s.requireWriteToken, s.putAttribute)
		} else {
			r.PUT("/attributes", s.putAttribute)
		}
	}

	r.GET("/diagnostics", func(c *gin.Context) {
		if s.cfg.Relay == nil {
			c.JSON(http.StatusOK, gin.H{"records": []diagnostics.Record{}})
			return
		}
		records := s.cfg.Relay.Snapshot()
		if raw := c.Query("severity"); raw != "" {
			floor, err := diagnostics.ParseSeverity(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filtered := records[:0]
			for _, rec := range records {
				if rec.Severity >= floor {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			if limit < len(records) {
				records = records[len(records)-limit:]
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"records": records,
			"total":   s.cfg.Relay.Total(),
		})
	})
}

func (s *Server) getAttributes(c *gin.Context) {
	if s.cfg.Source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": handoff.ErrNoSource.Error()})
		return
	}
	node := c.Query("node")
	key := c.Query("key")
	if s.cfg.Directory != nil && strings.TrimSpace(node) != "" {
		node = s.cfg.Directory.Canonical(node)
	}

	if strings.TrimSpace(key) == "" {
		store, ok := s.cfg.Source.(handoff.Store)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": handoff.ErrMissingKey.Error()})
			return
		}
		list, err := store.List(c.Request.Context(), node)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if list == nil {
			list = []handoff.Attribute{}
		}
		c.JSON(http.StatusOK, gin.H{"attributes": list})
		return
	}

	attr, ok, err := s.cfg.Source.Get(c.Request.Context(), node, key)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "attribute not found"})
		return
	}
	c.JSON(http.StatusOK, attr)
}

func (s *Server) putAttribute(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		attr handoff.Attribute
		err  error
	)
	if req.ExpectedVersion != nil {
		attr, err = s.cfg.Channel.PublishIf(c.Request.Context(), req.Node, req.Key, req.Value, *req.ExpectedVersion)
	} else {
		attr, err = s.cfg.Channel.Publish(c.Request.Context(), req.Node, req.Key, req.Value)
	}
	if err != nil {
		var conflict *handoff.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":    err.Error(),
				"expected": conflict.Expected,
				"actual":   conflict.Actual,
			})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, attr)
}

func (s *Server) requireWriteToken(c *gin.Context) {
	if err := auth.Check(s.cfg.WriteAuth, c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) report() (bootstrap.Report, bool) {
	if s.cfg.Report == nil {
		return bootstrap.Report{}, false
	}
	return s.cfg.Report()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, handoff.ErrMissingNode), errors.Is(err, handoff.ErrMissingKey):
		return http.StatusBadRequest
	case errors.Is(err, handoff.ErrUnknownNode):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func renderReport(report bootstrap.Report, finished bool) BootstrapView {
	view := BootstrapView{
		Finished:  finished,
		OK:        finished && report.OK(),
		Order:     append([]string{}, report.Order...),
		Statuses:  make(map[string]bootstrap.Status, len(report.Statuses)),
		Durations: make(map[string]string, len(report.Durations)),
		Failed:    report.Failed(),
	}
	for name, st := range report.Statuses {
		view.Statuses[name] = st
	}
	for name, d := range report.Durations {
		view.Durations[name] = d.String()
	}
	if len(report.Errors) > 0 {
		view.Errors = make(map[string]string, len(report.Errors))
		for name, err := range report.Errors {
			if err != nil {
				view.Errors[name] = err.Error()
			}
		}
	}
	return view
}
