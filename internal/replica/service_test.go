package replica

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/statebridge/internal/authority"
	"github.com/danmuck/statebridge/internal/bootstrap"
	"github.com/danmuck/statebridge/internal/config"
	"github.com/danmuck/statebridge/internal/handoff"
	"github.com/danmuck/statebridge/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

const playersWorld = `
[[nodes]]
path = "world/zones/north/spawn"

[[nodes]]
path = "players/p1"

[[publications]]
node = "players/p1"
key = "shard"
value = "R7"
`

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServerOrSkip(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	func() {
		defer func() {
			if r := recover(); r != nil {
				server = nil
			}
		}()
		server = httptest.NewServer(handler)
	}()
	if server == nil {
		t.Skip("skipping listener test in restricted environment")
	}
	return server
}

func startAuthority(t *testing.T, doc string, dbPath string) (*authority.Service, *httptest.Server) {
	t.Helper()
	world, err := config.ParseWorld([]byte(doc))
	if err != nil {
		t.Fatalf("parse world: %v", err)
	}
	auth := authority.NewServiceWithConfig(authority.ServiceConfig{
		World:             &world,
		DatabasePath:      dbPath,
		HeartbeatInterval: time.Second,
	})
	if _, err := auth.Bootstrap(context.Background()); err != nil {
		t.Fatalf("authority bootstrap: %v", err)
	}
	ts := newTestServerOrSkip(t, auth.Server().Router())
	t.Cleanup(func() {
		ts.Close()
		auth.Close()
	})
	return auth, ts
}

func fastConfig(url string) ServiceConfig {
	return ServiceConfig{
		AuthorityURL:   url,
		MirrorInterval: 20 * time.Millisecond,
		ResolveTimeout: time.Second,
		AwaitTimeout:   time.Second,
		Poll: handoff.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     20 * time.Millisecond,
		},
		Nodes:             []string{"players/p1"},
		Awaits:            []AwaitSpec{{Node: "players/p1", Key: "shard"}},
		HeartbeatInterval: time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReplicaMirrorsAndConsumesOverHTTP(t *testing.T) {
	testlog.Start(t)
	auth, ts := startAuthority(t, playersWorld, "")

	cfg := fastConfig(ts.URL)
	cfg.Follow = true
	svc := NewServiceWithConfig(cfg)
	defer svc.Close()

	report, err := svc.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected ready replica, failed=%v errors=%v", report.Failed(), report.Errors)
	}
	if _, ok := svc.Directory().Lookup("world/zones/north/spawn"); !ok {
		t.Fatalf("expected mirrored node")
	}
	attr, ok, _ := svc.Get(context.Background(), "players/p1", "shard")
	if !ok || attr.Value != "R7" || attr.Version != 1 {
		t.Fatalf("unexpected consumed value: %+v ok=%v", attr, ok)
	}

	if _, err := auth.Channel().Publish(context.Background(), "players/p1", "shard", "R8"); err != nil {
		t.Fatalf("republish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		attr, ok, _ := svc.Get(context.Background(), "players/p1", "shard")
		return ok && attr.Value == "R8" && attr.Version == 2
	}, "followed update")

	auth.Directory().Remove("world")
	waitFor(t, 2*time.Second, func() bool {
		_, ok := svc.Directory().Lookup("world")
		return !ok
	}, "mirrored removal")
}

func TestReplicaWaitsForLatePublication(t *testing.T) {
	testlog.Start(t)
	auth, ts := startAuthority(t, `
[[nodes]]
path = "players/p1"
`, "")

	svc := NewServiceWithConfig(fastConfig(ts.URL))
	defer svc.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = auth.Channel().Publish(context.Background(), "players/p1", "shard", "R7")
	}()

	report, err := svc.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if report.Status(SubsystemHandoffConsume) != bootstrap.StatusReady {
		t.Fatalf("expected consume ready, err=%v", report.Errors[SubsystemHandoffConsume])
	}
	if attr, ok, _ := svc.Get(context.Background(), "players/p1", "shard"); !ok || attr.Value != "R7" {
		t.Fatalf("expected late value, got %+v ok=%v", attr, ok)
	}
}

func TestReplicaReadsSharedDatabase(t *testing.T) {
	testlog.Start(t)
	dbPath := filepath.Join(t.TempDir(), "handoff.db")
	_, ts := startAuthority(t, playersWorld, dbPath)

	cfg := fastConfig(ts.URL)
	cfg.DatabasePath = dbPath
	svc := NewServiceWithConfig(cfg)
	defer svc.Close()

	report, err := svc.Bootstrap(context.Background())
	if err != nil || !report.OK() {
		t.Fatalf("bootstrap: err=%v failed=%v errors=%v", err, report.Failed(), report.Errors)
	}
	if attr, ok, _ := svc.Get(context.Background(), "players/p1", "shard"); !ok || attr.Value != "R7" {
		t.Fatalf("expected value from sqlite, got %+v ok=%v", attr, ok)
	}
}

func TestReplicaRequiresAuthority(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig("")
	svc := NewServiceWithConfig(cfg)
	defer svc.Close()

	_, err := svc.Bootstrap(context.Background())
	if !errors.Is(err, ErrCriticalSubsystem) {
		t.Fatalf("expected ErrCriticalSubsystem, got %v", err)
	}
}

func TestRunContextSurvivesCriticalFailure(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig("")
	cfg.HeartbeatInterval = 10 * time.Millisecond
	svc := NewServiceWithConfig(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := svc.RunContext(ctx); err != nil {
		t.Fatalf("expected run to keep going until cancel, got %v", err)
	}
	report, finished := svc.Report()
	if !finished {
		t.Fatalf("expected bootstrap to finish")
	}
	if report.Status(SubsystemSafetyGuard) != bootstrap.StatusFailed {
		t.Fatalf("expected safety.guard FAILED, got %s", report.Status(SubsystemSafetyGuard))
	}
	if report.Status(SubsystemHandoffConsume) != bootstrap.StatusFailed {
		t.Fatalf("expected handoff.consume blocked, got %s", report.Status(SubsystemHandoffConsume))
	}
}

func TestUnreachableAuthorityBlocksConsumer(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig("http://127.0.0.1:1")
	cfg.ResolveTimeout = 100 * time.Millisecond
	cfg.RequestTimeout = 50 * time.Millisecond
	svc := NewServiceWithConfig(cfg)
	defer svc.Close()

	report, err := svc.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("standard failures must not fail bootstrap: %v", err)
	}
	if report.Status(SubsystemSafetyGuard) != bootstrap.StatusReady {
		t.Fatalf("safety.guard should be ready, err=%v", report.Errors[SubsystemSafetyGuard])
	}
	if report.Status(SubsystemDirectoryMirror) != bootstrap.StatusFailed {
		t.Fatalf("expected mirror failure")
	}
	if !errors.Is(report.Errors[SubsystemHandoffConsume], bootstrap.ErrDependencyFailed) {
		t.Fatalf("expected blocked consumer, got %v", report.Errors[SubsystemHandoffConsume])
	}
}

func TestRootMismatchFailsMirror(t *testing.T) {
	testlog.Start(t)
	_, ts := startAuthority(t, playersWorld, "")

	cfg := fastConfig(ts.URL)
	cfg.RootName = "elsewhere"
	svc := NewServiceWithConfig(cfg)
	defer svc.Close()

	report, err := svc.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !errors.Is(report.Errors[SubsystemDirectoryMirror], ErrRootMismatch) {
		t.Fatalf("expected ErrRootMismatch, got %v", report.Errors[SubsystemDirectoryMirror])
	}
}

func TestReplicaServesConsumedView(t *testing.T) {
	testlog.Start(t)
	_, ts := startAuthority(t, playersWorld, "")

	svc := NewServiceWithConfig(fastConfig(ts.URL))
	defer svc.Close()
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/attributes?node=players/p1&key=shard", nil)
	rr := httptest.NewRecorder()
	svc.Server().Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var attr handoff.Attribute
	if err := json.Unmarshal(rr.Body.Bytes(), &attr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if attr.Value != "R7" {
		t.Fatalf("unexpected served value: %+v", attr)
	}

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr = httptest.NewRecorder()
	svc.Server().Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready replica, got %d", rr.Code)
	}
}
