package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/statebridge/internal/handoff"
	"github.com/danmuck/statebridge/internal/testutil/testlog"
)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handoff.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, path
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestPutVersionsAndNoopRewrite(t *testing.T) {
	testlog.Start(t)
	store, _ := openTempStore(t)
	ctx := context.Background()

	attr, changed, err := store.Put(ctx, "players/p1", "shard", "R7")
	if err != nil || !changed || attr.Version != 1 {
		t.Fatalf("first put: attr=%+v changed=%v err=%v", attr, changed, err)
	}
	attr, changed, err = store.Put(ctx, "players/p1", "shard", "R7")
	if err != nil || changed || attr.Version != 1 {
		t.Fatalf("rewrite: attr=%+v changed=%v err=%v", attr, changed, err)
	}
	attr, changed, err = store.Put(ctx, "/players/p1/", "shard", "R8")
	if err != nil || !changed || attr.Version != 2 {
		t.Fatalf("update: attr=%+v changed=%v err=%v", attr, changed, err)
	}

	got, ok, err := store.Get(ctx, "players/p1", "shard")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Value != "R8" || got.Version != 2 {
		t.Fatalf("unexpected stored attribute: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	testlog.Start(t)
	store, _ := openTempStore(t)
	_, ok, err := store.Get(context.Background(), "players/p1", "shard")
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if _, _, err := store.Get(context.Background(), "", "shard"); !errors.Is(err, handoff.ErrMissingNode) {
		t.Fatalf("expected ErrMissingNode, got %v", err)
	}
	if _, _, err := store.Put(context.Background(), "players/p1", " ", "x"); !errors.Is(err, handoff.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestPutIfConflict(t *testing.T) {
	testlog.Start(t)
	store, _ := openTempStore(t)
	ctx := context.Background()

	if _, _, err := store.PutIf(ctx, "players/p1", "shard", "R1", 0); err != nil {
		t.Fatalf("create with expected 0: %v", err)
	}
	_, _, err := store.PutIf(ctx, "players/p1", "shard", "R2", 0)
	var conflict *handoff.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	attr, changed, err := store.PutIf(ctx, "players/p1", "shard", "R2", 1)
	if err != nil || !changed || attr.Version != 2 {
		t.Fatalf("guarded update: attr=%+v changed=%v err=%v", attr, changed, err)
	}
}

func TestConflictReportsStoredVersion(t *testing.T) {
	testlog.Start(t)
	store, _ := openTempStore(t)
	ctx := context.Background()

	_, _, _ = store.Put(ctx, "players/p1", "shard", "R1")
	_, _, _ = store.Put(ctx, "players/p1", "shard", "R2")

	actualOf := func(key string) uint64 {
		t.Helper()
		tx, err := store.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		var conflict *handoff.ConflictError
		if err := store.conflict(ctx, tx, "players/p1", key, 1); !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if conflict.Expected != 1 {
			t.Fatalf("expected version should pass through, got %d", conflict.Expected)
		}
		return conflict.Actual
	}

	if got := actualOf("shard"); got != 2 {
		t.Fatalf("expected stored version 2, got %d", got)
	}
	if got := actualOf("missing"); got != 0 {
		t.Fatalf("expected 0 for an absent key, got %d", got)
	}
	if _, err := store.DeleteNode(ctx, "players/p1"); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if got := actualOf("shard"); got != 0 {
		t.Fatalf("expected 0 for a tombstoned key, got %d", got)
	}
}

func TestStaleHandleConflictCarriesStoredVersion(t *testing.T) {
	testlog.Start(t)
	writer, path := openTempStore(t)
	other, err := Open(path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	defer other.Close()
	ctx := context.Background()

	_, _, _ = writer.Put(ctx, "players/p1", "shard", "R1")
	_, _, _ = other.Put(ctx, "players/p1", "shard", "R2")
	_, _, _ = other.Put(ctx, "players/p1", "shard", "R3")

	_, _, err = writer.PutIf(ctx, "players/p1", "shard", "R4", 1)
	var conflict *handoff.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 3 {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
}

func TestDeleteNodeKeepsVersionsMonotonic(t *testing.T) {
	testlog.Start(t)
	store, _ := openTempStore(t)
	ctx := context.Background()

	_, _, _ = store.Put(ctx, "players/p1", "shard", "R1")
	_, _, _ = store.Put(ctx, "players/p1", "zone", "north")
	_, _, _ = store.Put(ctx, "players/p2", "shard", "R3")

	n, err := store.DeleteNode(ctx, "players/p1")
	if err != nil || n != 2 {
		t.Fatalf("delete node: n=%d err=%v", n, err)
	}
	if _, ok, _ := store.Get(ctx, "players/p1", "shard"); ok {
		t.Fatalf("expected deleted attribute to be hidden")
	}
	if n, _ := store.DeleteNode(ctx, "players/p1"); n != 0 {
		t.Fatalf("second delete should be a no-op, got %d", n)
	}

	attr, changed, err := store.Put(ctx, "players/p1", "shard", "R1")
	if err != nil || !changed || attr.Version != 2 {
		t.Fatalf("recreate: attr=%+v changed=%v err=%v", attr, changed, err)
	}
	if _, _, err := store.PutIf(ctx, "players/p1", "zone", "south", 0); err != nil {
		t.Fatalf("tombstoned key should accept expected 0: %v", err)
	}

	list, err := store.List(ctx, "players/p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "shard" || list[1].Key != "zone" || list[1].Version != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	other, _ := store.List(ctx, "players/p2")
	if len(other) != 1 {
		t.Fatalf("sibling attributes should survive, got %+v", other)
	}
}

func TestReaderInSecondHandleSeesWriterPublish(t *testing.T) {
	testlog.Start(t)
	writer, path := openTempStore(t)
	reader, err := Open(path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	defer reader.Close()

	r := handoff.NewReader(reader, nil, handoff.Config{Poll: handoff.BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     20 * time.Millisecond,
	}})

	ch := handoff.NewChannel(handoff.ChannelConfig{Store: writer})
	defer ch.Close()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = ch.Publish(context.Background(), "players/p1", "shard", "R7")
	}()

	attr, err := r.AwaitValue(context.Background(), "players/p1", "shard", 2*time.Second)
	if err != nil {
		t.Fatalf("await across handles: %v", err)
	}
	if attr.Value != "R7" || attr.Version != 1 {
		t.Fatalf("unexpected attribute: %+v", attr)
	}
}

func TestCanceledContext(t *testing.T) {
	testlog.Start(t)
	store, _ := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := store.Put(ctx, "players/p1", "shard", "R1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
