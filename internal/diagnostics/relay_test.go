package diagnostics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/statebridge/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func TestRelaySnapshotEvictsOldestFirst(t *testing.T) {
	testlog.Start(t)
	r := NewRelay(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		r.Record(NewRecord("test", SeverityInfo, msg))
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("unexpected snapshot len=%d", len(snap))
	}
	got := []string{snap[0].Message, snap[1].Message, snap[2].Message}
	if strings.Join(got, ",") != "c,d,e" {
		t.Fatalf("unexpected order: %v", got)
	}
	if r.Total() != 5 {
		t.Fatalf("unexpected total=%d", r.Total())
	}
}

func TestRelaySnapshotIsCopy(t *testing.T) {
	testlog.Start(t)
	r := NewRelay(2)
	r.Record(NewRecord("test", SeverityWarn, "one"))
	snap := r.Snapshot()
	snap[0].Message = "mutated"
	if r.Snapshot()[0].Message != "one" {
		t.Fatalf("snapshot aliases ring storage")
	}
}

func TestAttachSinkReceivesOnlyFutureRecords(t *testing.T) {
	testlog.Start(t)
	r := NewRelay(8)
	r.Record(NewRecord("test", SeverityInfo, "before"))

	var seen []string
	detach := r.AttachSink(func(rec Record) {
		seen = append(seen, rec.Message)
	})
	r.Record(NewRecord("test", SeverityInfo, "after"))
	detach()
	detach()
	r.Record(NewRecord("test", SeverityInfo, "detached"))

	if len(seen) != 1 || seen[0] != "after" {
		t.Fatalf("unexpected sink records: %v", seen)
	}
	if r.SinkCount() != 0 {
		t.Fatalf("expected sink detached, count=%d", r.SinkCount())
	}
}

func TestConcurrentRecordsReachSinksInRingOrder(t *testing.T) {
	testlog.Start(t)
	const writers, perWriter = 8, 50
	r := NewRelay(writers * perWriter)

	var mu sync.Mutex
	var pushed []string
	r.AttachSink(func(rec Record) {
		mu.Lock()
		pushed = append(pushed, rec.Message)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Record(NewRecord("test", SeverityInfo, fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != len(pushed) {
		t.Fatalf("snapshot len=%d pushed len=%d", len(snap), len(pushed))
	}
	for i, rec := range snap {
		if rec.Message != pushed[i] {
			t.Fatalf("order diverges at %d: ring=%q sink=%q", i, rec.Message, pushed[i])
		}
	}
}

func TestPanickingSinkDoesNotBreakRecord(t *testing.T) {
	testlog.Start(t)
	r := NewRelay(4)
	r.AttachSink(func(Record) { panic("broken overlay") })
	var delivered int
	r.AttachSink(func(Record) { delivered++ })

	r.Record(NewRecord("test", SeverityError, "boom"))

	if delivered != 1 {
		t.Fatalf("second sink not reached, delivered=%d", delivered)
	}
	if r.SinkPanics() != 1 {
		t.Fatalf("unexpected sink panics=%d", r.SinkPanics())
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("record not retained")
	}
}

func TestRecordWireFormat(t *testing.T) {
	testlog.Start(t)
	rec := Record{Source: "bootstrap", Severity: SeverityWarn, Message: "blocked", Timestamp: 1700000000000}
	raw, err := rec.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"source":"bootstrap","severity":"WARN","message":"blocked","timestamp":1700000000000}`
	if string(raw) != want {
		t.Fatalf("unexpected wire form: %s", raw)
	}

	var back Record
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != rec {
		t.Fatalf("decoded mismatch: %+v", back)
	}
}

func TestParseSeverityRejectsUnknown(t *testing.T) {
	testlog.Start(t)
	if _, err := ParseSeverity("FATAL"); !errors.Is(err, ErrInvalidSeverity) {
		t.Fatalf("expected ErrInvalidSeverity, got %v", err)
	}
	if _, err := Severity(9).MarshalText(); !errors.Is(err, ErrInvalidSeverity) {
		t.Fatalf("expected marshal error, got %v", err)
	}
}

func TestSinksFormatRecords(t *testing.T) {
	testlog.Start(t)
	var lines bytes.Buffer
	var logged bytes.Buffer
	r := NewRelay(4)
	r.AttachSink(JSONLinesSink(&lines))
	r.AttachSink(FilterSink(SeverityWarn, LogSink(zerolog.New(&logged))))

	r.Record(NewRecord("replica", SeverityInfo, "mirror synced"))
	r.Record(NewRecord("replica", SeverityError, "await timed out"))

	if got := strings.Count(lines.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 json lines, got %d: %q", got, lines.String())
	}
	if strings.Contains(logged.String(), "mirror synced") {
		t.Fatalf("info record should be filtered: %q", logged.String())
	}
	if !strings.Contains(logged.String(), "await timed out") {
		t.Fatalf("error record missing: %q", logged.String())
	}
}
