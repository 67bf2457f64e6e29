package store

import (
	"path/filepath"
	"testing"
	"time"

	"chatstate/pkg/models"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := Open(filepath.Join(t.TempDir(), "interactions"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestRecordAndList(t *testing.T) {
	rec := openTestRecorder(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec.Record(models.Interaction{
			ID:     "t1",
			Kind:   "typing_started",
			UserID: "alice",
			ChatID: "chat1",
			TS:     base.Add(time.Duration(i) * time.Second),
		})
	}
	rec.Record(models.Interaction{ID: "x", Kind: "thread_created", UserID: "bob", TS: base})

	got, err := rec.List("typing_started", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TS.Before(got[i-1].TS) {
			t.Fatalf("records out of time order: %v", got)
		}
	}
	if got[0].UserID != "alice" || got[0].ChatID != "chat1" {
		t.Fatalf("fields lost in round trip: %+v", got[0])
	}

	limited, _ := rec.List("typing_started", 2)
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
	other, _ := rec.List("thread_created", 0)
	if len(other) != 1 {
		t.Fatalf("kind prefix leaked: %d", len(other))
	}
	none, err := rec.List("unknown_kind", 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown kind: (%v, %v)", none, err)
	}
}

func TestRecordOnNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Record(models.Interaction{Kind: "x", TS: time.Now()})
	if err := rec.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestCloseTwice(t *testing.T) {
	rec := openTestRecorder(t)
	if err := rec.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	// writes after close are dropped, not panics
	rec.Record(models.Interaction{Kind: "late", TS: time.Now()})
}
