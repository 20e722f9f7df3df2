package app

import (
	"context"
	"sync"
	"testing"

	memstore "github.com/dkeye/Call/internal/adapters/store/memory"
	"github.com/dkeye/Call/internal/domain"
)

func TestHistoryUpsertSingleRowUnderConcurrency(t *testing.T) {
	store := memstore.New()
	rec := NewHistoryRecorder(store)
	ctx := context.Background()

	sess := domain.NewCallSession("alice", "bob", domain.CallVoice)
	sess.Status = domain.StatusEnded

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Upsert(ctx, sess, domain.EventCallEnded, 42); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.ListHistoryByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 history row, got %d", len(entries))
	}
	if entries[0].DurationSeconds != 42 {
		t.Fatalf("expected duration 42, got %d", entries[0].DurationSeconds)
	}
}

func TestHistoryUpsertUpdatesInPlace(t *testing.T) {
	store := memstore.New()
	rec := NewHistoryRecorder(store)
	ctx := context.Background()

	sess := domain.NewCallSession("alice", "bob", domain.CallVideo)
	sess.Status = domain.StatusActive
	if err := rec.Upsert(ctx, sess, domain.EventCallStarted, 0); err != nil {
		t.Fatal(err)
	}

	sess.Status = domain.StatusEnded
	if err := rec.Upsert(ctx, sess, domain.EventCallEnded, 90); err != nil {
		t.Fatal(err)
	}

	entry, err := store.GetHistoryByCallID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.EventType != domain.EventCallEnded {
		t.Fatalf("expected call_ended, got %s", entry.EventType)
	}
	if entry.Status != domain.StatusEnded {
		t.Fatalf("expected ended, got %s", entry.Status)
	}
	if entry.DurationSeconds != 90 {
		t.Fatalf("expected duration 90, got %d", entry.DurationSeconds)
	}
}

func TestHistoryMarkRead(t *testing.T) {
	store := memstore.New()
	rec := NewHistoryRecorder(store)
	ctx := context.Background()

	sess := domain.NewCallSession("alice", "bob", domain.CallVoice)
	sess.Status = domain.StatusMissed
	if err := rec.Upsert(ctx, sess, domain.EventCallMissed, 0); err != nil {
		t.Fatal(err)
	}

	if err := rec.MarkRead(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	entry, err := store.GetHistoryByCallID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.IsRead {
		t.Fatal("expected entry to be marked read")
	}
}
