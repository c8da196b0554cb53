package docstore

import (
	"context"
	"testing"
	"time"
)

const waitTimeout = 5 * time.Second

func TestWatchDocument_InitialAndChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := "users/u1/settings/gateio"

	snaps := make(chan *Document, 10)
	l, err := s.WatchDocument(path, func(d *Document, err error) {
		if err != nil {
			t.Errorf("listener error: %v", err)
			return
		}
		snaps <- d
	})
	if err != nil {
		t.Fatalf("WatchDocument: %v", err)
	}
	defer l.Close()

	select {
	case d := <-snaps:
		if d != nil {
			t.Errorf("initial snapshot = %v, want nil for missing document", d.Data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no initial snapshot")
	}

	if err := s.Set(ctx, path, map[string]any{"api_key": "k1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.After(waitTimeout)
	for {
		select {
		case d := <-snaps:
			if d != nil && d.Data["api_key"] == "k1" {
				return
			}
		case <-deadline:
			t.Fatal("change was not delivered")
		}
	}
}

func TestWatchQuery_IgnoresOtherCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	counts := make(chan int, 10)
	l, err := s.WatchQuery("users/u1/trades", Query{OrderBy: "created_at", Direction: Desc}, func(docs []Document, err error) {
		if err != nil {
			t.Errorf("listener error: %v", err)
			return
		}
		counts <- len(docs)
	})
	if err != nil {
		t.Fatalf("WatchQuery: %v", err)
	}
	defer l.Close()

	if got := <-counts; got != 0 {
		t.Errorf("initial count = %d, want 0", got)
	}

	if _, err := s.Add(ctx, "users/u2/trades", map[string]any{"created_at": ServerTimestamp}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, "users/u1/trades", map[string]any{"created_at": ServerTimestamp}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case got := <-counts:
		if got != 1 {
			t.Errorf("count after add = %d, want 1", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("change was not delivered")
	}
}

func TestListener_CloseStopsDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := make(chan struct{}, 10)
	l, err := s.WatchQuery("users/u1/trades", Query{}, func([]Document, error) {
		calls <- struct{}{}
	})
	if err != nil {
		t.Fatalf("WatchQuery: %v", err)
	}
	<-calls

	l.Close()
	l.Close() // idempotent

	select {
	case <-l.Done():
	default:
		t.Fatal("Done() not closed after Close()")
	}

	if _, err := s.Add(ctx, "users/u1/trades", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	select {
	case <-calls:
		t.Error("closed listener received a snapshot")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_CloseStopsListeners(t *testing.T) {
	s := newTestStore(t)

	l, err := s.WatchDocument("users/u1", func(*Document, error) {})
	if err != nil {
		t.Fatalf("WatchDocument: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-l.Done():
	case <-time.After(waitTimeout):
		t.Fatal("listener still running after Store.Close")
	}
}
