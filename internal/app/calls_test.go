package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallTracker_BeginDone(t *testing.T) {
	tr := NewCallTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	tr.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	_, first, done1, ok := tr.Begin(context.Background(), "10.0.0.1:1")
	if !ok {
		t.Fatal("Begin refused on open tracker")
	}
	_, second, done2, _ := tr.Begin(context.Background(), "10.0.0.2:1")
	if first.ID == second.ID || first.ID == "" {
		t.Errorf("ids = %q, %q", first.ID, second.ID)
	}

	active := tr.Active()
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != second.ID {
		t.Errorf("Active = %+v", active)
	}

	done1()
	done1()
	if tr.Len() != 1 {
		t.Errorf("Len = %d after one done", tr.Len())
	}
	done2()
	if err := tr.Wait(context.Background()); err != nil {
		t.Errorf("Wait on idle tracker: %v", err)
	}
}

func TestCallTracker_CloseRefusesNewCalls(t *testing.T) {
	tr := NewCallTracker()
	tr.Close()
	if _, _, done, ok := tr.Begin(context.Background(), "x"); ok {
		done()
		t.Fatal("Begin accepted a call after Close")
	}
}

func TestCallTracker_WaitAndCancelAll(t *testing.T) {
	tr := NewCallTracker()
	ctx, _, done, _ := tr.Begin(context.Background(), "x")

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}

	go func() {
		<-ctx.Done()
		done()
	}()
	tr.CancelAll()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := tr.Wait(wctx); err != nil {
		t.Errorf("Wait after CancelAll: %v", err)
	}
}
