package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/capstream/capture"
	"github.com/zsiec/capstream/media"
)

// liveSession builds a paced, unbounded session that runs until stopped.
func liveSession(t *testing.T, id string) *Session {
	t.Helper()
	src := capture.NewSynthetic(capture.SyntheticConfig{Size: media.Size{Width: 16, Height: 16}, FPS: 100, Pace: true})
	s, err := NewBuilder().WithID(id).WithCaptureSource(src).WithSink(&collectSink{name: "collect"}).Build()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func waitRunning(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateRunning || s.Stats().StartedAt.IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never started", s.ID())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerStartAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	s := liveSession(t, "cam")

	if err := m.Start(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(time.Second)

	got, ok := m.Get("cam")
	if !ok || got != s {
		t.Fatal("Get should return the started session")
	}
	waitRunning(t, s)

	live := m.List()
	if len(live) != 1 || live[0].ID() != "cam" {
		t.Error("List should return the started session")
	}
}

func TestManagerStartDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.StopAll(time.Second)

	if err := m.Start(context.Background(), liveSession(t, "cam")); err != nil {
		t.Fatal(err)
	}
	err := m.Start(context.Background(), liveSession(t, "cam"))
	if !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("duplicate Start: got %v, want ErrDuplicateSession", err)
	}
}

func TestManagerStop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	s := liveSession(t, "cam")
	if err := m.Start(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	waitRunning(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx, "cam"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("count after stop: got %d, want 0", len(m.List()))
	}

	st, ok := m.Snapshot("cam")
	if !ok {
		t.Fatal("stopped session should remain in history")
	}
	if st.State != StateStopped {
		t.Errorf("state: got %v, want stopped", st.State)
	}
	if err := m.Stop(ctx, "cam"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second Stop: got %v, want ErrUnknownSession", err)
	}
}

func TestManagerWaitReturnsRunError(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	src := capture.NewSynthetic(capture.SyntheticConfig{Size: media.Size{Width: 8, Height: 8}})
	s, err := NewBuilder().WithID("bad").WithCaptureSource(src).
		WithSink(&collectSink{name: "x", failAfter: 1}).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx, "bad"); !errors.Is(err, ErrSinksDisconnected) {
		t.Errorf("Wait: got %v, want ErrSinksDisconnected", err)
	}
	st, ok := m.Snapshot("bad")
	if !ok || st.State != StateFailed || st.Error == "" {
		t.Errorf("snapshot: got %+v, %v", st, ok)
	}
}

func TestManagerListAndSnapshots(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.StopAll(time.Second)

	for _, id := range []string{"cam-a", "cam-b", "cam-c"} {
		s := liveSession(t, id)
		if err := m.Start(context.Background(), s); err != nil {
			t.Fatal(err)
		}
		waitRunning(t, s)
	}

	live := m.List()
	if len(live) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(live))
	}
	for i, id := range []string{"cam-a", "cam-b", "cam-c"} {
		if live[i].ID() != id {
			t.Errorf("List[%d]: got %q, want %q", i, live[i].ID(), id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx, "cam-b"); err != nil {
		t.Fatal(err)
	}
	snaps := m.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(snaps))
	}
	if snaps[2].ID != "cam-b" || snaps[2].State != StateStopped {
		t.Errorf("history entry: got %s %v", snaps[2].ID, snaps[2].State)
	}
}

func TestManagerHistoryIsBounded(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.keep = 2
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"one", "two", "three"} {
		src := capture.NewSynthetic(capture.SyntheticConfig{Size: media.Size{Width: 8, Height: 8}, Frames: 1})
		s, err := NewBuilder().WithID(id).WithCaptureSource(src).WithSink(&collectSink{name: "x"}).Build()
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Start(ctx, s); err != nil {
			t.Fatal(err)
		}
		if err := m.Wait(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := m.Snapshot("one"); ok {
		t.Error("oldest session should have been evicted from history")
	}
	if _, ok := m.Snapshot("three"); !ok {
		t.Error("newest session should be in history")
	}
}

func TestManagerStopAll(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	for _, id := range []string{"a", "b"} {
		if err := m.Start(context.Background(), liveSession(t, id)); err != nil {
			t.Fatal(err)
		}
	}
	m.StopAll(5 * time.Second)
	if n := len(m.List()); n != 0 {
		t.Errorf("running after StopAll: got %d, want 0", n)
	}
}
