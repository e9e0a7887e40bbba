package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/capstream/metrics"
	"github.com/zsiec/capstream/session"
)

type fakeSessions struct {
	mu      sync.Mutex
	stats   []session.Stats
	stopped []string
}

func (f *fakeSessions) Snapshots() []session.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Stats(nil), f.stats...)
}

func (f *fakeSessions) Snapshot(id string) (session.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stats {
		if s.ID == id {
			return s, true
		}
	}
	return session.Stats{}, false
}

func (f *fakeSessions) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stats {
		if s.ID == id {
			f.stopped = append(f.stopped, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
}

func newTestServer(t *testing.T) (*Server, *fakeSessions, *metrics.Metrics) {
	t.Helper()
	sessions := &fakeSessions{stats: []session.Stats{
		{ID: "desk", State: session.StateRunning, Captured: 42},
		{ID: "old", State: session.StateStopped, Error: "every sink disconnected"},
	}}
	m := metrics.New()
	return New(Config{Addr: "127.0.0.1:0", Sessions: sessions, Metrics: m}), sessions, m
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleListSessions(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []struct {
		ID       string `json:"id"`
		State    string `json:"state"`
		Captured int64  `json:"captured"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2", len(got))
	}
	if got[0].ID != "desk" || got[0].State != "running" || got[0].Captured != 42 {
		t.Errorf("first session: got %+v", got[0])
	}
}

func TestHandleListSessionsEmpty(t *testing.T) {
	t.Parallel()
	srv := New(Config{})
	rec := do(t, srv.Handler(), "GET", "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestHandleSession(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "GET", "/api/sessions/old")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var st struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "stopped" || st.Error == "" {
		t.Errorf("session: got %+v", st)
	}

	rec = do(t, h, "GET", "/api/sessions/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestHandleStopSession(t *testing.T) {
	t.Parallel()
	srv, sessions, _ := newTestServer(t)
	h := srv.Handler()

	if rec := do(t, h, "DELETE", "/api/sessions/desk"); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := do(t, h, "DELETE", "/api/sessions/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stop status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.stopped) != 1 || sessions.stopped[0] != "desk" {
		t.Errorf("stopped: got %v", sessions.stopped)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, m := newTestServer(t)
	m.Captured("desk")

	rec := do(t, srv.Handler(), "GET", "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `capstream_frames_captured_total{session="desk"} 1`) {
		t.Error("metrics output should include the captured counter")
	}
}

func TestMetricsDisabledWithoutCollector(t *testing.T) {
	t.Parallel()
	srv := New(Config{})
	if rec := do(t, srv.Handler(), "GET", "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPreviewRoute(t *testing.T) {
	t.Parallel()
	srv := New(Config{})
	h := srv.Handler()
	if rec := do(t, h, "GET", "/preview"); rec.Code != http.StatusNotFound {
		t.Errorf("unset preview status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	srv.SetPreview(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "preview")
	}))
	rec := do(t, h, "GET", "/preview")
	if rec.Code != http.StatusOK || rec.Body.String() != "preview" {
		t.Errorf("preview: status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestRecoversFromPanics(t *testing.T) {
	t.Parallel()
	srv := New(Config{Preview: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})})
	if rec := do(t, srv.Handler(), "GET", "/preview"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never listened")
		}
		time.Sleep(time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
