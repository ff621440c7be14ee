package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wirebot-io/wirebot/internal/journal"
	"github.com/wirebot-io/wirebot/internal/logring"
)

// mockHistory implements SweepHistory for testing.
type mockHistory struct {
	sweeps   []journal.Sweep
	outcomes map[int64][]journal.Outcome
}

func (m *mockHistory) RecentSweeps(kind string, limit int) ([]journal.Sweep, error) {
	var out []journal.Sweep
	for _, s := range m.sweeps {
		if kind != "" && s.Kind != kind {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockHistory) Outcomes(sweepID int64) ([]journal.Outcome, error) {
	return m.outcomes[sweepID], nil
}

type mockTrigger struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (m *mockTrigger) trigger(kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.kinds = append(m.kinds, kind)
	return nil
}

func newTestServer(history SweepHistory, trigger TriggerFunc, logs LogSource, key string) *Server {
	status := func() Status {
		return Status{StartedAt: time.Unix(1700000000, 0), SessionFresh: true, DirectoryUsers: 42}
	}
	return NewServer(Config{Host: "127.0.0.1", Port: 0, Key: key}, history, status, trigger, logs, nil)
}

func do(t *testing.T, srv *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&mockHistory{}, nil, nil, "")
	w := do(t, srv, "GET", "/api/health", "", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(&mockHistory{}, nil, nil, "secret")

	if w := do(t, srv, "GET", "/api/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/status", "wrong", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/status", "secret", ""); w.Code != http.StatusOK {
		t.Errorf("right key: status = %d", w.Code)
	}
	// Health stays open for probes.
	if w := do(t, srv, "GET", "/api/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health: status = %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	srv := newTestServer(&mockHistory{}, nil, nil, "")
	w := do(t, srv, "GET", "/api/status", "", "")

	var st Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.SessionFresh || st.DirectoryUsers != 42 {
		t.Errorf("status = %+v", st)
	}
}

func TestListSweeps(t *testing.T) {
	history := &mockHistory{
		sweeps: []journal.Sweep{
			{ID: 3, Kind: journal.KindWorklist, Processed: 2},
			{ID: 2, Kind: journal.KindTicketSweep, Closed: 1},
			{ID: 1, Kind: journal.KindTicketSweep},
		},
	}
	srv := newTestServer(history, nil, nil, "")

	w := do(t, srv, "GET", "/api/sweeps?kind=ticket_sweep&limit=1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var sweeps []journal.Sweep
	json.NewDecoder(w.Body).Decode(&sweeps)
	if len(sweeps) != 1 || sweeps[0].ID != 2 {
		t.Errorf("sweeps = %+v", sweeps)
	}
}

func TestListSweepsEmptyIsArray(t *testing.T) {
	srv := newTestServer(&mockHistory{}, nil, nil, "")
	w := do(t, srv, "GET", "/api/sweeps", "", "")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestOutcomes(t *testing.T) {
	history := &mockHistory{
		outcomes: map[int64][]journal.Outcome{
			7: {{ID: 1, SweepID: 7, ItemID: "8841", Action: journal.ActionClosed}},
		},
	}
	srv := newTestServer(history, nil, nil, "")

	w := do(t, srv, "GET", "/api/sweeps/7/outcomes", "", "")
	var outcomes []journal.Outcome
	json.NewDecoder(w.Body).Decode(&outcomes)
	if len(outcomes) != 1 || outcomes[0].ItemID != "8841" {
		t.Errorf("outcomes = %+v", outcomes)
	}

	if w := do(t, srv, "GET", "/api/sweeps/notanumber/outcomes", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", w.Code)
	}
}

func TestTriggerSweep(t *testing.T) {
	trig := &mockTrigger{}
	srv := newTestServer(&mockHistory{}, trig.trigger, nil, "")

	w := do(t, srv, "POST", "/api/sweeps", "", `{"kind":"ticket_sweep"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	trig.mu.Lock()
	defer trig.mu.Unlock()
	if len(trig.kinds) != 1 || trig.kinds[0] != journal.KindTicketSweep {
		t.Errorf("triggered = %v", trig.kinds)
	}
}

func TestTriggerSweepRejectsUnknownKind(t *testing.T) {
	trig := &mockTrigger{}
	srv := newTestServer(&mockHistory{}, trig.trigger, nil, "")

	if w := do(t, srv, "POST", "/api/sweeps", "", `{"kind":"everything"}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/sweeps", "", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestGetLogs(t *testing.T) {
	ring := logring.New(16)
	logger := slog.New(logring.NewHandler(slog.NewTextHandler(nowhere{}, nil), ring))
	logger.Info("session refreshed")
	logger.Error("sweep failed", "error", "portal down")

	srv := newTestServer(&mockHistory{}, nil, ring, "")

	w := do(t, srv, "GET", "/api/logs", "", "")
	var entries []logring.Entry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	w = do(t, srv, "GET", "/api/logs?level=error", "", "")
	entries = nil
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].Message != "sweep failed" {
		t.Errorf("filtered entries = %+v", entries)
	}
}

func TestGetLogsNilSource(t *testing.T) {
	srv := newTestServer(&mockHistory{}, nil, nil, "")
	w := do(t, srv, "GET", "/api/logs", "", "")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&mockHistory{}, nil, nil, "secret")
	w := do(t, srv, "OPTIONS", "/api/sweeps", "", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}

type nowhere struct{}

func (nowhere) Write(p []byte) (int, error) { return len(p), nil }
