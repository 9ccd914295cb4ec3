package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"botflow/internal/clock"
	"botflow/internal/dispatch"
	"botflow/internal/domain"
	"botflow/internal/scheduler"
	"botflow/internal/store"
)

type env struct {
	db   *sql.DB
	repo store.Repository
	clk  *clock.Manual
	core *scheduler.Core
	srv  http.Handler
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := store.NewSQLiteRepo(db)

	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	clk := clock.NewManual(time.Date(2026, 1, 1, 10, 0, 30, 0, loc))

	ok := dispatch.Handler(handlerFunc(func(context.Context, json.RawMessage) (dispatch.Outcome, error) {
		return dispatch.Success, nil
	}))
	pool := dispatch.NewPool(repo, clk, map[string]dispatch.Handler{"notify": ok}, 4, 0)
	core := scheduler.New(repo, clk, pool)

	return &env{db: db, repo: repo, clk: clk, core: core, srv: NewServer(repo, core, clk, opts)}
}

type handlerFunc func(ctx context.Context, payload json.RawMessage) (dispatch.Outcome, error)

func (f handlerFunc) Execute(ctx context.Context, payload json.RawMessage) (dispatch.Outcome, error) {
	return f(ctx, payload)
}

func (e *env) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func (e *env) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decodeEvent(t *testing.T, w *httptest.ResponseRecorder) (id string, dup bool) {
	t.Helper()
	var resp struct {
		ID        string `json:"id"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.ID, resp.Duplicate
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, Options{})
	w := e.get(t, "/health")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", w.Code, w.Body.String())
	}
}

func TestIngestRejectsMalformedEvents(t *testing.T) {
	e := newEnv(t, Options{})
	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{not-json`, http.StatusBadRequest},
		{"missing kind", `{"payload":{}}`, http.StatusBadRequest},
		{"due_at and cron together", `{"kind":"notify","due_at":"2026-01-01T12:00:00+05:30","cron":"* * * * *"}`, http.StatusBadRequest},
		{"invalid cron", `{"kind":"notify","cron":"not a cron"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.post(t, "/api/events", tt.body); w.Code != tt.code {
				t.Fatalf("got %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
		})
	}
}

func TestIngestRejectsOversizedPayload(t *testing.T) {
	e := newEnv(t, Options{MaxBodyBytes: 128})
	big := fmt.Sprintf(`{"kind":"notify","payload":{"blob":%q}}`, strings.Repeat("x", 512))
	if w := e.post(t, "/api/events", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got %d, want 413", w.Code)
	}
}

func TestImmediateEventDispatches(t *testing.T) {
	e := newEnv(t, Options{})
	w := e.post(t, "/api/events", `{"kind":"notify","payload":{"chat":42}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	id, dup := decodeEvent(t, w)
	if dup {
		t.Fatalf("first delivery flagged duplicate")
	}
	waitFor(t, "action done", func() bool {
		a, err := e.repo.GetAction(context.Background(), id)
		return err == nil && a.State == domain.StateDone
	})
}

func TestDuplicateEventIsSuppressed(t *testing.T) {
	e := newEnv(t, Options{DedupWindow: 10 * time.Minute})
	body := `{"event_id":"evt-77","kind":"notify","payload":{}}`

	w1 := e.post(t, "/api/events", body)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first post: %d", w1.Code)
	}
	id1, _ := decodeEvent(t, w1)

	w2 := e.post(t, "/api/events", body)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("duplicate post: %d", w2.Code)
	}
	id2, dup := decodeEvent(t, w2)
	if !dup {
		t.Fatalf("duplicate not flagged")
	}
	if id1 != id2 {
		t.Fatalf("duplicate produced a new action: %s vs %s", id1, id2)
	}
}

// The cron routing branch must dedup like the others: a resubmitted
// event_id acknowledges the original schedule instead of creating a twin.
func TestDuplicateCronEventIsSuppressed(t *testing.T) {
	e := newEnv(t, Options{DedupWindow: 10 * time.Minute})
	body := `{"event_id":"digest-1","kind":"notify","cron":"30 9 * * *","payload":{}}`

	w1 := e.post(t, "/api/events", body)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first post: %d %s", w1.Code, w1.Body.String())
	}
	id1, _ := decodeEvent(t, w1)

	w2 := e.post(t, "/api/events", body)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("duplicate post: %d %s", w2.Code, w2.Body.String())
	}
	id2, dup := decodeEvent(t, w2)
	if !dup {
		t.Fatalf("duplicate cron event not flagged")
	}
	if id1 != id2 {
		t.Fatalf("duplicate produced a new schedule: %s vs %s", id1, id2)
	}

	schedules, err := e.repo.ListSchedules(context.Background())
	if err != nil || len(schedules) != 1 {
		t.Fatalf("expected one schedule: %v (%d)", err, len(schedules))
	}
}

// Two submissions racing past the lookup both try to insert; the loser
// hits the unique index and must still be acknowledged as a duplicate.
// Simulated by aging the first row past the lookup window while its key
// is still held.
func TestDuplicateLosingInsertRaceIsAcknowledged(t *testing.T) {
	e := newEnv(t, Options{DedupWindow: 10 * time.Minute})
	body := `{"event_id":"evt-race","kind":"notify","payload":{}}`

	w1 := e.post(t, "/api/events", body)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first post: %d", w1.Code)
	}
	id1, _ := decodeEvent(t, w1)

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := e.db.Exec(`UPDATE actions SET created_at=? WHERE id=?`, old, id1); err != nil {
		t.Fatalf("age row: %v", err)
	}

	w2 := e.post(t, "/api/events", body)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("losing submission: %d %s", w2.Code, w2.Body.String())
	}
	id2, dup := decodeEvent(t, w2)
	if !dup || id2 != id1 {
		t.Fatalf("expected duplicate ack with %s, got %s (dup=%v)", id1, id2, dup)
	}
}

func TestDeferredEventIsScheduledNotDispatched(t *testing.T) {
	e := newEnv(t, Options{})
	due := e.clk.Now().Add(time.Hour).Format(time.RFC3339)
	w := e.post(t, "/api/events", fmt.Sprintf(`{"kind":"notify","due_at":%q,"payload":{}}`, due))
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decodeEvent(t, w)

	a, err := e.repo.GetAction(context.Background(), id)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if a.State != domain.StatePending {
		t.Fatalf("deferred action should stay pending, got %s", a.State)
	}
	if e.core.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", e.core.PendingCount())
	}
}

func TestCronEventCreatesSchedule(t *testing.T) {
	e := newEnv(t, Options{})
	w := e.post(t, "/api/events", `{"event_id":"digest","kind":"notify","cron":"30 9 * * *","payload":{}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decodeEvent(t, w)
	if !strings.HasPrefix(id, "sch_") {
		t.Fatalf("expected schedule id, got %q", id)
	}
	schedules, err := e.repo.ListSchedules(context.Background())
	if err != nil || len(schedules) != 1 {
		t.Fatalf("expected one schedule: %v (%d)", err, len(schedules))
	}
	if e.core.PendingCount() != 1 {
		t.Fatalf("expected first instance pending, got %d", e.core.PendingCount())
	}
}

func TestCancelEndpoint(t *testing.T) {
	e := newEnv(t, Options{})
	due := e.clk.Now().Add(time.Hour).Format(time.RFC3339)
	w := e.post(t, "/api/events", fmt.Sprintf(`{"kind":"notify","due_at":%q,"payload":{}}`, due))
	id, _ := decodeEvent(t, w)

	w = e.post(t, "/api/actions/"+id+"/cancel", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"canceled":true`) {
		t.Fatalf("first cancel: %d %s", w.Code, w.Body.String())
	}
	w = e.post(t, "/api/actions/"+id+"/cancel", "")
	if !strings.Contains(w.Body.String(), `"canceled":false`) {
		t.Fatalf("second cancel should be false: %s", w.Body.String())
	}
}

func TestGetAction(t *testing.T) {
	e := newEnv(t, Options{})
	due := e.clk.Now().Add(time.Hour).Format(time.RFC3339)
	w := e.post(t, "/api/events", fmt.Sprintf(`{"kind":"notify","due_at":%q,"payload":{}}`, due))
	id, _ := decodeEvent(t, w)

	w = e.get(t, "/api/actions/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("get action: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"pending"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	if w := e.get(t, "/api/actions/act_missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing action: %d", w.Code)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	e := newEnv(t, Options{})

	w := e.post(t, "/api/schedules", `{"name":"digest","cron_expr":"not valid","kind":"notify"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid cron accepted: %d", w.Code)
	}

	w = e.post(t, "/api/schedules", `{"name":"digest","cron_expr":"30 9 * * *","kind":"notify","payload":{},"enabled":false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Disabled schedule gets no instance.
	if e.core.PendingCount() != 0 {
		t.Fatalf("disabled schedule produced an instance")
	}

	if w := e.get(t, "/api/schedules/"+created.ID); w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if w := e.get(t, "/api/schedules"); w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}

	// Enabling creates the next instance.
	req := httptest.NewRequest(http.MethodPut, "/api/schedules/"+created.ID,
		bytes.NewReader([]byte(`{"enabled":true}`)))
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	if e.core.PendingCount() != 1 {
		t.Fatalf("expected instance after enabling, got %d", e.core.PendingCount())
	}

	// Deleting cancels the pending instance.
	req = httptest.NewRequest(http.MethodDelete, "/api/schedules/"+created.ID, nil)
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if e.core.PendingCount() != 0 {
		t.Fatalf("pending instance survived schedule delete")
	}
}

// A PUT that only renames must not touch the enabled flag.
func TestUpdateScheduleOmittingEnabledKeepsFlag(t *testing.T) {
	e := newEnv(t, Options{})

	w := e.post(t, "/api/schedules", `{"name":"digest","cron_expr":"30 9 * * *","kind":"notify","payload":{}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Enabled defaults to true on create.
	s, err := e.repo.GetSchedule(context.Background(), created.ID)
	if err != nil || !s.Enabled {
		t.Fatalf("expected enabled schedule: %v %+v", err, s)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/schedules/"+created.ID,
		bytes.NewReader([]byte(`{"name":"renamed"}`)))
	rw := httptest.NewRecorder()
	e.srv.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rw.Code, rw.Body.String())
	}

	s, err = e.repo.GetSchedule(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Name != "renamed" {
		t.Fatalf("name not updated: %q", s.Name)
	}
	if !s.Enabled {
		t.Fatalf("partial update disabled the schedule")
	}
}

func TestRateLimitOnIngest(t *testing.T) {
	e := newEnv(t, Options{RatePerSec: 1, RateBurst: 1})
	body := `{"kind":"notify","payload":{}}`
	if w := e.post(t, "/api/events", body); w.Code != http.StatusAccepted {
		t.Fatalf("first request limited: %d", w.Code)
	}
	if w := e.post(t, "/api/events", body); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	// Other routes are not limited.
	if w := e.get(t, "/health"); w.Code != http.StatusOK {
		t.Fatalf("health should not be rate limited: %d", w.Code)
	}
}
