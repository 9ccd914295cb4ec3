package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"botflow/internal/clock"
	"botflow/internal/domain"
	"botflow/internal/store"
)

func TestBackoffCurve(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
		// Exponents past the shift width must hold the cap, not wrap to
		// zero or negative delays.
		{63, 60 * time.Second},
		{64, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
	for i := 1; i < 100; i++ {
		if Backoff(i+1) < Backoff(i) {
			t.Fatalf("backoff decreased between attempt %d and %d", i, i+1)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	if Success.String() != "success" || Transient.String() != "transient-failure" || Permanent.String() != "permanent-failure" {
		t.Fatalf("unexpected outcome strings: %s %s %s", Success, Transient, Permanent)
	}
}

func newTestRepo(t *testing.T) store.Repository {
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
	return store.NewSQLiteRepo(db)
}

type handlerFunc func(ctx context.Context, payload json.RawMessage) (Outcome, error)

func (f handlerFunc) Execute(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	return f(ctx, payload)
}

// submit pushes an inflight action through the pool and returns the result
// reported via the callback.
func submit(t *testing.T, pool *Pool, repo store.Repository, a domain.Action) Result {
	t.Helper()
	ctx := context.Background()
	id, err := repo.CreateAction(ctx, a)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	a.ID = id
	if err := repo.MarkInFlight(ctx, id); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}

	results := make(chan Result, 1)
	pool.OnResult(func(_ context.Context, res Result) { results <- res })
	pool.Submit(ctx, a)

	select {
	case res := <-results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for dispatch result")
		return Result{}
	}
}

func TestSuccessMarksDone(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewManual(time.Now())
	pool := NewPool(repo, clk, map[string]Handler{
		"ok": handlerFunc(func(context.Context, json.RawMessage) (Outcome, error) { return Success, nil }),
	}, 2, 0)

	res := submit(t, pool, repo, domain.Action{Kind: "ok", Payload: []byte(`{}`), DueAt: clk.Now(), MaxAttempts: 3})
	if res.State != domain.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	a, _ := repo.GetAction(context.Background(), res.Action.ID)
	if a.State != domain.StateDone || a.Attempts != 1 {
		t.Fatalf("store not updated: state=%s attempts=%d", a.State, a.Attempts)
	}
}

func TestUnknownKindFailsPermanently(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewManual(time.Now())
	pool := NewPool(repo, clk, map[string]Handler{}, 2, 0)

	res := submit(t, pool, repo, domain.Action{Kind: "mystery", Payload: []byte(`{}`), DueAt: clk.Now(), MaxAttempts: 3})
	if res.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
	if res.Err == nil {
		t.Fatalf("expected an error for unknown kind")
	}
}

func TestTransientSchedulesRetryWithBackoff(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewManual(time.Now())
	boom := errors.New("flaky downstream")
	pool := NewPool(repo, clk, map[string]Handler{
		"flaky": handlerFunc(func(context.Context, json.RawMessage) (Outcome, error) { return Transient, boom }),
	}, 2, 0)

	res := submit(t, pool, repo, domain.Action{Kind: "flaky", Payload: []byte(`{}`), DueAt: clk.Now(), MaxAttempts: 3})
	if res.State != domain.StatePending {
		t.Fatalf("expected pending retry, got %s", res.State)
	}
	want := clk.Now().Add(Backoff(1))
	if !res.RetryAt.Equal(want) {
		t.Fatalf("retry at %v, want %v", res.RetryAt, want)
	}
	a, _ := repo.GetAction(context.Background(), res.Action.ID)
	if a.State != domain.StatePending || a.Attempts != 1 || a.LastError == "" {
		t.Fatalf("store not updated for retry: %+v", a)
	}
}

func TestTransientExhaustionFails(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewManual(time.Now())
	pool := NewPool(repo, clk, map[string]Handler{
		"flaky": handlerFunc(func(context.Context, json.RawMessage) (Outcome, error) {
			return Transient, errors.New("still down")
		}),
	}, 2, 0)

	a := domain.Action{Kind: "flaky", Payload: []byte(`{}`), DueAt: clk.Now(), MaxAttempts: 1}
	res := submit(t, pool, repo, a)
	if res.State != domain.StateFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", res.State)
	}
	got, _ := repo.GetAction(context.Background(), res.Action.ID)
	if got.LastError != "still down" {
		t.Fatalf("last error not attached: %q", got.LastError)
	}
}

func TestReserveAndSaturation(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewManual(time.Now())
	pool := NewPool(repo, clk, map[string]Handler{}, 1, 0)

	if !pool.TryReserve() {
		t.Fatalf("expected free slot")
	}
	if !pool.Saturated() {
		t.Fatalf("expected pool saturated after reserve")
	}
	if pool.TryReserve() {
		t.Fatalf("reserve must fail when saturated")
	}
	pool.Release()
	if pool.Saturated() {
		t.Fatalf("expected slot back after release")
	}
}
