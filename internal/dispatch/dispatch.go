package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"botflow/internal/clock"
	"botflow/internal/domain"
	"botflow/internal/store"
)

// Outcome is the three-way result of executing an action. Handlers report
// failures through it instead of using errors for control flow: Transient
// failures are retried with backoff, Permanent ones terminate immediately.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient-failure"
	case Permanent:
		return "permanent-failure"
	default:
		return "unknown"
	}
}

// Handler executes the payload of one action kind.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) (Outcome, error)
}

// Result reports what became of a dispatched action. RetryAt is set only
// when State is pending (transient failure with attempts remaining).
type Result struct {
	Action  domain.Action
	State   domain.ActionState
	RetryAt time.Time
	Err     error
}

// Pool executes actions on a bounded set of worker slots. The action must
// already be inflight in the store when submitted; the pool moves it to a
// terminal state or back to pending with a backoff delay.
type Pool struct {
	repo     store.Repository
	clk      clock.Clock
	handlers map[string]Handler
	sem      chan struct{}
	timeout  time.Duration
	onResult func(ctx context.Context, res Result)
}

func NewPool(repo store.Repository, clk clock.Clock, handlers map[string]Handler, size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		repo:     repo,
		clk:      clk,
		handlers: handlers,
		sem:      make(chan struct{}, size),
		timeout:  timeout,
	}
}

// OnResult registers the callback invoked after every execution. The
// scheduler core uses it to requeue retries and expand recurrences.
func (p *Pool) OnResult(fn func(ctx context.Context, res Result)) { p.onResult = fn }

// TryReserve claims a worker slot without blocking. A successful reserve
// must be followed by SubmitReserved.
func (p *Pool) TryReserve() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot claimed with TryReserve without running anything.
func (p *Pool) Release() { <-p.sem }

// Saturated reports whether all worker slots are claimed.
func (p *Pool) Saturated() bool { return len(p.sem) == cap(p.sem) }

// Submit runs the action asynchronously, waiting for a free slot inside
// the spawned worker so the caller never blocks.
func (p *Pool) Submit(ctx context.Context, a domain.Action) {
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		p.run(ctx, a)
	}()
}

// SubmitReserved runs the action on a slot previously claimed with
// TryReserve.
func (p *Pool) SubmitReserved(ctx context.Context, a domain.Action) {
	go func() {
		defer func() { <-p.sem }()
		p.run(ctx, a)
	}()
}

func (p *Pool) run(ctx context.Context, a domain.Action) {
	a.Attempts++

	h, ok := p.handlers[a.Kind]
	if !ok {
		p.finish(ctx, a, Permanent, fmt.Errorf("no handler for kind %q", a.Kind))
		return
	}

	execCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out, err := h.Execute(execCtx, a.Payload)
	p.finish(ctx, a, out, err)
}

func (p *Pool) finish(ctx context.Context, a domain.Action, out Outcome, err error) {
	res := Result{Action: a, Err: err}
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}

	switch out {
	case Success:
		res.State = domain.StateDone
		if dbErr := p.repo.MarkDone(ctx, a.ID, a.Attempts); dbErr != nil {
			log.Error().Err(dbErr).Str("action_id", a.ID).Msg("mark done")
		}
	case Transient:
		if a.Attempts < a.MaxAttempts {
			delay := Backoff(a.Attempts)
			res.State = domain.StatePending
			res.RetryAt = p.clk.Now().Add(delay)
			if dbErr := p.repo.MarkRetry(ctx, a.ID, errStr, res.RetryAt, a.Attempts); dbErr != nil {
				log.Error().Err(dbErr).Str("action_id", a.ID).Msg("mark retry")
			}
			log.Warn().Str("action_id", a.ID).Int("attempt", a.Attempts).
				Dur("backoff", delay).Err(err).Msg("action retry scheduled")
		} else {
			res.State = domain.StateFailed
			if dbErr := p.repo.MarkFailed(ctx, a.ID, errStr, a.Attempts); dbErr != nil {
				log.Error().Err(dbErr).Str("action_id", a.ID).Msg("mark failed")
			}
			log.Error().Str("action_id", a.ID).Int("attempts", a.Attempts).
				Err(err).Msg("action failed after max attempts")
		}
	default:
		res.State = domain.StateFailed
		if dbErr := p.repo.MarkFailed(ctx, a.ID, errStr, a.Attempts); dbErr != nil {
			log.Error().Err(dbErr).Str("action_id", a.ID).Msg("mark failed")
		}
		log.Error().Str("action_id", a.ID).Err(err).Msg("action failed permanently")
	}

	res.Action.State = res.State
	res.Action.LastError = errStr
	if p.onResult != nil {
		p.onResult(ctx, res)
	}
}

// Backoff returns the delay before retry n (1-based): 1s, 2s, 4s, ...
// capped at 60s.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	// 2^6 s already exceeds the cap; larger exponents would overflow the
	// shift, not grow the delay.
	if attempts > 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<(attempts-1)) * time.Second
}
