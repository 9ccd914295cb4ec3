// Package scheduler owns the set of pending actions and decides what fires
// next. A single timer loop pops due actions in due-time order (FIFO among
// equal due times) and hands them to the dispatch pool; completions flow
// back in to requeue retries and expand recurring schedules.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"botflow/internal/clock"
	"botflow/internal/dispatch"
	"botflow/internal/domain"
	"botflow/internal/store"
)

type entry struct {
	action domain.Action
	seq    uint64
	index  int
}

// pendingHeap orders entries by due time, ties broken by insertion order.
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].action.DueAt.Equal(h[j].action.DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].action.DueAt.Before(h[j].action.DueAt)
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Core maintains the pending-action set. The heap and index map are
// guarded by mu; fire and cancel both remove under the same lock, so
// exactly one of them wins per action.
type Core struct {
	repo store.Repository
	clk  clock.Clock
	pool *dispatch.Pool

	mu      sync.Mutex
	pending pendingHeap
	byID    map[string]*entry
	seq     uint64

	wake chan struct{}
}

func New(repo store.Repository, clk clock.Clock, pool *dispatch.Pool) *Core {
	c := &Core{
		repo: repo,
		clk:  clk,
		pool: pool,
		byID: make(map[string]*entry),
		wake: make(chan struct{}, 1),
	}
	pool.OnResult(c.handleResult)
	return c
}

// Restore reloads pending actions from the store into the heap, first
// returning any actions a previous process left inflight to pending.
func (c *Core) Restore(ctx context.Context) error {
	n, err := c.repo.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover inflight actions: %w", err)
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered inflight actions from previous run")
	}
	actions, err := c.repo.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending actions: %w", err)
	}
	c.mu.Lock()
	for _, a := range actions {
		c.pushLocked(a)
	}
	c.mu.Unlock()
	log.Info().Int("pending", len(actions)).Msg("scheduler restored")
	return nil
}

// Schedule persists a one-shot action and registers it for firing at its
// due time. Returns the action id.
func (c *Core) Schedule(ctx context.Context, a domain.Action) (string, error) {
	a.State = domain.StatePending
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 5
	}
	id, err := c.repo.CreateAction(ctx, a)
	if err != nil {
		return "", err
	}
	a.ID = id
	c.mu.Lock()
	c.pushLocked(a)
	c.mu.Unlock()
	c.kick()
	return id, nil
}

// ScheduleRecurring persists a recurrence rule and its first action
// instance. Returns the schedule id.
func (c *Core) ScheduleRecurring(ctx context.Context, s domain.Schedule) (string, error) {
	spec, err := c.parseCron(s.CronExpr)
	if err != nil {
		return "", err
	}
	s.NextDue = spec.Next(c.clk.Now())
	id, err := c.repo.CreateSchedule(ctx, s)
	if err != nil {
		return "", err
	}
	s.ID = id
	if s.Enabled {
		if err := c.insertInstance(ctx, s); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ResumeSchedule creates the next instance for a schedule that was just
// re-enabled. No-op when the schedule already has a pending or inflight
// instance: an inflight one is invisible to the heap but will produce the
// next instance itself on completion.
func (c *Core) ResumeSchedule(ctx context.Context, s domain.Schedule) error {
	active, err := c.repo.HasActiveInstance(ctx, s.ID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	spec, err := c.parseCron(s.CronExpr)
	if err != nil {
		return err
	}
	s.NextDue = spec.Next(c.clk.Now())
	return c.insertInstance(ctx, s)
}

func (c *Core) insertInstance(ctx context.Context, s domain.Schedule) error {
	sid := s.ID
	a := domain.Action{
		Kind:        s.Kind,
		Payload:     s.Payload,
		DueAt:       s.NextDue,
		MaxAttempts: s.MaxAttempts,
		ScheduleID:  &sid,
	}
	if _, err := c.Schedule(ctx, a); err != nil {
		return fmt.Errorf("insert schedule instance: %w", err)
	}
	return nil
}

// Cancel removes a pending action before it fires. Returns false when the
// action is unknown or has already been handed to the dispatcher.
func (c *Core) Cancel(ctx context.Context, id string) bool {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	heap.Remove(&c.pending, e.index)
	delete(c.byID, id)
	c.mu.Unlock()

	if err := c.repo.MarkCanceled(ctx, id); err != nil {
		log.Error().Err(err).Str("action_id", id).Msg("mark canceled")
	}
	return true
}

// CancelBySchedule removes any pending instances of a schedule, e.g. when
// the schedule is deleted. Returns the number of instances canceled.
func (c *Core) CancelBySchedule(ctx context.Context, scheduleID string) int {
	c.mu.Lock()
	var ids []string
	for _, e := range c.pending {
		if e.action.ScheduleID != nil && *e.action.ScheduleID == scheduleID {
			ids = append(ids, e.action.ID)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.Cancel(ctx, id) {
			n++
		}
	}
	return n
}

// DispatchNow executes the action immediately when a worker slot is free,
// otherwise registers it as a due-now action so the timer loop picks it up
// as soon as capacity returns.
func (c *Core) DispatchNow(ctx context.Context, a domain.Action) (string, error) {
	a.DueAt = c.clk.Now()
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 5
	}
	if !c.pool.TryReserve() {
		return c.Schedule(ctx, a)
	}
	a.State = domain.StatePending
	id, err := c.repo.CreateAction(ctx, a)
	if err != nil {
		c.pool.Release()
		return "", err
	}
	a.ID = id
	if err := c.repo.MarkInFlight(ctx, id); err != nil {
		c.pool.Release()
		return "", err
	}
	// Execution outlives the ingest request that triggered it.
	c.pool.SubmitReserved(context.WithoutCancel(ctx), a)
	return id, nil
}

// PendingCount returns the number of actions waiting to fire.
func (c *Core) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run drives the timer loop until ctx is canceled. It sleeps until the
// earliest due time or until a new action is scheduled, whichever comes
// first; with an empty queue it waits for a wake alone.
func (c *Core) Run(ctx context.Context) {
	log.Info().Str("timezone", c.clk.Location().String()).Msg("scheduler loop started")
	for {
		c.fireDue(ctx)

		var timer clock.Timer
		var tick <-chan time.Time
		c.mu.Lock()
		if len(c.pending) > 0 {
			timer = c.clk.NewTimer(c.pending[0].action.DueAt.Sub(c.clk.Now()))
			tick = timer.C()
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
		}
	}
}

// fireDue pops every action whose due time has arrived and hands each to
// the dispatch pool. Pops happen under the heap lock; the store transition
// to inflight follows outside it.
func (c *Core) fireDue(ctx context.Context) {
	now := c.clk.Now()

	var due []domain.Action
	c.mu.Lock()
	for len(c.pending) > 0 && !c.pending[0].action.DueAt.After(now) {
		e := heap.Pop(&c.pending).(*entry)
		delete(c.byID, e.action.ID)
		due = append(due, e.action)
	}
	c.mu.Unlock()

	for _, a := range due {
		if err := c.repo.MarkInFlight(ctx, a.ID); err != nil {
			// Lost the race to cancel, or the record is gone.
			log.Debug().Err(err).Str("action_id", a.ID).Msg("skip fire")
			continue
		}
		log.Debug().Str("action_id", a.ID).Str("kind", a.Kind).
			Time("due_at", a.DueAt).Msg("action fired")
		c.pool.Submit(ctx, a)
	}
}

// handleResult is the dispatch pool callback: retries re-enter the heap,
// terminal outcomes of schedule instances produce the next instance.
func (c *Core) handleResult(ctx context.Context, res dispatch.Result) {
	if res.State == domain.StatePending {
		a := res.Action
		a.DueAt = res.RetryAt
		c.mu.Lock()
		c.pushLocked(a)
		c.mu.Unlock()
		c.kick()
		return
	}
	if res.Action.ScheduleID != nil {
		c.advanceSchedule(ctx, *res.Action.ScheduleID, res.Action.DueAt)
	}
}

// advanceSchedule computes and inserts the next instance after the
// previous one reached a terminal state. The next due time is strictly
// after the previous instance's due time.
func (c *Core) advanceSchedule(ctx context.Context, scheduleID string, prevDue time.Time) {
	s, err := c.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		// Deleted while the instance was inflight; recurrence ends here.
		return
	}
	if !s.Enabled {
		return
	}
	spec, err := c.parseCron(s.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("invalid cron expression in stored schedule")
		return
	}

	now := c.clk.Now()
	base := prevDue
	if now.After(base) {
		base = now
	}
	next := spec.Next(base)

	s.NextDue = next
	if err := c.insertInstance(ctx, s); err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("insert next instance")
		return
	}
	if err := c.repo.MarkScheduleFired(ctx, s.ID, now, next); err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("update schedule run times")
	}
	log.Info().Str("schedule_id", s.ID).Str("name", s.Name).
		Time("next_due", next).Msg("schedule advanced")
}

func (c *Core) parseCron(expr string) (cron.Schedule, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return locSchedule{spec: spec, loc: c.clk.Location()}, nil
}

// locSchedule evaluates a cron spec in the process timezone regardless of
// the zone attached to the input time.
type locSchedule struct {
	spec cron.Schedule
	loc  *time.Location
}

func (l locSchedule) Next(t time.Time) time.Time { return l.spec.Next(t.In(l.loc)) }

func (c *Core) pushLocked(a domain.Action) {
	c.seq++
	e := &entry{action: a, seq: c.seq}
	heap.Push(&c.pending, e)
	c.byID[a.ID] = e
}

// kick nudges the timer loop so it re-evaluates the earliest due time.
func (c *Core) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(from), nil
}
