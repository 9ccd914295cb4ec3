package domain

import (
	"encoding/json"
	"time"
)

// ActionState tracks an Action through its lifecycle. Pending actions are
// owned by the scheduler; inflight actions are owned by a dispatch worker.
// Done, failed and canceled are terminal.
type ActionState string

const (
	StatePending  ActionState = "pending"
	StateInFlight ActionState = "inflight"
	StateDone     ActionState = "done"
	StateFailed   ActionState = "failed"
	StateCanceled ActionState = "canceled"
)

// Terminal reports whether s is an end state.
func (s ActionState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// Action is a unit of work with a due time. The payload is opaque to the
// scheduler and the store; only the handler for Kind interprets it.
type Action struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	DueAt       time.Time
	State       ActionState
	Attempts    int
	MaxAttempts int
	LastError   string
	ScheduleID  *string
	DedupKey    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Schedule is a recurrence rule. Each fire produces one Action instance;
// the next instance is created only after the previous one reaches a
// terminal state, so at most one instance of a schedule is ever pending.
type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	Kind        string
	Payload     json.RawMessage
	MaxAttempts int
	Enabled     bool
	DedupKey    *string
	LastFired   *time.Time
	NextDue     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InboundEvent is the normalized form of a request received at the ingest
// endpoint. It is consumed synchronously and never persisted as-is.
type InboundEvent struct {
	EventID     string
	Kind        string
	Payload     json.RawMessage
	DueAt       *time.Time
	Cron        string
	MaxAttempts int
}
