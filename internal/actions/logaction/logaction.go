// Package logaction emits the payload to the service log. It exists for
// wiring checks and cron smoke schedules where the only desired side
// effect is a visible line.
package logaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"botflow/internal/dispatch"
)

type Log struct{}

type Spec struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (h Log) Execute(ctx context.Context, payload json.RawMessage) (dispatch.Outcome, error) {
	var s Spec
	if err := json.Unmarshal(payload, &s); err != nil {
		return dispatch.Permanent, fmt.Errorf("invalid log payload: %w", err)
	}
	if s.Message == "" {
		return dispatch.Permanent, fmt.Errorf("message is required")
	}
	ev := log.Info()
	if s.Level == "warn" {
		ev = log.Warn()
	}
	ev.Str("action", "log").Msg(s.Message)
	return dispatch.Success, nil
}
