// Package command runs a local process as an action. Non-zero exit is
// permanent; a context deadline (the action timed out) is transient so a
// busy host gets another chance.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"botflow/internal/dispatch"
)

type Command struct{}

type Spec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (h Command) Execute(ctx context.Context, payload json.RawMessage) (dispatch.Outcome, error) {
	var c Spec
	if err := json.Unmarshal(payload, &c); err != nil {
		return dispatch.Permanent, fmt.Errorf("invalid command payload: %w", err)
	}
	if c.Command == "" {
		return dispatch.Permanent, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return dispatch.Transient, fmt.Errorf("command timed out: %w", err)
		}
		return dispatch.Permanent, fmt.Errorf("command error: %v; out=%s", err, out)
	}
	return dispatch.Success, nil
}
