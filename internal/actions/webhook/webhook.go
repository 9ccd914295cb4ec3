// Package webhook delivers an action payload to an external HTTP callback.
// Network errors and 5xx responses are transient; 4xx responses are
// permanent since retrying the same request cannot succeed.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"botflow/internal/dispatch"
)

type Webhook struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h Webhook) Execute(ctx context.Context, payload json.RawMessage) (dispatch.Outcome, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return dispatch.Permanent, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if req.URL == "" {
		return dispatch.Permanent, fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = "POST"
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return dispatch.Permanent, fmt.Errorf("build webhook request: %w", err)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return dispatch.Transient, fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return dispatch.Transient, fmt.Errorf("read webhook response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return dispatch.Transient, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return dispatch.Permanent, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody)
	}
	return dispatch.Success, nil
}
