package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/insight-digger/mcp-bridge/internal/params"
)

// ErrInvokeTimeout is returned when an invocation exceeds its deadline. The
// worker is forcibly terminated before this error is returned, so a timed-out
// call never leaks a process.
var ErrInvokeTimeout = errors.New("worker: invocation timed out")

// ToolError is a business-logic failure reported by the worker itself. It is
// passed through verbatim, never interpreted by the bridge.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// SpawnError wraps any failure to create a worker. Fatal for the current
// call only; never retried automatically.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "worker: spawn failed: " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type readyMessage struct {
	Event string              `json:"event"`
	Tools []params.ToolSchema `json:"tools"`
}

// parseReady decodes a handshake line, rejecting anything that is not a
// ready event.
func parseReady(line []byte) (*readyMessage, error) {
	var ready readyMessage
	if err := json.Unmarshal(line, &ready); err != nil {
		return nil, err
	}
	if ready.Event != "ready" {
		return nil, fmt.Errorf("unexpected event %q", ready.Event)
	}
	return &ready, nil
}

type invokeRequest struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type invokeResponse struct {
	ID     string         `json:"id"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Invoke sends one request to the worker and blocks until the matching
// response arrives or timeout elapses. On timeout the worker is force-killed
// before ErrInvokeTimeout is returned. One request is in flight at a time
// per worker by construction.
func (m *Manager) Invoke(ctx context.Context, h *Handle, tool string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	req := invokeRequest{
		ID:     uuid.New().String(),
		Tool:   tool,
		Params: args,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("worker: marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := h.stdin.Write(data); err != nil {
		m.kill(h)
		return nil, fmt.Errorf("worker: write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.kill(h)
			return nil, fmt.Errorf("worker: invocation cancelled: %w", ctx.Err())
		case <-timer.C:
			m.kill(h)
			return nil, ErrInvokeTimeout
		case <-h.waitCh:
			// The worker may have written its response just before
			// exiting; drain whatever made it out before giving up.
			if resp := drainForResponse(h.lines, req.ID); resp != nil {
				if resp.Error != "" {
					return nil, &ToolError{Tool: tool, Message: resp.Error}
				}
				return resp.Result, nil
			}
			return nil, fmt.Errorf("worker: exited before responding: %v", h.exitErr)
		case line, ok := <-h.lines:
			if !ok {
				// Stdout closed; the exit will surface via waitCh, but do
				// not spin on a closed channel in the meantime.
				h.lines = nil
				continue
			}
			var resp invokeResponse
			if err := json.Unmarshal(line, &resp); err != nil || resp.ID != req.ID {
				continue // noise or stale line, keep waiting
			}
			if resp.Error != "" {
				return nil, &ToolError{Tool: tool, Message: resp.Error}
			}
			return resp.Result, nil
		}
	}
}

// drainForResponse consumes the remaining buffered lines of an exited worker
// looking for the response with the given id.
func drainForResponse(lines chan []byte, id string) *invokeResponse {
	if lines == nil {
		return nil
	}
	for line := range lines {
		var resp invokeResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID != id {
			continue
		}
		return &resp
	}
	return nil
}
