package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/insight-digger/mcp-bridge/internal/bridge"
	"github.com/insight-digger/mcp-bridge/internal/metrics"
	"github.com/insight-digger/mcp-bridge/internal/session"
	"github.com/insight-digger/mcp-bridge/internal/worker"
)

// initRequest is the body of POST /init.
type initRequest struct {
	SessionID   string            `json:"session_id"`
	Credentials map[string]string `json:"credentials"`
}

// callToolRequest is the body of POST /call-tool.
type callToolRequest struct {
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
}

// shutdownRequest is the body of POST /shutdown.
type shutdownRequest struct {
	SessionID string `json:"session_id"`
}

// newMux builds the bridge's HTTP surface. Authentication and JWT
// validation are the fronting layer's job, not handled here.
func newMux(c *bridge.Coordinator) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /init", func(w http.ResponseWriter, r *http.Request) {
		var req initRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "session_id is required")
			return
		}
		if err := c.InitSession(r.Context(), req.SessionID, req.Credentials); err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /call-tool", func(w http.ResponseWriter, r *http.Request) {
		var req callToolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Tool == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "session_id and tool are required")
			return
		}
		result, err := c.CallTool(r.Context(), req.SessionID, req.Tool, req.Params)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "session_id is required")
			return
		}
		tools, err := c.ListTools(r.Context(), sessionID)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
	})

	mux.HandleFunc("POST /shutdown", func(w http.ResponseWriter, r *http.Request) {
		var req shutdownRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "session_id is required")
			return
		}
		if err := c.ShutdownSession(r.Context(), req.SessionID); err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// writeBridgeError maps core errors onto HTTP statuses. Session-not-found
// asks the client to re-initialize; tool errors pass through verbatim.
func writeBridgeError(w http.ResponseWriter, err error) {
	var toolErr *worker.ToolError
	var spawnErr *worker.SpawnError

	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session expired or not initialized; call /init first")
	case errors.Is(err, session.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store unreachable")
	case errors.Is(err, worker.ErrInvokeTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", "tool invocation exceeded its deadline")
	case errors.As(err, &spawnErr):
		writeError(w, http.StatusBadGateway, "spawn_error", "failed to start tool worker")
	case errors.As(err, &toolErr):
		writeError(w, http.StatusUnprocessableEntity, "tool_error", toolErr.Message)
	default:
		log.Printf("[http] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}
