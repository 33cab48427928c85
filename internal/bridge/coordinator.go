// Package bridge orchestrates one tool call end to end: load the session,
// resolve the final argument set, spawn a worker, invoke the tool, cache the
// outputs back into the session, and tear the worker down. The worker handle
// is acquired, used, and released on every exit path; nothing here relies on
// process teardown to reclaim OS resources.
package bridge

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/insight-digger/mcp-bridge/internal/audit"
	"github.com/insight-digger/mcp-bridge/internal/events"
	"github.com/insight-digger/mcp-bridge/internal/metrics"
	"github.com/insight-digger/mcp-bridge/internal/params"
	"github.com/insight-digger/mcp-bridge/internal/registry"
	"github.com/insight-digger/mcp-bridge/internal/session"
	"github.com/insight-digger/mcp-bridge/internal/worker"
)

// ReservedStatusField is the top-level result key that is never merged into
// a session's cached parameters.
const ReservedStatusField = "status"

// Coordinator wires the session store, process registry, and worker manager
// into the per-request call flow.
type Coordinator struct {
	store         *session.Store
	reg           *registry.Registry
	mgr           *worker.Manager
	events        *events.Client
	audit         *audit.Store
	invokeTimeout time.Duration
	sensitive     []string
}

// New creates a coordinator. The events client and audit store may be nil.
func New(store *session.Store, reg *registry.Registry, mgr *worker.Manager, ev *events.Client, auditStore *audit.Store, invokeTimeout time.Duration, sensitiveParams []string) *Coordinator {
	return &Coordinator{
		store:         store,
		reg:           reg,
		mgr:           mgr,
		events:        ev,
		audit:         auditStore,
		invokeTimeout: invokeTimeout,
		sensitive:     sensitiveParams,
	}
}

// InitSession creates a session record holding the caller's credentials. An
// already-active session is success-equivalent: the existing record is kept,
// its TTL is reset, and no re-validation happens.
func (c *Coordinator) InitSession(ctx context.Context, sessionID string, credentials map[string]string) error {
	err := c.store.Create(ctx, sessionID, credentials)
	if errors.Is(err, session.ErrAlreadyActive) {
		_, terr := c.store.Touch(ctx, sessionID)
		return terr
	}
	if err != nil {
		return err
	}

	metrics.SessionsCreated.Inc()
	c.events.SessionCreated(sessionID)
	log.Printf("[bridge] created session %s", sessionID)
	return nil
}

// CallTool executes one tool invocation for a session. The session must
// exist; a missing or expired session surfaces session.ErrNotFound so the
// caller can ask the client to re-initialize. Tool failures and timeouts
// pass through unchanged.
func (c *Coordinator) CallTool(ctx context.Context, sessionID, tool string, callerArgs map[string]any) (map[string]any, error) {
	record, err := c.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			metrics.SessionMisses.Inc()
		}
		return nil, err
	}

	start := time.Now()
	h, err := c.mgr.Spawn(ctx, sessionID)
	if err != nil {
		metrics.WorkerSpawns.WithLabelValues("error").Inc()
		c.recordAudit(sessionID, tool, audit.OutcomeSpawnError, time.Since(start))
		return nil, err
	}
	metrics.WorkerSpawns.WithLabelValues("ok").Inc()
	metrics.WorkersActive.Inc()
	c.events.WorkerSpawned(sessionID, h.PID)
	c.reg.Register(sessionID, h, h.Signature)

	defer func() {
		// Release on every exit path. Stop tolerates a worker that is
		// already gone (timeout kill, reaper, shutdown).
		c.mgr.Stop(h)
		c.reg.Unregister(sessionID)
		metrics.WorkersActive.Dec()
		c.events.WorkerStopped(sessionID, h.PID)
	}()

	schema := c.schemaFor(h, tool)
	resolved := params.Resolve(schema, callerArgs, record.CachedParameters, record.Credentials)

	result, err := c.mgr.Invoke(ctx, h, tool, resolved, c.invokeTimeout)
	metrics.InvokeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var toolErr *worker.ToolError
		switch {
		case errors.Is(err, worker.ErrInvokeTimeout):
			metrics.WorkerTimeouts.Inc()
			c.events.WorkerTimeout(sessionID, h.PID, tool)
			c.recordAudit(sessionID, tool, audit.OutcomeTimeout, time.Since(start))
			log.Printf("[bridge] tool %s timed out for session %s after %s", tool, sessionID, c.invokeTimeout)
		case errors.As(err, &toolErr):
			c.recordAudit(sessionID, tool, audit.OutcomeToolError, time.Since(start))
		}
		return nil, err
	}

	patch := params.OutputPatch(schema, resolved, result, ReservedStatusField)
	if len(patch) > 0 {
		if _, err := c.store.Update(ctx, sessionID, patch); err != nil {
			// The tool already ran; losing this write only costs future
			// injection, so the result is still returned.
			log.Printf("[bridge] cache update for session %s failed: %v", sessionID, err)
		}
	}

	c.recordAudit(sessionID, tool, audit.OutcomeOK, time.Since(start))
	return result, nil
}

// ListTools returns the worker's declared tool schemas with sensitive
// parameters stripped, so credential-class inputs are never advertised to
// clients. Resets the session's TTL.
func (c *Coordinator) ListTools(ctx context.Context, sessionID string) ([]params.ToolSchema, error) {
	ok, err := c.store.Touch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.SessionMisses.Inc()
		return nil, session.ErrNotFound
	}

	h, err := c.mgr.Spawn(ctx, sessionID)
	if err != nil {
		metrics.WorkerSpawns.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.WorkerSpawns.WithLabelValues("ok").Inc()
	metrics.WorkersActive.Inc()
	c.reg.Register(sessionID, h, h.Signature)
	defer func() {
		c.mgr.Stop(h)
		c.reg.Unregister(sessionID)
		metrics.WorkersActive.Dec()
	}()

	return filterSensitive(h.Tools, c.sensitive), nil
}

// ShutdownSession deletes a session and stops any worker still registered
// for it. Idempotent.
func (c *Coordinator) ShutdownSession(ctx context.Context, sessionID string) error {
	if reg, ok := c.reg.Get(sessionID); ok {
		c.mgr.Stop(reg.Handle)
		c.reg.Unregister(sessionID)
	}
	if err := c.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	c.events.SessionDeleted(sessionID)
	log.Printf("[bridge] deleted session %s", sessionID)
	return nil
}

// schemaFor returns the resolution schema for a tool. Unknown tools still
// get credential injection and spoof protection for the configured
// sensitive names; the worker itself rejects tools it does not implement.
func (c *Coordinator) schemaFor(h *worker.Handle, tool string) params.Schema {
	for _, t := range h.Tools {
		if t.Name == tool {
			return params.FromTool(t, c.sensitive)
		}
	}
	return params.CredentialsOnly(c.sensitive)
}

// filterSensitive strips sensitive parameters from declared tool schemas.
func filterSensitive(tools []params.ToolSchema, sensitiveNames []string) []params.ToolSchema {
	sensitive := make(map[string]bool, len(sensitiveNames))
	for _, name := range sensitiveNames {
		sensitive[name] = true
	}

	out := make([]params.ToolSchema, 0, len(tools))
	for _, t := range tools {
		filtered := t
		filtered.Parameters = make([]params.ParamSpec, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			if sensitive[p.Name] {
				continue
			}
			filtered.Parameters = append(filtered.Parameters, p)
		}
		out = append(out, filtered)
	}
	return out
}

func (c *Coordinator) recordAudit(sessionID, tool, outcome string, duration time.Duration) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	entry := &audit.Entry{SessionID: sessionID, Tool: tool, Outcome: outcome, Duration: duration}
	if err := c.audit.Record(ctx, entry); err != nil {
		log.Printf("[bridge] audit record failed: %v", err)
	}
}
