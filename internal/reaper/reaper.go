// Package reaper detects and terminates orphaned workers: processes whose
// owning session expired or was deleted without the worker being stopped.
// It is the system's only safety net against partial-failure leaks (a crash
// between "worker started" and "worker stopped" in the coordinator) and is
// deliberately best-effort and eventually consistent, not real-time.
package reaper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/insight-digger/mcp-bridge/internal/events"
	"github.com/insight-digger/mcp-bridge/internal/metrics"
	"github.com/insight-digger/mcp-bridge/internal/registry"
	"github.com/insight-digger/mcp-bridge/internal/session"
	"github.com/insight-digger/mcp-bridge/internal/worker"
)

// DefaultInterval is the default tick interval.
const DefaultInterval = 5 * time.Minute

// SessionChecker is the slice of the session store the reaper needs: an
// existence check that must not reset the session's TTL.
type SessionChecker interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// ProcessManager is the slice of the worker manager the reaper needs.
type ProcessManager interface {
	Stop(h *worker.Handle)
	MatchesSignature(h *worker.Handle, expected string) bool
}

// Reaper periodically diffs the process registry against the session store
// and terminates workers whose session no longer exists.
type Reaper struct {
	store    SessionChecker
	reg      *registry.Registry
	mgr      ProcessManager
	interval time.Duration
	events   *events.Client
}

// New creates a reaper. A non-positive interval falls back to
// DefaultInterval; a nil events client disables event publishing.
func New(store SessionChecker, reg *registry.Registry, mgr ProcessManager, interval time.Duration, ev *events.Client) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		store:    store,
		reg:      reg,
		mgr:      mgr,
		interval: interval,
		events:   ev,
	}
}

// Run executes the reap loop until ctx is cancelled. It runs on its own
// goroutine, decoupled from request handling, so a slow tick never adds
// latency to user-facing calls.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[reaper] started (interval %s)", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

// reapOnce runs a single tick: snapshot the registry, check each entry's
// session, and stop workers whose session is gone and whose process
// signature still matches. Individual failures are logged and skipped; a
// store outage aborts the tick entirely, to be retried next interval.
func (r *Reaper) reapOnce(ctx context.Context) (reaped int) {
	start := time.Now()
	entries := r.reg.ListAll()

	for _, entry := range entries {
		exists, err := r.store.Exists(ctx, entry.SessionID)
		if errors.Is(err, session.ErrUnavailable) {
			log.Printf("[reaper] session store unavailable, skipping tick: %v", err)
			return reaped
		}
		if err != nil {
			log.Printf("[reaper] check session %s: %v", entry.SessionID, err)
			continue
		}
		if exists {
			continue
		}

		// Session expired or deleted. Only kill what we can positively
		// confirm is still our worker; a recycled PID gets unregistered
		// untouched.
		if !r.mgr.MatchesSignature(entry.Handle, entry.Signature) {
			log.Printf("[reaper] pid %d no longer matches signature for session %s, unregistering without kill",
				entry.Handle.PID, entry.SessionID)
			r.reg.Unregister(entry.SessionID)
			continue
		}

		r.mgr.Stop(entry.Handle)
		r.reg.Unregister(entry.SessionID)
		reaped++
		metrics.OrphansReaped.Inc()
		log.Printf("[reaper] reaped orphaned worker pid=%d session=%s age=%s",
			entry.Handle.PID, entry.SessionID, time.Since(entry.RegisteredAt).Round(time.Second))
	}

	metrics.ReaperTickDuration.Observe(time.Since(start).Seconds())
	r.events.ReaperTick(len(entries), reaped)
	if reaped > 0 {
		log.Printf("[reaper] tick complete: reaped %d of %d tracked workers", reaped, len(entries))
	}
	return reaped
}
