// Package events publishes structured lifecycle events over NATS for an
// external logging/metrics collector: session create/delete, worker
// spawn/stop/timeout, and per-tick reap counts. Publishing is
// fire-and-forget; event-bus trouble never fails a request, and a nil
// client is a silent no-op so the core runs without NATS in development.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for bridge lifecycle events.
const (
	SubjectSessionCreated = "bridge.session.created"
	SubjectSessionDeleted = "bridge.session.deleted"
	SubjectWorkerSpawned  = "bridge.worker.spawned"
	SubjectWorkerStopped  = "bridge.worker.stopped"
	SubjectWorkerTimeout  = "bridge.worker.timeout"
	SubjectReaperTick     = "bridge.reaper.tick"
)

// SessionEvent is the payload for session lifecycle subjects.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

// WorkerEvent is the payload for worker lifecycle subjects.
type WorkerEvent struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Tool      string    `json:"tool,omitempty"`
	At        time.Time `json:"at"`
}

// ReaperTickEvent is the payload published after every reaper tick.
type ReaperTickEvent struct {
	Checked int       `json:"checked"`
	Reaped  int       `json:"reaped"`
	At      time.Time `json:"at"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "mcp-bridge",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client publishes bridge lifecycle events to NATS. All publish methods are
// safe on a nil receiver.
type Client struct {
	conn *nats.Conn
}

// Connect establishes the NATS connection and returns a ready client. It
// returns an error if the initial connection fails.
func Connect(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[events] disconnected: %v", err)
			} else {
				log.Printf("[events] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[events] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("[events] connected to %s", nc.ConnectedUrl())
	return &Client{conn: nc}, nil
}

// SessionCreated publishes a session-created event.
func (c *Client) SessionCreated(sessionID string) {
	c.publish(SubjectSessionCreated, SessionEvent{SessionID: sessionID, At: time.Now().UTC()})
}

// SessionDeleted publishes a session-deleted event.
func (c *Client) SessionDeleted(sessionID string) {
	c.publish(SubjectSessionDeleted, SessionEvent{SessionID: sessionID, At: time.Now().UTC()})
}

// WorkerSpawned publishes a worker-spawned event.
func (c *Client) WorkerSpawned(sessionID string, pid int) {
	c.publish(SubjectWorkerSpawned, WorkerEvent{SessionID: sessionID, PID: pid, At: time.Now().UTC()})
}

// WorkerStopped publishes a worker-stopped event.
func (c *Client) WorkerStopped(sessionID string, pid int) {
	c.publish(SubjectWorkerStopped, WorkerEvent{SessionID: sessionID, PID: pid, At: time.Now().UTC()})
}

// WorkerTimeout publishes a worker-timeout event for the given tool call.
func (c *Client) WorkerTimeout(sessionID string, pid int, tool string) {
	c.publish(SubjectWorkerTimeout, WorkerEvent{SessionID: sessionID, PID: pid, Tool: tool, At: time.Now().UTC()})
}

// ReaperTick publishes the outcome of one reaper tick.
func (c *Client) ReaperTick(checked, reaped int) {
	c.publish(SubjectReaperTick, ReaperTickEvent{Checked: checked, Reaped: reaped, At: time.Now().UTC()})
}

// Close drains and closes the NATS connection. Safe on a nil client.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[events] connection drain: %v", err)
	}
	log.Printf("[events] client closed")
}

func (c *Client) publish(subject string, v any) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[events] marshal %s: %v", subject, err)
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		log.Printf("[events] publish %s: %v", subject, err)
	}
}
