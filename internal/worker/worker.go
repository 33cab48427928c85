// Package worker manages the short-lived tool worker subprocesses. Each
// worker is spawned for exactly one tool invocation and discarded afterwards:
// process-creation overhead is traded for the elimination of cross-call
// contamination and leak surface.
//
// The transport is newline-delimited JSON over the worker's stdin/stdout. On
// startup the worker announces itself with a ready line declaring its tool
// schemas:
//
//	{"event":"ready","tools":[{"name":"analyze","parameters":[...]}]}
//
// After that the manager writes one request line and waits for the response
// line carrying the same id:
//
//	{"id":"<uuid>","tool":"analyze","params":{...}}
//	{"id":"<uuid>","result":{...}}  or  {"id":"<uuid>","error":"..."}
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/insight-digger/mcp-bridge/internal/params"
)

const (
	// DefaultSpawnTimeout bounds how long a worker may take to emit its
	// ready handshake. Deliberately shorter than any invocation timeout.
	DefaultSpawnTimeout = 30 * time.Second

	// DefaultStopGrace is how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	DefaultStopGrace = 5 * time.Second

	// maxLineBytes caps a single protocol line. Tool results can be large
	// (full analysis payloads), so this is generous.
	maxLineBytes = 8 * 1024 * 1024
)

// Config holds the worker launch settings.
type Config struct {
	// Command and Args form the worker invocation, e.g. "mcp" and
	// ["run", "server.py"].
	Command string
	Args    []string

	// Env entries (KEY=VALUE) appended to the inherited environment.
	Env []string

	SpawnTimeout time.Duration
	StopGrace    time.Duration
}

// Manager spawns, invokes, and terminates worker processes.
type Manager struct {
	cfg       Config
	signature string
}

// NewManager creates a manager for the given worker command. Zero timeouts
// fall back to the package defaults.
func NewManager(cfg Config) *Manager {
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = DefaultSpawnTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Manager{
		cfg:       cfg,
		signature: strings.TrimSpace(cfg.Command + " " + strings.Join(cfg.Args, " ")),
	}
}

// Signature returns the command-line signature expected of every worker this
// manager spawns. The reaper records it at registration time and verifies it
// against /proc before killing, so a recycled PID never gets signalled.
func (m *Manager) Signature() string {
	return m.signature
}

// Handle is an opaque reference to one spawned worker. A handle is owned by
// the single in-flight call that spawned it; ownership passes to the reaper
// only after that call has abandoned it and the session has expired.
type Handle struct {
	SessionID string
	PID       int
	Signature string
	StartedAt time.Time

	// Tools are the schemas the worker declared in its ready handshake.
	Tools []params.ToolSchema

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	waitCh  chan struct{} // closed once cmd.Wait returns
	exitErr error         // valid after waitCh is closed

	mu      sync.Mutex
	stopped bool
}

// Spawn starts one worker process and waits for its ready handshake. On any
// failure the child is killed before the error is returned; a failed spawn
// never leaks a process. Failure is fatal for the current call only.
func (m *Manager) Spawn(ctx context.Context, sessionID string) (*Handle, error) {
	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	cmd.Stderr = os.Stderr
	// Own session so signals to the worker's process group never reach us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}

	h := &Handle{
		SessionID: sessionID,
		PID:       cmd.Process.Pid,
		Signature: m.signature,
		StartedAt: time.Now(),
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan []byte, 4),
		waitCh:    make(chan struct{}),
	}
	go func() {
		h.exitErr = cmd.Wait()
		close(h.waitCh)
	}()
	go readLines(stdout, h.lines)

	ready, err := m.awaitReady(ctx, h)
	if err != nil {
		m.kill(h)
		return nil, &SpawnError{Err: err}
	}
	h.Tools = ready.Tools

	return h, nil
}

func (m *Manager) awaitReady(ctx context.Context, h *Handle) (*readyMessage, error) {
	timer := time.NewTimer(m.cfg.SpawnTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("no ready handshake within %s", m.cfg.SpawnTimeout)
		case <-h.waitCh:
			return nil, fmt.Errorf("worker exited before handshake: %v", h.exitErr)
		case line, ok := <-h.lines:
			if !ok {
				return nil, fmt.Errorf("worker closed stdout before handshake")
			}
			ready, err := parseReady(line)
			if err != nil {
				// Workers may print banners before the handshake; skip
				// anything that is not a ready line.
				continue
			}
			return ready, nil
		}
	}
}

// readLines pumps stdout lines into out and closes it on EOF.
func readLines(r io.Reader, out chan<- []byte) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		out <- line
	}
	close(out)
}
