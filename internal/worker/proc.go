package worker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Stop terminates a worker gracefully: close stdin, SIGTERM, wait the
// configured grace period, then SIGKILL the process group if it is still
// alive. A worker that is already gone counts as success. Stop is idempotent
// and safe to call from a defer on every exit path.
func (m *Manager) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	if h.stdin != nil {
		h.stdin.Close()
	}

	if err := unix.Kill(h.PID, unix.SIGTERM); err != nil {
		// Already gone; just reap.
		<-h.waitCh
		return
	}

	select {
	case <-h.waitCh:
	case <-time.After(m.cfg.StopGrace):
		killGroup(h.PID)
		<-h.waitCh
	}
}

// kill force-terminates the worker without a grace period. Used on the
// timeout path, where the caller must not return until the process is
// confirmed dead.
func (m *Manager) kill(h *Handle) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	if h.stdin != nil {
		h.stdin.Close()
	}
	killGroup(h.PID)
	<-h.waitCh
}

// killGroup SIGKILLs the worker's process group (the worker runs in its own
// session), falling back to the single PID if the group signal fails.
func killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		unix.Kill(pid, unix.SIGKILL)
	}
}

// IsAlive reports whether the worker process still exists. Used by the
// reaper before deciding an entry needs killing.
func (m *Manager) IsAlive(h *Handle) bool {
	if h == nil || h.PID <= 0 {
		return false
	}
	err := unix.Kill(h.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// MatchesSignature verifies that the handle's PID still refers to the
// process we started by comparing its current command line against the
// expected invocation signature. This is the PID-reuse defence: the reaper
// never signals a process it cannot positively confirm.
func (m *Manager) MatchesSignature(h *Handle, expected string) bool {
	if h == nil || h.PID <= 0 || expected == "" {
		return false
	}
	cmdline, err := readCmdline(h.PID)
	if err != nil {
		return false
	}
	return cmdline == expected
}

// readCmdline reads /proc/<pid>/cmdline and joins the NUL-separated argv
// with single spaces.
func readCmdline(pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	argv := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	return strings.TrimSpace(strings.Join(argv, " ")), nil
}
