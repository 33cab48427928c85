package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/insight-digger/mcp-bridge/internal/registry"
	"github.com/insight-digger/mcp-bridge/internal/session"
	"github.com/insight-digger/mcp-bridge/internal/worker"
)

const testPrefix = "test_bridge:"

// echoWorker declares one tool (including credential-class parameters) and
// answers every request with a fixed result plus an "echo" copy of the raw
// request, so tests can observe exactly which arguments reached the tool.
const echoWorker = `#!/bin/sh
echo '{"event":"ready","tools":[{"name":"ask","parameters":[{"name":"question","required":true},{"name":"lang","default":"en"},{"name":"jwtToken"},{"name":"apiUrl"}]}]}'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
  printf '{"id":"%s","result":{"status":"ok","answer":"A1","echo":%s}}\n' "$id" "$line"
done
`

// hangingWorker handshakes and then never responds.
const hangingWorker = `#!/bin/sh
echo '{"event":"ready","tools":[]}'
while IFS= read -r line; do :; done
`

func writeScript(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// newTestCoordinator wires a coordinator against a local Redis and a stub
// worker script. Tests that call this helper require a running Redis on
// localhost:6379.
func newTestCoordinator(t *testing.T, script string, invokeTimeout time.Duration) (*Coordinator, *session.Store, *registry.Registry) {
	t.Helper()
	store, err := session.Dial("localhost:6379", "", 0, testPrefix, time.Minute)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	ctx := context.Background()
	flush := func() {
		iter := store.Client().Scan(ctx, 0, testPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			store.Client().Del(ctx, iter.Val())
		}
	}
	flush()
	t.Cleanup(func() {
		flush()
		store.Close()
	})

	mgr := worker.NewManager(worker.Config{
		Command:      "/bin/sh",
		Args:         []string{writeScript(t, script)},
		SpawnTimeout: 5 * time.Second,
		StopGrace:    time.Second,
	})
	reg := registry.New()
	c := New(store, reg, mgr, nil, nil, invokeTimeout, []string{"jwtToken", "apiUrl"})
	return c, store, reg
}

// echoedParams digs the argument set out of the stub worker's echoed request.
func echoedParams(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	echo, ok := result["echo"].(map[string]any)
	if !ok {
		t.Fatalf("no echo in result: %v", result)
	}
	sent, ok := echo["params"].(map[string]any)
	if !ok {
		t.Fatalf("no params in echoed request: %v", echo)
	}
	return sent
}

func TestCallTool_InjectsCredentialsAndCachesOutputs(t *testing.T) {
	c, store, _ := newTestCoordinator(t, echoWorker, 5*time.Second)
	ctx := context.Background()

	creds := map[string]string{"jwtToken": "T1", "apiUrl": "https://api.example.com"}
	if err := c.InitSession(ctx, "s1", creds); err != nil {
		t.Fatalf("InitSession() error: %v", err)
	}

	result, err := c.CallTool(ctx, "s1", "ask", map[string]any{"question": "Q1"})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	sent := echoedParams(t, result)
	if sent["question"] != "Q1" {
		t.Errorf("expected question=Q1 sent, got %v", sent["question"])
	}
	if sent["jwtToken"] != "T1" {
		t.Errorf("expected jwtToken injected from session, got %v", sent["jwtToken"])
	}
	if sent["lang"] != "en" {
		t.Errorf("expected schema default lang=en, got %v", sent["lang"])
	}

	record, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if record.CachedParameters["question"] != "Q1" {
		t.Errorf("expected question cached, got %v", record.CachedParameters["question"])
	}
	if record.CachedParameters["answer"] != "A1" {
		t.Errorf("expected result key answer cached, got %v", record.CachedParameters["answer"])
	}
	if _, ok := record.CachedParameters["status"]; ok {
		t.Error("reserved status field must not be cached")
	}
	if _, ok := record.CachedParameters["jwtToken"]; ok {
		t.Error("credentials must never enter the parameter cache")
	}

	// A second call with no arguments gets the cached question injected.
	result, err = c.CallTool(ctx, "s1", "ask", nil)
	if err != nil {
		t.Fatalf("second CallTool() error: %v", err)
	}
	sent = echoedParams(t, result)
	if sent["question"] != "Q1" {
		t.Errorf("expected cached question injected, got %v", sent["question"])
	}
	if sent["jwtToken"] != "T1" {
		t.Errorf("expected jwtToken injected again, got %v", sent["jwtToken"])
	}
}

func TestCallTool_SensitiveSpoofIgnored(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoWorker, 5*time.Second)
	ctx := context.Background()

	if err := c.InitSession(ctx, "s_spoof", map[string]string{"jwtToken": "T1"}); err != nil {
		t.Fatalf("InitSession() error: %v", err)
	}

	result, err := c.CallTool(ctx, "s_spoof", "ask", map[string]any{"question": "q", "jwtToken": "EVIL"})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	sent := echoedParams(t, result)
	if sent["jwtToken"] != "T1" {
		t.Errorf("caller-supplied credential won over session: %v", sent["jwtToken"])
	}
}

func TestCallTool_MissingSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoWorker, 5*time.Second)

	_, err := c.CallTool(context.Background(), "s_nope", "ask", nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCallTool_TimeoutReleasesWorker(t *testing.T) {
	c, _, reg := newTestCoordinator(t, hangingWorker, 300*time.Millisecond)
	ctx := context.Background()

	if err := c.InitSession(ctx, "s_hang", nil); err != nil {
		t.Fatalf("InitSession() error: %v", err)
	}

	_, err := c.CallTool(ctx, "s_hang", "ask", nil)
	if !errors.Is(err, worker.ErrInvokeTimeout) {
		t.Fatalf("expected ErrInvokeTimeout, got %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected worker unregistered after timeout, got %d entries", reg.Len())
	}
}

func TestInitSession_AlreadyActiveKeepsState(t *testing.T) {
	c, store, _ := newTestCoordinator(t, echoWorker, 5*time.Second)
	ctx := context.Background()

	if err := c.InitSession(ctx, "s_dup", map[string]string{"jwtToken": "T1"}); err != nil {
		t.Fatalf("InitSession() error: %v", err)
	}
	if _, err := c.CallTool(ctx, "s_dup", "ask", map[string]any{"question": "Q1"}); err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}

	// Re-initializing a live session is success-equivalent and must not
	// replace credentials or drop cached parameters.
	if err := c.InitSession(ctx, "s_dup", map[string]string{"jwtToken": "T2"}); err != nil {
		t.Fatalf("second InitSession() error: %v", err)
	}

	record, err := store.Get(ctx, "s_dup")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if record.Credentials["jwtToken"] != "T1" {
		t.Errorf("credentials replaced on re-init: %q", record.Credentials["jwtToken"])
	}
	if record.CachedParameters["question"] != "Q1" {
		t.Errorf("cached parameters lost on re-init: %v", record.CachedParameters)
	}
}

func TestListTools_StripsSensitiveParams(t *testing.T) {
	c, _, reg := newTestCoordinator(t, echoWorker, 5*time.Second)
	ctx := context.Background()

	if err := c.InitSession(ctx, "s_tools", nil); err != nil {
		t.Fatalf("InitSession() error: %v", err)
	}

	tools, err := c.ListTools(ctx, "s_tools")
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ask" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	for _, p := range tools[0].Parameters {
		if p.Name == "jwtToken" || p.Name == "apiUrl" {
			t.Errorf("sensitive parameter %s advertised to clients", p.Name)
		}
	}
	if len(tools[0].Parameters) != 2 {
		t.Errorf("expected question and lang to survive, got %+v", tools[0].Parameters)
	}
	if reg.Len() != 0 {
		t.Errorf("expected worker released after ListTools, got %d entries", reg.Len())
	}

	if _, err := c.ListTools(ctx, "s_tools_missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing session, got %v", err)
	}
}

func TestShutdownSession_Idempotent(t *testing.T) {
	c, store, _ := newTestCoordinator(t, echoWorker, 5*time.Second)
	ctx := context.Background()

	if err := c.InitSession(ctx, "s_bye", nil); err != nil {
		t.Fatalf("InitSession() error: %v", err)
	}
	if err := c.ShutdownSession(ctx, "s_bye"); err != nil {
		t.Fatalf("ShutdownSession() error: %v", err)
	}
	if _, err := store.Get(ctx, "s_bye"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected session gone after shutdown, got %v", err)
	}
	// Shutting down an already-gone session succeeds.
	if err := c.ShutdownSession(ctx, "s_bye"); err != nil {
		t.Errorf("second ShutdownSession() error: %v", err)
	}
}
