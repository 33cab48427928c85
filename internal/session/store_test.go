package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testPrefix = "test_mcpsession:"

// newTestStore creates a Store connected to a local Redis instance with the
// given idle TTL and flushes all test keys before returning. Tests that call
// this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T, idleTTL time.Duration) *Store {
	t.Helper()
	store, err := Dial("localhost:6379", "", 0, testPrefix, idleTTL)
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
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	creds := map[string]string{"jwtToken": "T1", "apiUrl": "https://api.example.com"}
	if err := store.Create(ctx, "s1", creds); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	record, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if record.SessionID != "s1" {
		t.Errorf("expected session_id=s1, got %q", record.SessionID)
	}
	if record.Credentials["jwtToken"] != "T1" {
		t.Errorf("expected jwtToken=T1, got %q", record.Credentials["jwtToken"])
	}
	if record.CachedParameters == nil || len(record.CachedParameters) != 0 {
		t.Errorf("expected empty cached_parameters, got %v", record.CachedParameters)
	}
	if record.CreatedAt.IsZero() || record.LastAccessed.IsZero() {
		t.Error("expected created_at and last_accessed to be set")
	}
}

func TestGet_Missing(t *testing.T) {
	store := newTestStore(t, time.Minute)

	_, err := store.Get(context.Background(), "s_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreate_AlreadyActive(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Create(ctx, "s_dup", map[string]string{"jwtToken": "T1"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	// Accumulate some cached state so we can see it survive.
	if _, err := store.Update(ctx, "s_dup", map[string]any{"question": "Q1"}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	// Second create with different credentials must not overwrite.
	err := store.Create(ctx, "s_dup", map[string]string{"jwtToken": "T2"})
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	record, err := store.Get(ctx, "s_dup")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if record.Credentials["jwtToken"] != "T1" {
		t.Errorf("credentials overwritten: got %q, want T1", record.Credentials["jwtToken"])
	}
	if record.CachedParameters["question"] != "Q1" {
		t.Errorf("cached parameters lost: %v", record.CachedParameters)
	}
}

func TestGet_ResetsIdleTTL(t *testing.T) {
	store := newTestStore(t, 2*time.Second)
	ctx := context.Background()

	if err := store.Create(ctx, "s_ttl", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Keep accessing past the original deadline; each Get resets the clock.
	time.Sleep(1200 * time.Millisecond)
	if _, err := store.Get(ctx, "s_ttl"); err != nil {
		t.Fatalf("Get() after 1.2s error: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
	if _, err := store.Get(ctx, "s_ttl"); err != nil {
		t.Fatalf("Get() after second 1.2s error: %v", err)
	}

	ttl, err := store.TTL(ctx, "s_ttl")
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= time.Second || ttl > 2*time.Second {
		t.Errorf("expected TTL reset to ~2s, got %v", ttl)
	}
}

func TestGet_ExpiredIsNotFound(t *testing.T) {
	store := newTestStore(t, time.Second)
	ctx := context.Background()

	if err := store.Create(ctx, "s_expire", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)

	if _, err := store.Get(ctx, "s_expire"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
	// An expired id is free again.
	if err := store.Create(ctx, "s_expire", nil); err != nil {
		t.Errorf("Create() after expiry error: %v", err)
	}
}

func TestUpdate_ShallowMerge(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Create(ctx, "s_merge", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := store.Update(ctx, "s_merge", map[string]any{"a": "1", "b": "old"}); err != nil {
		t.Fatalf("first Update() error: %v", err)
	}
	record, err := store.Update(ctx, "s_merge", map[string]any{"b": "new", "c": "3"})
	if err != nil {
		t.Fatalf("second Update() error: %v", err)
	}

	if record.CachedParameters["a"] != "1" {
		t.Errorf("expected a=1 preserved, got %v", record.CachedParameters["a"])
	}
	if record.CachedParameters["b"] != "new" {
		t.Errorf("expected b=new (last write wins), got %v", record.CachedParameters["b"])
	}
	if record.CachedParameters["c"] != "3" {
		t.Errorf("expected c=3, got %v", record.CachedParameters["c"])
	}
}

func TestUpdate_Missing(t *testing.T) {
	store := newTestStore(t, time.Minute)

	_, err := store.Update(context.Background(), "s_no_such", map[string]any{"a": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTouch(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Create(ctx, "s_touch", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	ok, err := store.Touch(ctx, "s_touch")
	if err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if !ok {
		t.Error("expected Touch()=true for live session")
	}

	ok, err = store.Touch(ctx, "s_touch_missing")
	if err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if ok {
		t.Error("expected Touch()=false for missing session")
	}
}

func TestDelete_Idempotent(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Create(ctx, "s_del", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Delete(ctx, "s_del"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := store.Get(ctx, "s_del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Second delete is a no-op.
	if err := store.Delete(ctx, "s_del"); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
}

func TestExists_DoesNotResetTTL(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Create(ctx, "s_exists", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	before, _ := store.TTL(ctx, "s_exists")
	time.Sleep(1100 * time.Millisecond)

	ok, err := store.Exists(ctx, "s_exists")
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if !ok {
		t.Fatal("expected Exists()=true")
	}
	after, _ := store.TTL(ctx, "s_exists")
	if after >= before {
		t.Errorf("Exists() must not reset TTL: before=%v after=%v", before, after)
	}

	ok, err = store.Exists(ctx, "s_exists_missing")
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if ok {
		t.Error("expected Exists()=false for missing session")
	}
}

func TestGet_CorruptPayloadCleanedUp(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	// Plant garbage under a session key directly.
	if err := store.Client().Set(ctx, testPrefix+"s_corrupt", "{not json", time.Minute).Err(); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if _, err := store.Get(ctx, "s_corrupt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for corrupt record, got %v", err)
	}
	// The bad key is gone, so the id is usable again.
	n, err := store.Client().Exists(ctx, testPrefix+"s_corrupt").Result()
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if n != 0 {
		t.Error("expected corrupt record to be deleted")
	}
}

func TestCount(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"s_count_1", "s_count_2", "s_count_3"} {
		if err := store.Create(ctx, id, nil); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count=3, got %d", count)
	}
}
