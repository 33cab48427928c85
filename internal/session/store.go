package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix is the Redis key prefix for session records.
	DefaultKeyPrefix = "mcpsession:"

	// DefaultIdleTTL is the idle time-to-live applied when no TTL is
	// configured. Sessions expire only after this long without any access.
	DefaultIdleTTL = 24 * time.Hour
)

var (
	// ErrNotFound is returned when a session does not exist or has expired.
	// The two cases are indistinguishable: a record with zero remaining TTL
	// is gone.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyActive is returned by Create when a non-expired record with
	// the same id exists. Callers should treat it as success-equivalent and
	// skip redundant re-initialization.
	ErrAlreadyActive = errors.New("session already active")

	// ErrUnavailable is returned when Redis cannot be reached. It is
	// distinct from ErrNotFound so callers can fail fast instead of asking
	// the client to re-initialize.
	ErrUnavailable = errors.New("session store unavailable")
)

// Record is the session state stored in Redis.
type Record struct {
	SessionID string `json:"session_id"`

	// Credentials holds opaque sensitive values (upstream API base, bearer
	// token). Never logged; always authoritative over caller-supplied
	// arguments.
	Credentials map[string]string `json:"credentials"`

	// CachedParameters maps parameter name to last-known value. Last write
	// wins; insertion order is irrelevant.
	CachedParameters map[string]any `json:"cached_parameters"`

	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Store manages session records in Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	idleTTL   time.Duration
}

// New creates a session store using the provided Redis client. Zero values
// for keyPrefix and idleTTL fall back to the package defaults.
func New(client *redis.Client, keyPrefix string, idleTTL time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Store{client: client, keyPrefix: keyPrefix, idleTTL: idleTTL}
}

// Dial connects to Redis, verifies the connection, and returns a ready store.
func Dial(addr, password string, db int, keyPrefix string, idleTTL time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return New(client, keyPrefix, idleTTL), nil
}

// IdleTTL returns the configured idle TTL.
func (s *Store) IdleTTL() time.Duration {
	return s.idleTTL
}

// Create stores a new session record with the full idle TTL. If a live
// record already exists it is left untouched and ErrAlreadyActive is
// returned.
func (s *Store) Create(ctx context.Context, sessionID string, credentials map[string]string) error {
	now := time.Now().UTC()
	record := Record{
		SessionID:        sessionID,
		Credentials:      credentials,
		CachedParameters: map[string]any{},
		CreatedAt:        now,
		LastAccessed:     now,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", sessionID, err)
	}

	// SETNX with TTL in one atomic operation so the record is born expiring.
	ok, err := s.client.SetNX(ctx, s.key(sessionID), data, s.idleTTL).Result()
	if err != nil {
		return s.unavailable("create", err)
	}
	if !ok {
		return ErrAlreadyActive
	}
	return nil
}

// Get retrieves a session record and resets its idle TTL to the full
// configured duration. This is what keeps active sessions alive. Returns
// ErrNotFound for missing or expired sessions.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	key := s.key(sessionID)

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.unavailable("get", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		// Corrupted payload: delete it and report the session gone rather
		// than failing every subsequent call for this id.
		s.client.Del(ctx, key)
		return nil, ErrNotFound
	}

	record.LastAccessed = time.Now().UTC()
	updated, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("session: marshal %s: %w", sessionID, err)
	}
	if err := s.client.SetEx(ctx, key, updated, s.idleTTL).Err(); err != nil {
		return nil, s.unavailable("get", err)
	}

	return &record, nil
}

// Update shallow-merges patch into the session's cached parameters (new keys
// override existing, last write wins) and resets the idle TTL. Returns the
// merged record.
func (s *Store) Update(ctx context.Context, sessionID string, patch map[string]any) (*Record, error) {
	record, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if record.CachedParameters == nil {
		record.CachedParameters = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		record.CachedParameters[k] = v
	}
	record.LastAccessed = time.Now().UTC()

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("session: marshal %s: %w", sessionID, err)
	}
	if err := s.client.SetEx(ctx, s.key(sessionID), data, s.idleTTL).Err(); err != nil {
		return nil, s.unavailable("update", err)
	}

	return record, nil
}

// Touch resets the session's idle TTL without reading the payload. Returns
// whether the session existed.
func (s *Store) Touch(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.client.Expire(ctx, s.key(sessionID), s.idleTTL).Result()
	if err != nil {
		return false, s.unavailable("touch", err)
	}
	return ok, nil
}

// Delete removes a session record. Deleting a missing session is not an
// error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return s.unavailable("delete", err)
	}
	return nil
}

// Exists reports whether a session record exists without resetting its TTL.
// The reaper uses this so that checking for orphans does not keep sessions
// alive.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, s.unavailable("exists", err)
	}
	return n > 0, nil
}

// TTL returns the remaining time-to-live for a session. Negative values
// follow Redis semantics (-2 missing key, -1 no expiry). Does not reset the
// TTL; this is for monitoring only.
func (s *Store) TTL(ctx context.Context, sessionID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.key(sessionID)).Result()
	if err != nil {
		return 0, s.unavailable("ttl", err)
	}
	return ttl, nil
}

// Count returns the number of live session records, scanning by key prefix.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, s.unavailable("count", err)
	}
	return count, nil
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *Store) unavailable(op string, err error) error {
	return fmt.Errorf("session: %s: %w: %v", op, ErrUnavailable, err)
}
