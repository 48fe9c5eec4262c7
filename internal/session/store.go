package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConflict is returned by Save when the stored version moved on since st
// was loaded.
var ErrConflict = errors.New("session changed concurrently")

// Store persists session state between requests and process restarts.
type Store interface {
	// Load returns the stored state and whether it existed.
	Load(ctx context.Context, id string) (State, bool, error)
	// Save writes st as version st.Version+1 if the stored version is still
	// st.Version (a missing session counts as 0), else returns ErrConflict.
	Save(ctx context.Context, st State) error
	Delete(ctx context.Context, id string) error
}

// RedisStore keeps each session as one JSON value with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a Store backed by client. A non-positive ttl keeps
// sessions until deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func (r *RedisStore) Load(ctx context.Context, id string) (State, bool, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return st, true, nil
}

// saveScript writes ARGV[1] only if the stored version equals ARGV[2].
// ARGV[3] is the TTL in milliseconds, 0 for none.
const saveScript = `
local cur = redis.call('GET', KEYS[1])
local version = 0
if cur then
    version = tonumber(cjson.decode(cur).version) or 0
end
if version ~= tonumber(ARGV[2]) then
    return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`

func (r *RedisStore) Save(ctx context.Context, st State) error {
	next := st
	next.Version++
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", st.ID, err)
	}
	res, err := r.client.Eval(ctx, saveScript, []string{sessionKey(st.ID)}, raw, st.Version, r.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", st.ID, err)
	}
	applied, ok := res.(int64)
	if !ok {
		return fmt.Errorf("failed to save session %s: unexpected script result %T", st.ID, res)
	}
	if applied != 1 {
		return ErrConflict
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

// States are stored encoded so callers never share slices with the store.
func (m *MemoryStore) Load(ctx context.Context, id string) (State, bool, error) {
	m.mu.Lock()
	raw, ok := m.data[id]
	m.mu.Unlock()
	if !ok {
		return State{}, false, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (m *MemoryStore) Save(ctx context.Context, st State) error {
	next := st
	next.Version++
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if prev, ok := m.data[st.ID]; ok {
		var cur State
		if err := json.Unmarshal(prev, &cur); err != nil {
			return err
		}
		stored = cur.Version
	}
	if stored != st.Version {
		return ErrConflict
	}
	m.data[st.ID] = raw
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()
	return nil
}
