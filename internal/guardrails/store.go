package guardrails

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

// MemoryStore keeps state in process memory
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]PersistenceState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]PersistenceState)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (PersistenceState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	return state.clone(), ok, nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn func(state *PersistenceState) error) (PersistenceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.states[key].clone()
	if err := fn(&state); err != nil {
		return PersistenceState{}, err
	}
	m.states[key] = state
	return state.clone(), nil
}

// Len returns the number of tracked pairs
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

const redisMaxTxRetries = 10

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore shares state between processes. Updates run as WATCH/MULTI
// transactions and retry when another writer wins the race.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store writing JSON values under prefix with ttl
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "sentinel:guardrails:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, key string) (PersistenceState, bool, error) {
	return r.read(ctx, r.client, r.prefix+key)
}

func (r *RedisStore) read(ctx context.Context, c getter, key string) (PersistenceState, bool, error) {
	var state PersistenceState
	raw, err := c.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return state, false, nil
	}
	if err != nil {
		return state, false, errors.NewExternalError("redis", "failed to read guardrail state").WithCause(err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, false, errors.NewInternalError("corrupt guardrail state").WithCause(err).WithDetail("key", key)
	}
	return state, true, nil
}

func (r *RedisStore) Update(ctx context.Context, key string, fn func(state *PersistenceState) error) (PersistenceState, error) {
	fullKey := r.prefix + key
	var result PersistenceState

	txf := func(tx *redis.Tx) error {
		state, _, err := r.read(ctx, tx, fullKey)
		if err != nil {
			return err
		}
		if err := fn(&state); err != nil {
			return err
		}

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, data, r.ttl)
			return nil
		})
		if err == nil {
			result = state
		}
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, fullKey)
		if err == nil {
			return result, nil
		}
		if stderrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return PersistenceState{}, err
	}

	return PersistenceState{}, errors.NewTransientError("guardrails", "too much contention on guardrail state").
		WithDetail("key", key)
}
