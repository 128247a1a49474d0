package cache

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memBackend) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	m.ttls[key] = expiration
	return nil
}

func (m *memBackend) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", errors.NewNotFoundError("key")
	}
	return v, nil
}

func (m *memBackend) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memBackend) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestService_SetGetDelete(t *testing.T) {
	backend := newMemBackend()
	svc := NewService(backend, nil)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "123"}
	require.NoError(t, svc.Set(ctx, key, map[string]interface{}{"name": "test", "age": 30}, 0))
	assert.Equal(t, time.Hour, backend.ttls["sentinel:test:123"])

	var result map[string]interface{}
	require.NoError(t, svc.Get(ctx, key, &result))
	assert.Equal(t, "test", result["name"])
	assert.Equal(t, float64(30), result["age"])

	require.NoError(t, svc.Delete(ctx, key))
	err := svc.Get(ctx, key, &result)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestService_InvalidatePrefix(t *testing.T) {
	svc := NewService(newMemBackend(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Set(ctx, CacheKey{Prefix: PrefixWindows, ID: strconv.Itoa(i)}, i, time.Minute))
	}
	require.NoError(t, svc.Set(ctx, CacheKey{Prefix: PrefixInvestigation, ID: "x"}, 1, time.Minute))

	n, err := svc.InvalidatePrefix(ctx, PrefixWindows)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var v int
	assert.NoError(t, svc.Get(ctx, CacheKey{Prefix: PrefixInvestigation, ID: "x"}, &v))
}

type countingFetcher struct {
	calls int
}

func (f *countingFetcher) FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error) {
	f.calls++
	return map[string][]types.MetricWindow{
		"conversion_rate": {{Start: from, End: from.Add(time.Hour), Value: 0.42}},
	}, nil
}

func TestWindowSource_ReadThrough(t *testing.T) {
	fetcher := &countingFetcher{}
	source := NewWindowSource(fetcher, NewService(newMemBackend(), nil))
	ctx := context.Background()

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	cohort := types.Cohort{"merchant_id": "m-1"}

	first, err := source.FetchWindows(ctx, cohort, []string{"conversion_rate"}, from, to)
	require.NoError(t, err)
	second, err := source.FetchWindows(ctx, cohort, []string{"conversion_rate"}, from.Add(10*time.Second), to)
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 0.42, second["conversion_rate"][0].Value)
	assert.True(t, first["conversion_rate"][0].Start.Equal(second["conversion_rate"][0].Start))

	_, err = source.FetchWindows(ctx, types.Cohort{"merchant_id": "m-2"}, []string{"conversion_rate"}, from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestInvestigationCache(t *testing.T) {
	c := NewInvestigationCache(NewService(newMemBackend(), nil))
	ctx := context.Background()

	inv := &types.Investigation{ID: uuid.New(), EntityID: "m-1", Status: types.InvestigationStatusRunning}
	require.NoError(t, c.Publish(ctx, inv))

	got, err := c.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, types.InvestigationStatusRunning, got.Status)
}

func TestRedisClient_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	host, portStr, _ := strings.Cut(addr, ":")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx := context.Background()
	client, err := NewRedisClient(ctx, &config.RedisConfig{Host: host, Port: port, DB: 1, PoolSize: 5})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Health(ctx))

	svc := NewService(client, &Config{Namespace: "sentinel-test", DefaultTTL: time.Minute})
	key := CacheKey{Prefix: "it", ID: uuid.NewString()}
	require.NoError(t, svc.Set(ctx, key, []float64{1, 2}, 0))

	var got []float64
	require.NoError(t, svc.Get(ctx, key, &got))
	assert.Equal(t, []float64{1, 2}, got)

	ttl, err := client.TTL(ctx, "sentinel-test:"+key.String())
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, svc.Delete(ctx, key))
	err = svc.Get(ctx, key, &got)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
