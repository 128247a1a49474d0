package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

// Backend is the key/value surface Service needs. *RedisClient implements it.
type Backend interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Service stores JSON values under prefixed keys
type Service struct {
	backend Backend
	config  *Config
}

// Config holds cache configuration
type Config struct {
	Namespace        string        `json:"namespace"`
	DefaultTTL       time.Duration `json:"default_ttl"`
	WindowsTTL       time.Duration `json:"windows_ttl"`
	InvestigationTTL time.Duration `json:"investigation_ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:        "sentinel",
		DefaultTTL:       time.Hour,
		WindowsTTL:       5 * time.Minute,
		InvestigationTTL: 24 * time.Hour,
	}
}

// NewService creates a new cache service
func NewService(backend Backend, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		backend: backend,
		config:  config,
	}
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

// Cache key prefixes
const (
	PrefixWindows       = "windows"
	PrefixInvestigation = "investigation"
)

func (s *Service) key(k CacheKey) string {
	if s.config.Namespace == "" {
		return k.String()
	}
	return s.config.Namespace + ":" + k.String()
}

// Set stores value as JSON. A zero ttl uses the default.
func (s *Service) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}

	return s.backend.Set(ctx, s.key(key), string(data), ttl)
}

// Get decodes the value stored under key into dest. A miss is a not_found error.
func (s *Service) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	data, err := s.backend.Get(ctx, s.key(key))
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}
	return nil
}

// Delete removes a value from cache
func (s *Service) Delete(ctx context.Context, key CacheKey) error {
	_, err := s.backend.Del(ctx, s.key(key))
	return err
}

// InvalidatePrefix removes every key under prefix
func (s *Service) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.backend.ScanKeys(ctx, s.key(CacheKey{Prefix: prefix, ID: "*"}))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.backend.Del(ctx, keys...)
	return int(n), err
}
