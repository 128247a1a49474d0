package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/metrics"
)

// Operation is a call against a destination. It must honour ctx cancellation.
type Operation func(ctx context.Context) (interface{}, error)

// DestinationConfig configures the resilience primitives of one destination
type DestinationConfig struct {
	MaxConnections     int           `yaml:"max_connections" json:"max_connections"`
	FailureThreshold   int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	RateLimitPerSecond int           `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateLimitMaxWait   time.Duration `yaml:"rate_limit_max_wait" json:"rate_limit_max_wait"`
	CallTimeout        time.Duration `yaml:"call_timeout" json:"call_timeout"`
	Retry              RetryConfig   `yaml:"retry" json:"retry"`
}

// DefaultDestinationConfig returns conservative defaults
func DefaultDestinationConfig() DestinationConfig {
	return DestinationConfig{
		MaxConnections:     10,
		FailureThreshold:   5,
		RecoveryTimeout:    60 * time.Second,
		RateLimitPerSecond: 50,
		RateLimitMaxWait:   5 * time.Second,
		CallTimeout:        30 * time.Second,
		Retry:              DefaultRetryConfig(),
	}
}

// State is a point-in-time view of one destination
type State struct {
	Destination     string      `json:"destination"`
	CircuitState    string      `json:"circuit_state"`
	FailureCount    int         `json:"failure_count"`
	LastFailureTime time.Time   `json:"last_failure_time"`
	RateTokens      []time.Time `json:"rate_tokens"`
	InFlight        int64       `json:"in_flight_count"`
}

type destination struct {
	name     string
	config   DestinationConfig
	breaker  *CircuitBreaker
	limiter  *RateLimiter
	bulkhead *Bulkhead
	retrier  *Retrier
}

// Manager owns the per-destination breaker, limiter and bulkhead and runs
// operations through them. Destinations share nothing but the registry.
type Manager struct {
	mu           sync.RWMutex
	destinations map[string]*destination

	clock   clock.Clock
	metrics *metrics.Metrics
	tracer  oteltrace.Tracer
	logger  *logging.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithClock sets the clock used by every primitive the manager builds
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics enables prometheus recording
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracer sets the tracer used for Execute spans
func WithTracer(t oteltrace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// WithLogger overrides the global logger
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		destinations: make(map[string]*destination),
		clock:        clock.Real(),
		tracer:       otel.Tracer("cohort-sentinel/resilience"),
		logger:       logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs fresh resilience state for name. Registering an existing
// destination replaces its state; calls already in flight finish against the
// old state.
func (m *Manager) Register(name string, cfg DestinationConfig) error {
	if name == "" {
		return errors.NewValidationError("destination name is required")
	}
	if cfg.FailureThreshold < 0 || cfg.MaxConnections < 0 || cfg.RateLimitPerSecond < 0 {
		return errors.NewValidationError("destination limits must not be negative").
			WithDetail("destination", name)
	}

	retryCfg := cfg.Retry
	retryCfg.Clock = m.clock
	if retryCfg.RetryableErrors == nil {
		retryCfg.RetryableErrors = errors.IsTransient
	}
	onRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.metrics.RecordRetry(name)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	d := &destination{
		name:   name,
		config: cfg,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: uint32(cfg.FailureThreshold),
			RecoveryTimeout:  cfg.RecoveryTimeout,
			Clock:            m.clock,
			OnStateChange: func(dest string, _ CircuitState, to CircuitState) {
				m.metrics.SetCircuitState(dest, int(to))
			},
		}),
		limiter: NewRateLimiter(RateLimiterConfig{
			Name:    name,
			Limit:   cfg.RateLimitPerSecond,
			Window:  time.Second,
			MaxWait: cfg.RateLimitMaxWait,
			Clock:   m.clock,
		}),
		bulkhead: NewBulkhead(name, cfg.MaxConnections),
		retrier:  NewRetrier(retryCfg),
	}

	m.mu.Lock()
	_, replaced := m.destinations[name]
	m.destinations[name] = d
	m.mu.Unlock()

	m.metrics.SetCircuitState(name, int(StateClosed))
	m.logger.Info("Destination registered",
		"destination", name,
		"replaced", replaced,
		"max_connections", cfg.MaxConnections,
		"failure_threshold", cfg.FailureThreshold,
		"recovery_timeout", cfg.RecoveryTimeout.String(),
		"rate_limit_per_second", cfg.RateLimitPerSecond,
	)
	return nil
}

func (m *Manager) lookup(name string) (*destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.destinations[name]
	if !ok {
		return nil, errors.NewNotFoundError("destination").WithDetail("destination", name)
	}
	return d, nil
}

// Execute runs op against destination with up to retryCount retries.
// An open circuit fails fast with a circuit_open error, and a rate limit slot
// that does not free up in time yields a rate_limit error.
func (m *Manager) Execute(ctx context.Context, destination string, op Operation, retryCount int) (interface{}, error) {
	d, err := m.lookup(destination)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "resilience.execute",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("resilience.destination", destination),
			attribute.Int("resilience.retry_count", retryCount),
		),
	)
	defer span.End()

	start := time.Now()
	result, outcome, err := m.execute(ctx, d, op, retryCount)
	m.metrics.RecordResilienceCall(destination, outcome, time.Since(start))
	m.metrics.UpdateDestinationUsage(destination, d.bulkhead.InFlight(), len(d.limiter.Tokens()))

	span.SetAttributes(attribute.String("resilience.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (m *Manager) execute(ctx context.Context, d *destination, op Operation, retryCount int) (interface{}, string, error) {
	ticket, err := d.breaker.Allow()
	if err != nil {
		return nil, "circuit_open", err
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.breaker.Release(ticket)
		if errors.IsType(err, errors.ErrorTypeRateLimit) {
			m.logger.Warn("Rate limit wait exceeded", "destination", d.name, "error", err)
			return nil, "rate_limited", err
		}
		return nil, "cancelled", err
	}

	if retryCount < 0 {
		retryCount = 0
	}

	var result interface{}
	err = d.retrier.WithMaxAttempts(retryCount+1).Execute(ctx, func(ctx context.Context) error {
		r, err := m.attempt(ctx, d, op)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	switch {
	case err == nil:
		d.breaker.Success(ticket)
		return result, "success", nil
	case ctx.Err() != nil:
		d.breaker.Release(ticket)
		return nil, "cancelled", err
	case errors.IsType(err, errors.ErrorTypePermanent):
		d.breaker.Release(ticket)
		return nil, "permanent_error", err
	default:
		d.breaker.Failure(ticket)
		m.logger.Warn("Destination call failed",
			"destination", d.name,
			"attempts", retryCount+1,
			"failure_count", d.breaker.FailureCount(),
			"error", err,
		)
		return nil, "failure", err
	}
}

type attemptResult struct {
	value interface{}
	err   error
}

// attempt holds one bulkhead slot for the lifetime of op and bounds the
// caller's wait by the destination's call timeout
func (m *Manager) attempt(ctx context.Context, d *destination, op Operation) (interface{}, error) {
	if err := d.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.config.CallTimeout)
	}

	done := make(chan attemptResult, 1)
	go func() {
		defer d.bulkhead.Release()
		value, err := op(callCtx)
		done <- attemptResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		cancel()
		if res.err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errors.NewTimeoutError(d.name + " call").WithCause(res.err)
		}
		return res.value, res.err
	case <-callCtx.Done():
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewTimeoutError(d.name + " call").WithCause(callCtx.Err())
	}
}

// Do is a typed wrapper around Manager.Execute
func Do[T any](ctx context.Context, m *Manager, destination string, retryCount int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := m.Execute(ctx, destination, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	}, retryCount)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// State returns a snapshot of one destination
func (m *Manager) State(destination string) (State, error) {
	d, err := m.lookup(destination)
	if err != nil {
		return State{}, err
	}

	return State{
		Destination:     d.name,
		CircuitState:    d.breaker.State().String(),
		FailureCount:    int(d.breaker.FailureCount()),
		LastFailureTime: d.breaker.LastFailureTime(),
		RateTokens:      d.limiter.Tokens(),
		InFlight:        d.bulkhead.InFlight(),
	}, nil
}

// Destinations returns the registered destination names in sorted order
func (m *Manager) Destinations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.destinations))
	for name := range m.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectMetrics refreshes per-destination gauges; used by metrics.MetricsCollector
func (m *Manager) CollectMetrics(mt *metrics.Metrics) {
	for _, name := range m.Destinations() {
		state, err := m.State(name)
		if err != nil {
			continue
		}
		mt.UpdateDestinationUsage(name, state.InFlight, len(state.RateTokens))
	}
}
