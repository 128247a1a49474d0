package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
		timeout:  config.Timeout,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// CheckHealth runs all checks concurrently. Any unhealthy check makes the
// service unhealthy; any degraded check makes it degraded.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)
			check.Name = name

			mutex.Lock()
			defer mutex.Unlock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
		}(name, checker)
	}

	wg.Wait()

	if overallStatus != StatusHealthy {
		s.logger.Warn("Health check not healthy", "status", overallStatus)
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// Pinger is anything with a Health probe: *database.DB, *cache.RedisClient
// and the repositories all qualify
type Pinger interface {
	Health(ctx context.Context) error
}

// PingChecker reports unhealthy when the probe fails
type PingChecker struct {
	target Pinger
}

// NewPingChecker creates a checker over target
func NewPingChecker(target Pinger) *PingChecker {
	return &PingChecker{target: target}
}

// Check implements Checker
func (pc *PingChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{Status: StatusHealthy, Timestamp: start}

	if err := pc.target.Health(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = "probe failed"
		check.Error = err.Error()
	}
	check.Duration = time.Since(start)
	return check
}

// DestinationChecker reports degraded while any downstream circuit is not
// closed. Open circuits never make the service unhealthy: investigations
// still complete with the remaining tools.
type DestinationChecker struct {
	manager *resilience.Manager
}

// NewDestinationChecker creates a checker over the manager's destinations
func NewDestinationChecker(manager *resilience.Manager) *DestinationChecker {
	return &DestinationChecker{manager: manager}
}

// Check implements Checker
func (dc *DestinationChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Status:    StatusHealthy,
		Timestamp: start,
		Metadata:  make(map[string]string),
	}

	var tripped []string
	for _, name := range dc.manager.Destinations() {
		state, err := dc.manager.State(name)
		if err != nil {
			continue
		}
		check.Metadata[name] = state.CircuitState
		if state.CircuitState != resilience.StateClosed.String() {
			tripped = append(tripped, name)
		}
	}

	if len(tripped) > 0 {
		sort.Strings(tripped)
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("circuit not closed: %s", strings.Join(tripped, ", "))
	}
	check.Duration = time.Since(start)
	return check
}

// CustomChecker runs an arbitrary check function
type CustomChecker struct {
	checkFn func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a custom health checker
func NewCustomChecker(checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{checkFn: checkFn}
}

// Check implements Checker
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	status, message, err := cc.checkFn(ctx)

	check := &Check{
		Status:    status,
		Message:   message,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		check.Error = err.Error()
	}
	return check
}
