package scanner

import (
	"context"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// Job is a detector together with the cohort filters it scans
type Job struct {
	Config  DetectorConfig
	Cohorts []types.Cohort
}

// AnomalyHandler receives every anomaly a scheduled scan emits
type AnomalyHandler func(ctx context.Context, anomaly *types.Anomaly)

// Scheduler runs its jobs on a fixed interval
type Scheduler struct {
	scanner  *Scanner
	jobs     []Job
	interval time.Duration
	handler  AnomalyHandler
	logger   *logging.Logger

	running uatomic.Bool
	runs    uatomic.Int64
	stopCh  chan struct{}
	cancel  context.CancelFunc
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler; handler may be nil
func NewScheduler(scanner *Scanner, jobs []Job, interval time.Duration, handler AnomalyHandler) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		scanner:  scanner,
		jobs:     jobs,
		interval: interval,
		handler:  handler,
		logger:   logging.GetLogger(),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the jobs immediately and then every interval until ctx is done
// or Stop is called
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CAS(false, true) {
		return errors.NewConflictError("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer cancel()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	s.logger.Info("Scan scheduler started", "jobs", len(s.jobs), "interval", s.interval.String())
	return nil
}

// Stop ends the loop, cancels the scan in progress and waits for it to
// return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RunOnce scans every job once and returns the results in job order
func (s *Scheduler) RunOnce(ctx context.Context) []*ScanResult {
	results := make([]*ScanResult, 0, len(s.jobs))
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			break
		}

		result, err := s.scanner.ScanCohorts(ctx, job.Config, job.Cohorts)
		if err != nil {
			s.logger.Error("Scheduled scan failed", "detector", job.Config.Name, "error", err)
		}
		results = append(results, result)

		if s.handler == nil {
			continue
		}
		for _, anomaly := range result.Anomalies {
			s.handler(ctx, anomaly)
		}
	}
	s.runs.Inc()
	return results
}

// Runs returns the number of completed scheduling rounds
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	return s.running.Load()
}
