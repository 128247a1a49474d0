// Package guardrails suppresses flapping anomaly signals. It tracks, per
// cohort and metric, how many consecutive windows exceeded the threshold and
// when the pair last alerted.
package guardrails

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// PersistenceState is the guardrail state of one cohort and metric
type PersistenceState struct {
	Consecutive      int       `json:"consecutive"`
	LastWindow       time.Time `json:"last_window"`
	LastAlertAt      time.Time `json:"last_alert_at"`
	LastRaisedWindow time.Time `json:"last_raised_window"`
	Evidence         []float64 `json:"evidence"`

	// marks replaced by the last raise, restored by ReleaseRaise
	PrevAlertAt      time.Time `json:"prev_alert_at"`
	PrevRaisedWindow time.Time `json:"prev_raised_window"`
}

func (s PersistenceState) clone() PersistenceState {
	if s.Evidence != nil {
		s.Evidence = append([]float64(nil), s.Evidence...)
	}
	return s
}

// StateStore persists PersistenceState. Update must apply fn atomically with
// respect to other Updates of the same key.
type StateStore interface {
	Get(ctx context.Context, key string) (PersistenceState, bool, error)
	Update(ctx context.Context, key string, fn func(state *PersistenceState) error) (PersistenceState, error)
}

// Config configures Guardrails
type Config struct {
	// Cooldown is the minimum time between two alerts of the same pair
	Cooldown time.Duration
	// Shards is the number of lock stripes; defaults to 64
	Shards int
	// MaxEvidence bounds the scores retained per pair; defaults to 32
	MaxEvidence int
	Clock       clock.Clock
}

// Guardrails owns every PersistenceState. Updates to one pair are serialised
// by a striped lock, so pairs on different stripes never contend.
type Guardrails struct {
	store       StateStore
	locks       []sync.Mutex
	cooldown    time.Duration
	maxEvidence int
	clock       clock.Clock
	logger      *logging.Logger
}

// New creates Guardrails over store
func New(store StateStore, cfg Config) *Guardrails {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	if cfg.MaxEvidence <= 0 {
		cfg.MaxEvidence = 32
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Guardrails{
		store:       store,
		locks:       make([]sync.Mutex, cfg.Shards),
		cooldown:    cfg.Cooldown,
		maxEvidence: cfg.MaxEvidence,
		clock:       cfg.Clock,
		logger:      logging.GetLogger(),
	}
}

// Key is the state key of a cohort and metric
func Key(cohort types.Cohort, metric string) string {
	return cohort.Key() + "|" + metric
}

func (g *Guardrails) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &g.locks[h.Sum32()%uint32(len(g.locks))]
	mu.Lock()
	return mu.Unlock
}

// CheckPersistence folds the score of window into the pair's run of
// consecutive exceedances and returns the run length. A score below k resets
// the run. Windows at or before the last evaluated one are ignored, so
// rescanning overlapping history never double counts.
func (g *Guardrails) CheckPersistence(ctx context.Context, cohort types.Cohort, metric string, window time.Time, score, k float64) (int, error) {
	key := Key(cohort, metric)
	unlock := g.lock(key)
	defer unlock()

	state, err := g.store.Update(ctx, key, func(s *PersistenceState) error {
		if !s.LastWindow.IsZero() && !window.After(s.LastWindow) {
			return nil
		}
		s.LastWindow = window

		if score >= k {
			s.Consecutive++
			s.Evidence = append(s.Evidence, score)
			if len(s.Evidence) > g.maxEvidence {
				s.Evidence = s.Evidence[len(s.Evidence)-g.maxEvidence:]
			}
			return nil
		}

		s.Consecutive = 0
		s.Evidence = nil
		return nil
	})
	if err != nil {
		return 0, errors.NewInternalError("failed to update persistence state").
			WithCause(err).
			WithDetail("key", key)
	}
	return state.Consecutive, nil
}

// ShouldRaise decides whether window of the pair becomes an anomaly. It holds
// when window is the most recently evaluated one, the run has reached
// persistence, score is at least k, the pair is outside its cool-down and the
// window has not been raised before. A true result claims the alert; callers
// that fail to deliver it hand the claim back with ReleaseRaise.
func (g *Guardrails) ShouldRaise(ctx context.Context, cohort types.Cohort, metric string, window time.Time, score, k float64, persistence int) (bool, error) {
	if score < k {
		return false, nil
	}

	key := Key(cohort, metric)
	unlock := g.lock(key)
	defer unlock()

	now := g.clock.Now()
	raise := false
	_, err := g.store.Update(ctx, key, func(s *PersistenceState) error {
		switch {
		case !window.Equal(s.LastWindow):
		case s.Consecutive < persistence:
		case !s.LastRaisedWindow.IsZero() && !window.After(s.LastRaisedWindow):
		case !s.LastAlertAt.IsZero() && now.Sub(s.LastAlertAt) < g.cooldown:
			g.logger.Debug("Alert suppressed by cool-down",
				"key", key,
				"last_alert_at", s.LastAlertAt,
				"cooldown", g.cooldown.String(),
			)
		default:
			raise = true
			s.PrevAlertAt = s.LastAlertAt
			s.PrevRaisedWindow = s.LastRaisedWindow
			s.LastAlertAt = now
			s.LastRaisedWindow = window
		}
		return nil
	})
	if err != nil {
		return false, errors.NewInternalError("failed to update persistence state").
			WithCause(err).
			WithDetail("key", key)
	}
	return raise, nil
}

// ReleaseRaise undoes the claim ShouldRaise made for window, so the window
// can be raised again on a later scan. It is a no-op once another window has
// been raised for the pair.
func (g *Guardrails) ReleaseRaise(ctx context.Context, cohort types.Cohort, metric string, window time.Time) error {
	key := Key(cohort, metric)
	unlock := g.lock(key)
	defer unlock()

	_, err := g.store.Update(ctx, key, func(s *PersistenceState) error {
		if s.LastRaisedWindow.IsZero() || !window.Equal(s.LastRaisedWindow) {
			return nil
		}
		s.LastAlertAt = s.PrevAlertAt
		s.LastRaisedWindow = s.PrevRaisedWindow
		s.PrevAlertAt = time.Time{}
		s.PrevRaisedWindow = time.Time{}
		return nil
	})
	if err != nil {
		return errors.NewInternalError("failed to release alert claim").
			WithCause(err).
			WithDetail("key", key)
	}
	return nil
}

// State returns a copy of the pair's state
func (g *Guardrails) State(ctx context.Context, cohort types.Cohort, metric string) (PersistenceState, error) {
	state, _, err := g.store.Get(ctx, Key(cohort, metric))
	if err != nil {
		return PersistenceState{}, err
	}
	return state, nil
}
