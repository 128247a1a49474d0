package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// Alert is an operator notification raised for an anomaly
type Alert struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    types.Severity    `json:"severity"`
	Component   string            `json:"component"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// NotificationChannel delivers alerts
type NotificationChannel interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// Config holds alerting configuration
type Config struct {
	Enabled     bool           `json:"enabled"`
	MinSeverity types.Severity `json:"min_severity"`
	MaxActive   int            `json:"max_active"`
	SendTimeout time.Duration  `json:"send_timeout"`
}

// DefaultConfig returns default alerting configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		MinSeverity: types.SeverityHigh,
		MaxActive:   1000,
		SendTimeout: 10 * time.Second,
	}
}

var severityLevels = map[types.Severity]int{
	types.SeverityLow:      1,
	types.SeverityMedium:   2,
	types.SeverityHigh:     3,
	types.SeverityCritical: 4,
}

// MeetsThreshold reports whether severity is at least min. An unknown min
// admits everything.
func MeetsThreshold(severity, min types.Severity) bool {
	level, ok := severityLevels[severity]
	if !ok {
		return false
	}
	minLevel, ok := severityLevels[min]
	if !ok {
		return true
	}
	return level >= minLevel
}

// Service tracks active alerts and fans them out to channels
type Service struct {
	channels []NotificationChannel
	active   map[string]*Alert
	logger   *logging.Logger
	config   *Config
	clock    clock.Clock
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewService creates a new alerting service
func NewService(logger *logging.Logger, config *Config, clk clock.Clock) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &Service{
		active: make(map[string]*Alert),
		logger: logger,
		config: config,
		clock:  clk,
	}
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel NotificationChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channel)
}

// AnomalyAlertID is the alert id used for an anomaly
func AnomalyAlertID(anomalyID uuid.UUID) string {
	return "anomaly-" + anomalyID.String()
}

// NotifyAnomaly raises an alert for anomaly when its severity meets the
// configured threshold. It reports whether an alert was raised.
func (s *Service) NotifyAnomaly(ctx context.Context, anomaly *types.Anomaly) (bool, error) {
	if !s.config.Enabled || !MeetsThreshold(anomaly.Severity, s.config.MinSeverity) {
		return false, nil
	}

	alert := &Alert{
		ID:       AnomalyAlertID(anomaly.ID),
		Title:    fmt.Sprintf("%s anomaly on %s", anomaly.Metric, anomaly.CohortKey),
		Severity: anomaly.Severity,
		Description: fmt.Sprintf("observed %.4g against expected %.4g (score %.2f) over %s to %s",
			anomaly.Observed, anomaly.Expected, anomaly.Score,
			anomaly.WindowStart.Format(time.RFC3339), anomaly.WindowEnd.Format(time.RFC3339)),
		Component: "scanner",
		Labels: map[string]string{
			"cohort":   anomaly.CohortKey,
			"metric":   anomaly.Metric,
			"detector": anomaly.Detector,
		},
		Annotations: map[string]string{
			"anomaly_id":  anomaly.ID.String(),
			"persisted_n": fmt.Sprintf("%d", anomaly.PersistedN),
		},
	}

	if err := s.TriggerAlert(ctx, alert); err != nil {
		return false, err
	}
	return true, nil
}

// TriggerAlert registers alert and notifies every channel. Re-triggering an
// active alert refreshes it without notifying again.
func (s *Service) TriggerAlert(ctx context.Context, alert *Alert) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.clock.Now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Component, alert.Timestamp.UnixNano())
	}

	if existing, ok := s.active[alert.ID]; ok {
		existing.Description = alert.Description
		existing.Timestamp = alert.Timestamp
		existing.Labels = alert.Labels
		existing.Annotations = alert.Annotations
		s.mu.Unlock()
		return nil
	}

	if len(s.active) >= s.config.MaxActive {
		s.mu.Unlock()
		s.logger.WithContext(ctx).Warn("Maximum number of active alerts reached, dropping alert")
		return errors.NewAppError(errors.ErrorTypeRateLimit, "ALERT_LIMIT", "maximum number of active alerts reached")
	}

	s.active[alert.ID] = alert
	snapshot := *alert
	s.mu.Unlock()

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"severity":  alert.Severity,
		"component": alert.Component,
	}).Warn("Alert triggered")

	s.dispatch(ctx, &snapshot)
	return nil
}

// ResolveAlert marks an active alert resolved and notifies every channel.
// Resolving an unknown alert returns a not-found error.
func (s *Service) ResolveAlert(ctx context.Context, alertID string, annotations map[string]string) error {
	s.mu.Lock()
	alert, ok := s.active[alertID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("alert")
	}

	now := s.clock.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	if len(annotations) > 0 {
		// earlier notifications may still be reading the old map
		merged := make(map[string]string, len(alert.Annotations)+len(annotations))
		for k, v := range alert.Annotations {
			merged[k] = v
		}
		for k, v := range annotations {
			merged[k] = v
		}
		alert.Annotations = merged
	}
	delete(s.active, alertID)
	snapshot := *alert
	s.mu.Unlock()

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"component": alert.Component,
		"duration":  now.Sub(alert.Timestamp).String(),
	}).Info("Alert resolved")

	s.dispatch(ctx, &snapshot)
	return nil
}

// ActiveAlerts returns active alerts, oldest first
func (s *Service) ActiveAlerts() []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]*Alert, 0, len(s.active))
	for _, alert := range s.active {
		snapshot := *alert
		alerts = append(alerts, &snapshot)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts
}

// GetAlert returns a copy of an active alert
func (s *Service) GetAlert(alertID string) (*Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.active[alertID]
	if !ok {
		return nil, false
	}
	snapshot := *alert
	return &snapshot, true
}

// Wait blocks until every in-flight notification has been delivered or failed
func (s *Service) Wait() {
	s.wg.Wait()
}

// dispatch sends alert to every channel in the background. Delivery outlives
// the triggering request but is bounded by SendTimeout.
func (s *Service) dispatch(ctx context.Context, alert *Alert) {
	s.mu.RLock()
	channels := make([]NotificationChannel, len(s.channels))
	copy(channels, s.channels)
	s.mu.RUnlock()

	sendCtx := context.WithoutCancel(ctx)
	for _, channel := range channels {
		s.wg.Add(1)
		go func(ch NotificationChannel) {
			defer s.wg.Done()

			c, cancel := context.WithTimeout(sendCtx, s.config.SendTimeout)
			defer cancel()

			if err := ch.Send(c, alert); err != nil {
				s.logger.WithContext(sendCtx).WithError(err).WithFields(logrus.Fields{
					"channel":  ch.Name(),
					"alert_id": alert.ID,
				}).Error("Failed to send alert notification")
			}
		}(channel)
	}
}

// Publish resolves the anomaly alert once inv reaches a
// terminal status. Non-terminal updates and anomalies without an active
// alert are ignored, so it can serve as an investigation status publisher.
func (s *Service) Publish(ctx context.Context, inv *types.Investigation) error {
	if !inv.IsTerminal() {
		return nil
	}

	err := s.ResolveAlert(ctx, AnomalyAlertID(inv.AnomalyID), map[string]string{
		"investigation_id":     inv.ID.String(),
		"investigation_status": inv.Status,
		"risk_score":           fmt.Sprintf("%.2f", inv.RiskScore),
	})
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil
	}
	return err
}
