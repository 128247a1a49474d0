package cache

import (
	"context"
	"strings"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// WindowFetcher is the metric data source being cached
type WindowFetcher interface {
	FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error)
}

// WindowSource caches FetchWindows results so detectors sharing a cohort and
// lookback within one scan cycle hit the warehouse once
type WindowSource struct {
	next    WindowFetcher
	service *Service
	ttl     time.Duration
	logger  *logging.Logger
}

// NewWindowSource wraps next with a read-through cache
func NewWindowSource(next WindowFetcher, service *Service) *WindowSource {
	return &WindowSource{
		next:    next,
		service: service,
		ttl:     service.config.WindowsTTL,
		logger:  logging.GetLogger(),
	}
}

// FetchWindows returns cached windows when present and otherwise delegates.
// Cache failures are logged and never fail the fetch.
func (w *WindowSource) FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error) {
	key := CacheKey{Prefix: PrefixWindows, ID: windowsKey(filter, metrics, from, to)}

	var cached map[string][]types.MetricWindow
	err := w.service.Get(ctx, key, &cached)
	switch {
	case err == nil:
		return cached, nil
	case !errors.IsType(err, errors.ErrorTypeNotFound):
		w.logger.Warn("Window cache read failed", "component", "window-cache", "key", key.String(), "error", err)
	}

	result, err := w.next.FetchWindows(ctx, filter, metrics, from, to)
	if err != nil {
		return nil, err
	}

	if err := w.service.Set(ctx, key, result, w.ttl); err != nil {
		w.logger.Warn("Window cache write failed", "component", "window-cache", "key", key.String(), "error", err)
	}
	return result, nil
}

func windowsKey(filter types.Cohort, metrics []string, from, to time.Time) string {
	return strings.Join([]string{
		filter.Key(),
		strings.Join(metrics, "+"),
		from.UTC().Truncate(time.Minute).Format(time.RFC3339),
		to.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}, "|")
}
