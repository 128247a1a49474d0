package resilience

import (
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
)

// ConfigFromSpec converts a catalog destination into its resilience settings.
// The attempt count is chosen per call, so it is not part of the spec.
func ConfigFromSpec(spec config.DestinationSpec) DestinationConfig {
	retry := DefaultRetryConfig()
	retry.InitialDelay = spec.Retry.InitialDelay
	retry.MaxDelay = spec.Retry.MaxDelay
	retry.BackoffMultiplier = spec.Retry.BackoffMultiplier
	if spec.Retry.Jitter != nil {
		retry.Jitter = *spec.Retry.Jitter
	}

	return DestinationConfig{
		MaxConnections:     spec.MaxConnections,
		FailureThreshold:   spec.FailureThreshold,
		RecoveryTimeout:    spec.RecoveryTimeout,
		RateLimitPerSecond: spec.RateLimitPerSecond,
		RateLimitMaxWait:   spec.RateLimitMaxWait,
		CallTimeout:        spec.CallTimeout,
		Retry:              retry,
	}
}

// RegisterCatalog registers every destination declared in cat
func (m *Manager) RegisterCatalog(cat *config.Catalog) error {
	for _, spec := range cat.Destinations {
		if err := m.Register(spec.Name, ConfigFromSpec(spec)); err != nil {
			return err
		}
	}
	return nil
}
