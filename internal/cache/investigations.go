package cache

import (
	"context"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// InvestigationCache keeps the last known good snapshot of each
// investigation for status polling
type InvestigationCache struct {
	service *Service
}

// NewInvestigationCache creates an investigation snapshot cache
func NewInvestigationCache(service *Service) *InvestigationCache {
	return &InvestigationCache{service: service}
}

// Publish stores a snapshot of inv
func (c *InvestigationCache) Publish(ctx context.Context, inv *types.Investigation) error {
	key := CacheKey{Prefix: PrefixInvestigation, ID: inv.ID.String()}
	return c.service.Set(ctx, key, inv, c.service.config.InvestigationTTL)
}

// Get returns the cached snapshot for id
func (c *InvestigationCache) Get(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	var inv types.Investigation
	if err := c.service.Get(ctx, CacheKey{Prefix: PrefixInvestigation, ID: id.String()}, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
