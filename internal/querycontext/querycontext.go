// Package querycontext pins the subject entity and time window of one
// investigation. Every tool call is parameterised from the same QueryContext,
// and tool results naming a different entity are rejected as drift.
package querycontext

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

// QueryContext is immutable once built. Fields are unexported so callers can
// only read them through accessors.
type QueryContext struct {
	investigationID uuid.UUID
	entityID        string
	entityType      string
	dateRangeDays   int
	createdAt       time.Time
	clock           clock.Clock
}

// Option configures a QueryContext
type Option func(*QueryContext)

// WithClock sets the clock used for tool execution timestamps
func WithClock(c clock.Clock) Option {
	return func(q *QueryContext) { q.clock = c }
}

// New builds the context for one investigation
func New(investigationID uuid.UUID, entityID, entityType string, dateRangeDays int, createdAt time.Time, opts ...Option) (*QueryContext, error) {
	if investigationID == uuid.Nil {
		return nil, errors.NewValidationError("investigation id is required")
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, errors.NewValidationError("entity id is required")
	}
	if dateRangeDays <= 0 {
		return nil, errors.NewValidationError("date range must be at least one day")
	}
	if createdAt.IsZero() {
		return nil, errors.NewValidationError("created_at is required")
	}

	q := &QueryContext{
		investigationID: investigationID,
		entityID:        entityID,
		entityType:      entityType,
		dateRangeDays:   dateRangeDays,
		createdAt:       createdAt,
		clock:           clock.Real(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *QueryContext) InvestigationID() uuid.UUID { return q.investigationID }
func (q *QueryContext) EntityID() string           { return q.entityID }
func (q *QueryContext) EntityType() string         { return q.entityType }
func (q *QueryContext) DateRangeDays() int         { return q.dateRangeDays }
func (q *QueryContext) CreatedAt() time.Time       { return q.createdAt }

// StartDate is created_at minus the date range
func (q *QueryContext) StartDate() time.Time {
	return q.createdAt.AddDate(0, 0, -q.dateRangeDays)
}

// EndDate is created_at
func (q *QueryContext) EndDate() time.Time {
	return q.createdAt
}

// ToolContext is the parameter set handed to a single tool invocation
type ToolContext struct {
	InvestigationID uuid.UUID `json:"investigation_id"`
	Tool            string    `json:"tool"`
	EntityID        string    `json:"entity_id"`
	EntityType      string    `json:"entity_type"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// ForTool derives the parameters for tool. Tools must be invoked with a
// ToolContext obtained here, never one assembled by hand.
func (q *QueryContext) ForTool(tool string) ToolContext {
	return ToolContext{
		InvestigationID: q.investigationID,
		Tool:            tool,
		EntityID:        q.entityID,
		EntityType:      q.entityType,
		StartDate:       q.StartDate(),
		EndDate:         q.EndDate(),
		ExecutedAt:      q.clock.Now(),
	}
}

// Validate reports whether usedEntity names the canonical entity. Case and
// whitespace differences match; anything else is an entity_drift error.
func (q *QueryContext) Validate(usedEntity string) error {
	if Normalize(usedEntity) != Normalize(q.entityID) {
		return errors.NewEntityDriftError(q.entityID, usedEntity).
			WithDetail("investigation_id", q.investigationID.String())
	}
	return nil
}

// Normalize trims, collapses inner whitespace runs to one space and case folds
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " "))
}
