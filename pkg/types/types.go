package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cohort maps a dimension name (merchant_id, channel, geo) to its value
type Cohort map[string]string

// Key returns the canonical dim=value,dim=value form with dimensions sorted
func (c Cohort) Key() string {
	dims := make([]string, 0, len(c))
	for dim := range c {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	parts := make([]string, len(dims))
	for i, dim := range dims {
		parts[i] = dim + "=" + c[dim]
	}
	return strings.Join(parts, ",")
}

// Matches reports whether every dimension in filter has the same value in c
func (c Cohort) Matches(filter Cohort) bool {
	for dim, value := range filter {
		if c[dim] != value {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the cohort
func (c Cohort) Copy() Cohort {
	out := make(Cohort, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer
func (c Cohort) Value() (driver.Value, error) {
	return jsonValue(c)
}

// Scan implements sql.Scanner
func (c *Cohort) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// MetricWindow is one observed value for a cohort and metric
type MetricWindow struct {
	Start time.Time `json:"window_start" db:"window_start"`
	End   time.Time `json:"window_end" db:"window_end"`
	Value float64   `json:"value" db:"value"`
}

// Series is the ordered window history of one metric for one cohort
type Series struct {
	Cohort  Cohort         `json:"cohort"`
	Metric  string         `json:"metric"`
	Windows []MetricWindow `json:"windows"`
}

// Values returns the observed values in window order
func (s Series) Values() []float64 {
	values := make([]float64, len(s.Windows))
	for i, w := range s.Windows {
		values[i] = w.Value
	}
	return values
}

// AnomalyCandidate is detector output before guardrails are applied
type AnomalyCandidate struct {
	Cohort   Cohort       `json:"cohort"`
	Metric   string       `json:"metric"`
	Window   MetricWindow `json:"window"`
	Observed float64      `json:"observed"`
	Expected float64      `json:"expected"`
	Score    float64      `json:"score"`
	Evidence Floats       `json:"evidence"`
}

// Severity is an ordinal label derived from score and persistence
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyStatus constants
const (
	AnomalyStatusNew           = "new"
	AnomalyStatusAcknowledged  = "acknowledged"
	AnomalyStatusInvestigating = "investigating"
	AnomalyStatusResolved      = "resolved"
)

// Anomaly is a candidate that passed every guardrail
type Anomaly struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Cohort          Cohort     `json:"cohort" db:"cohort"`
	CohortKey       string     `json:"cohort_key" db:"cohort_key"`
	Metric          string     `json:"metric" db:"metric"`
	Detector        string     `json:"detector" db:"detector"`
	WindowStart     time.Time  `json:"window_start" db:"window_start"`
	WindowEnd       time.Time  `json:"window_end" db:"window_end"`
	Observed        float64    `json:"observed" db:"observed"`
	Expected        float64    `json:"expected" db:"expected"`
	Score           float64    `json:"score" db:"score"`
	Severity        Severity   `json:"severity" db:"severity"`
	PersistedN      int        `json:"persisted_n" db:"persisted_n"`
	Evidence        Floats     `json:"evidence" db:"evidence"`
	EntityDimension string     `json:"entity_dimension" db:"entity_dimension"`
	Status          string     `json:"status" db:"status"`
	InvestigationID *uuid.UUID `json:"investigation_id,omitempty" db:"investigation_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// InvestigationStatus constants
const (
	InvestigationStatusPending   = "pending"
	InvestigationStatusRunning   = "running"
	InvestigationStatusCompleted = "completed"
	InvestigationStatusFailed    = "failed"
)

// InvestigationSettings is the audit snapshot taken when an investigation opens
type InvestigationSettings struct {
	Metric          string    `json:"metric"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	Score           float64   `json:"score"`
	Severity        Severity  `json:"severity"`
	Evidence        []float64 `json:"evidence"`
	EntityDimension string    `json:"entity_dimension"`
	DateRangeDays   int       `json:"date_range_days"`
}

// Value implements driver.Valuer
func (s InvestigationSettings) Value() (driver.Value, error) {
	return jsonValue(s)
}

// Scan implements sql.Scanner
func (s *InvestigationSettings) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// Investigation tracks the analysis of one anomaly's entity
type Investigation struct {
	ID          uuid.UUID             `json:"id" db:"id"`
	AnomalyID   uuid.UUID             `json:"anomaly_id" db:"anomaly_id"`
	EntityID    string                `json:"entity_id" db:"entity_id"`
	EntityType  string                `json:"entity_type" db:"entity_type"`
	Settings    InvestigationSettings `json:"settings" db:"settings"`
	Status      string                `json:"status" db:"status"`
	RiskScore   float64               `json:"risk_score" db:"risk_score"`
	DriftCount  int                   `json:"drift_count" db:"drift_count"`
	Error       string                `json:"error,omitempty" db:"error_message"`
	StartedAt   *time.Time            `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the investigation has finished
func (i *Investigation) IsTerminal() bool {
	return i.Status == InvestigationStatusCompleted || i.Status == InvestigationStatusFailed
}

// Finding is one piece of evidence returned by a tool
type Finding struct {
	ID              uuid.UUID `json:"id" db:"id"`
	InvestigationID uuid.UUID `json:"investigation_id" db:"investigation_id"`
	Tool            string    `json:"tool" db:"tool"`
	EntityID        string    `json:"entity_id" db:"entity_id"`
	Title           string    `json:"title" db:"title"`
	Description     string    `json:"description" db:"description"`
	Score           float64   `json:"score" db:"score"`
	Data            JSONMap   `json:"data,omitempty" db:"data"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Floats is a float slice stored as a JSON column
type Floats []float64

// Value implements driver.Valuer
func (f Floats) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	return jsonValue([]float64(f))
}

// Scan implements sql.Scanner
func (f *Floats) Scan(src interface{}) error {
	return scanJSON(src, f)
}

// JSONMap is a free-form object stored as a JSON column
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return jsonValue(map[string]interface{}(m))
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// jsonValue encodes v as a string so drivers bind it as text, not bytea
func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
