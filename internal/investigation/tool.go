package investigation

import (
	"context"
	"sort"

	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// Tool is a downstream analysis capability invoked during an investigation.
// Invoke must honour ctx and build every query from tc alone.
type Tool interface {
	Name() string
	Destination() string
	Invoke(ctx context.Context, tc querycontext.ToolContext) (*ToolResult, error)
}

// ToolResult is what a tool reports back. EntityID is the entity the tool
// actually queried and is checked against the investigation's entity.
type ToolResult struct {
	EntityID string        `json:"entity_id"`
	Findings []ToolFinding `json:"findings"`
}

// ToolFinding is one finding as reported by a tool
type ToolFinding struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Score       float64                `json:"score"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// ToolFunc adapts a function to Tool
type ToolFunc struct {
	ToolName        string
	DestinationName string
	Fn              func(ctx context.Context, tc querycontext.ToolContext) (*ToolResult, error)
}

func (t ToolFunc) Name() string        { return t.ToolName }
func (t ToolFunc) Destination() string { return t.DestinationName }

func (t ToolFunc) Invoke(ctx context.Context, tc querycontext.ToolContext) (*ToolResult, error) {
	return t.Fn(ctx, tc)
}

// RiskScore combines finding scores as a noisy-OR: 1 - prod(1 - s) with each
// score clamped to [0, 1]. The result does not depend on finding order.
func RiskScore(findings []*types.Finding) float64 {
	scores := make([]float64, 0, len(findings))
	for _, f := range findings {
		if f == nil {
			continue
		}
		s := f.Score
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		scores = append(scores, s)
	}
	sort.Float64s(scores)

	miss := 1.0
	for _, s := range scores {
		miss *= 1 - s
	}
	return 1 - miss
}
