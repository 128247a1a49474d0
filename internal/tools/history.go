package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/cohort-sentinel/internal/database"
	"github.com/NikhilSetiya/cohort-sentinel/internal/investigation"
	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// FindingHistoryToolName is the catalog name of the built-in history tool
const FindingHistoryToolName = "finding_history"

const historyLimit = 500

// FindingHistoryTool reports what earlier investigations found about the
// same entity inside the tool context's date range
type FindingHistoryTool struct {
	db          *database.DB
	destination string
}

// NewFindingHistoryTool reads the findings table of db. destination names
// the resilience destination guarding the database.
func NewFindingHistoryTool(db *database.DB, destination string) *FindingHistoryTool {
	return &FindingHistoryTool{db: db, destination: destination}
}

func (t *FindingHistoryTool) Name() string        { return FindingHistoryToolName }
func (t *FindingHistoryTool) Destination() string { return t.destination }

type historyRow struct {
	InvestigationID uuid.UUID `db:"investigation_id"`
	Tool            string    `db:"tool"`
	Score           float64   `db:"score"`
	CreatedAt       time.Time `db:"created_at"`
}

// Invoke queries by the entity predicate alone; the date range and the
// current investigation are filtered here
func (t *FindingHistoryTool) Invoke(ctx context.Context, tc querycontext.ToolContext) (*investigation.ToolResult, error) {
	clause, args, err := tc.EntityPredicate(t.db.Dialect(), "entity_id")
	if err != nil {
		return nil, errors.NewPermanentError(FindingHistoryToolName, "failed to build entity predicate").WithCause(err)
	}

	query := fmt.Sprintf(`SELECT investigation_id, tool, score, created_at FROM findings
		WHERE %s ORDER BY created_at DESC LIMIT %d`, clause, historyLimit)

	var rows []historyRow
	if err := t.db.SelectContext(ctx, &rows, query, args...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewTransientError(FindingHistoryToolName, "failed to query finding history").WithCause(err)
	}

	var prior []*types.Finding
	investigations := make(map[uuid.UUID]bool)
	byTool := make(map[string]int)
	for _, row := range rows {
		if row.InvestigationID == tc.InvestigationID {
			continue
		}
		if row.CreatedAt.Before(tc.StartDate) || !row.CreatedAt.Before(tc.EndDate) {
			continue
		}
		prior = append(prior, &types.Finding{Score: row.Score})
		investigations[row.InvestigationID] = true
		byTool[row.Tool]++
	}

	result := &investigation.ToolResult{EntityID: tc.EntityID}
	if len(prior) == 0 {
		return result, nil
	}

	tools := make([]string, 0, len(byTool))
	for name := range byTool {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	// earlier evidence counts at half weight
	score := investigation.RiskScore(prior) / 2

	result.Findings = []investigation.ToolFinding{{
		Title: "Prior findings for entity",
		Description: fmt.Sprintf("%d findings across %d earlier investigations since %s",
			len(prior), len(investigations), tc.StartDate.Format("2006-01-02")),
		Score: score,
		Data: map[string]interface{}{
			"findings":       len(prior),
			"investigations": len(investigations),
			"tools":          tools,
		},
	}}
	return result, nil
}
