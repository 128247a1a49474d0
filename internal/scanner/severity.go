package scanner

import "github.com/NikhilSetiya/cohort-sentinel/pkg/types"

var severityLadder = []types.Severity{
	types.SeverityLow,
	types.SeverityMedium,
	types.SeverityHigh,
	types.SeverityCritical,
}

// Severity maps a score and the length of its exceedance run to an ordinal
// label. The score picks a band and a run of three or more windows raises it
// by one level.
func Severity(score float64, persistedN int) types.Severity {
	level := 0
	switch {
	case score >= 4:
		level = 3
	case score >= 3:
		level = 2
	case score >= 2:
		level = 1
	}

	if persistedN >= 3 && level < len(severityLadder)-1 {
		level++
	}
	return severityLadder[level]
}
