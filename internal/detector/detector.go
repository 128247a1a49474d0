// Package detector scores metric series. Strategies are registered in a
// static table and selected by name from the catalog.
package detector

import (
	"math"
	"sort"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// Candidate is the score of one window. Index points into Series.Windows.
type Candidate struct {
	Index    int
	Observed float64
	Expected float64
	Score    float64
}

// Detector scores every window of a series that has enough history to be
// judged. Candidates are returned in window order; the caller applies the
// threshold.
type Detector interface {
	Name() string
	Score(series types.Series) ([]Candidate, error)
}

// Params tune the built-in strategies. Zero values select defaults.
type Params struct {
	// Baseline is the number of trailing windows used as reference; 0 uses all prior windows
	Baseline int `json:"baseline" yaml:"baseline"`
	// Season is the period, in windows, for seasonal_residual
	Season int `json:"season" yaml:"season"`
	// Alpha is the smoothing factor for ewma
	Alpha float64 `json:"alpha" yaml:"alpha"`
	// Warmup is the number of reference points needed before a window is scored
	Warmup int `json:"warmup" yaml:"warmup"`
	// MaxScore caps scores against a flat baseline
	MaxScore float64 `json:"max_score" yaml:"max_score"`
}

func (p Params) withDefaults() Params {
	if p.Season <= 0 {
		p.Season = 24
	}
	if p.Alpha <= 0 || p.Alpha >= 1 {
		p.Alpha = 0.3
	}
	if p.Warmup < 2 {
		p.Warmup = 2
	}
	if p.MaxScore <= 0 {
		p.MaxScore = 1000
	}
	return p
}

// Factory builds a configured detector
type Factory func(Params) (Detector, error)

var registry = map[string]Factory{
	"zscore":            func(p Params) (Detector, error) { return NewZScore(p), nil },
	"seasonal_residual": func(p Params) (Detector, error) { return NewSeasonalResidual(p), nil },
	"ewma":              func(p Params) (Detector, error) { return NewEWMA(p), nil },
}

// Lookup returns the named strategy
func Lookup(name string, params Params) (Detector, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, errors.NewValidationError("unknown detector strategy").
			WithDetail("strategy", name)
	}
	return factory(params)
}

// Names lists the registered strategies
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectorFunc adapts a scoring function to Detector
type DetectorFunc func(series types.Series) ([]Candidate, error)

func (f DetectorFunc) Name() string { return "func" }

func (f DetectorFunc) Score(series types.Series) ([]Candidate, error) { return f(series) }

// zscore returns |value-mean|/stddev, falling back to 0 or maxScore when the
// reference is flat
func zscore(value, mean, stddev, maxScore float64) float64 {
	diff := math.Abs(value - mean)
	if stddev <= 0 || math.IsNaN(stddev) {
		if diff == 0 {
			return 0
		}
		return maxScore
	}
	return math.Min(diff/stddev, maxScore)
}

// meanStd returns the mean and sample standard deviation of xs
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

func trailing(xs []float64, end, n int) []float64 {
	start := 0
	if n > 0 && end-n > 0 {
		start = end - n
	}
	return xs[start:end]
}
