package detector

import (
	"math"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// ZScore compares each window to the mean and standard deviation of the
// windows before it
type ZScore struct {
	params Params
}

func NewZScore(p Params) *ZScore { return &ZScore{params: p.withDefaults()} }

func (d *ZScore) Name() string { return "zscore" }

func (d *ZScore) Score(series types.Series) ([]Candidate, error) {
	values := series.Values()
	var out []Candidate
	for i := d.params.Warmup; i < len(values); i++ {
		ref := trailing(values, i, d.params.Baseline)
		if len(ref) < d.params.Warmup {
			continue
		}
		mean, std := meanStd(ref)
		out = append(out, Candidate{
			Index:    i,
			Observed: values[i],
			Expected: mean,
			Score:    zscore(values[i], mean, std, d.params.MaxScore),
		})
	}
	return out, nil
}

// SeasonalResidual removes the value one season earlier, then z-scores the
// residual against prior residuals
type SeasonalResidual struct {
	params Params
}

func NewSeasonalResidual(p Params) *SeasonalResidual {
	return &SeasonalResidual{params: p.withDefaults()}
}

func (d *SeasonalResidual) Name() string { return "seasonal_residual" }

func (d *SeasonalResidual) Score(series types.Series) ([]Candidate, error) {
	values := series.Values()
	season := d.params.Season
	if len(values) <= season {
		return nil, nil
	}

	residuals := make([]float64, len(values)-season)
	for i := season; i < len(values); i++ {
		residuals[i-season] = values[i] - values[i-season]
	}

	var out []Candidate
	for r := d.params.Warmup; r < len(residuals); r++ {
		ref := trailing(residuals, r, d.params.Baseline)
		mean, std := meanStd(ref)
		i := r + season
		out = append(out, Candidate{
			Index:    i,
			Observed: values[i],
			Expected: values[i-season] + mean,
			Score:    zscore(residuals[r], mean, std, d.params.MaxScore),
		})
	}
	return out, nil
}

// EWMA tracks an exponentially weighted mean and variance and scores each
// window against the state before it
type EWMA struct {
	params Params
}

func NewEWMA(p Params) *EWMA { return &EWMA{params: p.withDefaults()} }

func (d *EWMA) Name() string { return "ewma" }

func (d *EWMA) Score(series types.Series) ([]Candidate, error) {
	values := series.Values()
	if len(values) == 0 {
		return nil, nil
	}

	alpha := d.params.Alpha
	mean := values[0]
	variance := 0.0

	var out []Candidate
	for i := 1; i < len(values); i++ {
		v := values[i]
		if i >= d.params.Warmup {
			out = append(out, Candidate{
				Index:    i,
				Observed: v,
				Expected: mean,
				Score:    zscore(v, mean, math.Sqrt(variance), d.params.MaxScore),
			})
		}
		diff := v - mean
		mean += alpha * diff
		variance = (1 - alpha) * (variance + alpha*diff*diff)
	}
	return out, nil
}
