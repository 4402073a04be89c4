package api

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary describes the distribution of a metric over the requested range.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P85    float64 `json:"p85"`
	P98    float64 `json:"p98"`
}

func summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s := Summary{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  stat.Mean(sorted, nil),
		P50:   stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P85:   stat.Quantile(0.85, stat.Empirical, sorted, nil),
		P98:   stat.Quantile(0.98, stat.Empirical, sorted, nil),
	}
	// sample standard deviation is undefined for one value
	if len(sorted) > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}
	return s
}
