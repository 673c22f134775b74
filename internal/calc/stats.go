package calc

import (
	"math"
	"sort"

	"github.com/dwsmith1983/tridx/pkg/types"
)

const (
	volWindow      = 20
	drawdownWindow = 252
	tradingYear    = 252
)

// Stats computes the statistics for the last level in levels, which must be in
// ascending date order and end on the day being calculated.
func Stats(levels []float64, weights []float64, ann types.VolAnnualization) types.StatsDaily {
	st := types.StatsDaily{
		Ret1D:           trailingReturn(levels, 1),
		Ret5D:           trailingReturn(levels, 5),
		Ret20D:          trailingReturn(levels, 20),
		Vol20D:          volatility(levels, ann),
		MaxDrawdown252D: maxDrawdown(levels),
		NConstituents:   len(weights),
	}
	st.Top5Weight, st.Herfindahl = concentration(weights)
	return st
}

// trailingReturn is level_t / level_{t-n} - 1, or nil with fewer than n prior levels.
func trailingReturn(levels []float64, n int) *float64 {
	last := len(levels) - 1
	if last-n < 0 || levels[last-n] == 0 {
		return nil
	}
	r := levels[last]/levels[last-n] - 1
	return &r
}

// volatility is the sample standard deviation of the last 20 daily returns.
func volatility(levels []float64, ann types.VolAnnualization) *float64 {
	if len(levels) < volWindow+1 {
		return nil
	}
	window := levels[len(levels)-volWindow-1:]
	rets := make([]float64, 0, volWindow)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			return nil
		}
		rets = append(rets, window[i]/window[i-1]-1)
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	ss := 0.0
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	v := math.Sqrt(ss / float64(len(rets)-1))
	if ann == types.VolSqrt252 {
		v *= math.Sqrt(tradingYear)
	}
	return &v
}

// maxDrawdown is the deepest fall from a running peak over the last 252
// levels, as a non-positive fraction.
func maxDrawdown(levels []float64) *float64 {
	if len(levels) == 0 {
		return nil
	}
	window := levels
	if len(window) > drawdownWindow {
		window = window[len(window)-drawdownWindow:]
	}
	peak := window[0]
	dd := 0.0
	for _, l := range window {
		if l > peak {
			peak = l
		}
		if peak > 0 {
			if d := l/peak - 1; d < dd {
				dd = d
			}
		}
	}
	return &dd
}

// concentration returns the sum of the five largest weights and the
// Herfindahl index Σ w².
func concentration(weights []float64) (float64, float64) {
	sorted := make([]float64, len(weights))
	copy(sorted, weights)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	top5, hhi := 0.0, 0.0
	for i, w := range sorted {
		if i < 5 {
			top5 += w
		}
		hhi += w * w
	}
	return top5, hhi
}
