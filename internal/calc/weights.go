package calc

import (
	"sort"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// Weigh sets MarketValue and Weight on rows. Market-value weights are
// shares × price over the total; equal weights are 1/n. Weights sum to 1
// unless the total market value is zero, in which case they are left at zero.
func Weigh(rows []types.ConstituentDaily, basis types.WeightingBasis) {
	total := 0.0
	for i := range rows {
		rows[i].MarketValue = rows[i].Shares * rows[i].PriceUsed
		total += rows[i].MarketValue
	}
	if len(rows) == 0 {
		return
	}
	for i := range rows {
		switch basis {
		case types.WeightEqual:
			rows[i].Weight = 1 / float64(len(rows))
		default:
			if total != 0 {
				rows[i].Weight = rows[i].MarketValue / total
			}
		}
	}
}

// Contributions computes each previous-day constituent's share of the index
// return on day. prices maps tickers to their price on day; ok is false with the
// first ticker that has none.
func Contributions(prev []types.ConstituentDaily, prices map[string]float64) ([]types.ContributionDaily, string, bool) {
	out := make([]types.ContributionDaily, 0, len(prev))
	for _, p := range prev {
		price, ok := prices[p.Ticker]
		if !ok || p.PriceUsed == 0 {
			return nil, p.Ticker, false
		}
		ret := price/p.PriceUsed - 1
		out = append(out, types.ContributionDaily{
			Ticker:       p.Ticker,
			WeightPrev:   p.Weight,
			Ret1D:        ret,
			Contribution: p.Weight * ret,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, "", true
}

// ChainLevel returns prev × (1 + Σ contribution), summed in ticker order.
func ChainLevel(prev float64, contribs []types.ContributionDaily) float64 {
	sorted := make([]types.ContributionDaily, len(contribs))
	copy(sorted, contribs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ticker < sorted[j].Ticker })
	sum := 0.0
	for _, c := range sorted {
		sum += c.Contribution
	}
	return prev * (1 + sum)
}
