package calc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/pkg/types"
)

func TestTrailingReturn(t *testing.T) {
	levels := []float64{100, 110, 99}
	r := trailingReturn(levels, 1)
	require.NotNil(t, r)
	assert.InDelta(t, -0.1, *r, 1e-12)

	r = trailingReturn(levels, 2)
	require.NotNil(t, r)
	assert.InDelta(t, -0.01, *r, 1e-12)

	assert.Nil(t, trailingReturn(levels, 3))
	assert.Nil(t, trailingReturn([]float64{100}, 1))
}

func TestVolatility(t *testing.T) {
	levels := make([]float64, 20)
	for i := range levels {
		levels[i] = 100 + float64(i)
	}
	assert.Nil(t, volatility(levels, types.VolRaw), "needs 20 returns")

	flat := make([]float64, 21)
	for i := range flat {
		flat[i] = 100
	}
	v := volatility(flat, types.VolRaw)
	require.NotNil(t, v)
	assert.Equal(t, 0.0, *v)

	// alternating +1% / -1% returns: mean 0, sample variance 20*1e-4/19.
	alt := []float64{100}
	for i := 0; i < 20; i++ {
		last := alt[len(alt)-1]
		if i%2 == 0 {
			alt = append(alt, last*1.01)
		} else {
			alt = append(alt, last*0.99)
		}
	}
	v = volatility(alt, types.VolRaw)
	require.NotNil(t, v)
	want := math.Sqrt(20 * 1e-4 / 19)
	assert.InDelta(t, want, *v, 1e-12)

	v = volatility(alt, types.VolSqrt252)
	require.NotNil(t, v)
	assert.InDelta(t, want*math.Sqrt(252), *v, 1e-10)
}

func TestMaxDrawdown(t *testing.T) {
	dd := maxDrawdown([]float64{100, 120, 90, 110, 80, 130})
	require.NotNil(t, dd)
	assert.InDelta(t, 80.0/120-1, *dd, 1e-12)

	dd = maxDrawdown([]float64{100})
	require.NotNil(t, dd)
	assert.Equal(t, 0.0, *dd)

	assert.Nil(t, maxDrawdown(nil))

	// the peak falls out of the 252-level window.
	long := []float64{1000}
	for i := 0; i < 252; i++ {
		long = append(long, 500+float64(i))
	}
	dd = maxDrawdown(long)
	require.NotNil(t, dd)
	assert.Equal(t, 0.0, *dd)
}

func TestConcentration(t *testing.T) {
	top5, hhi := concentration([]float64{0.3, 0.2, 0.15, 0.15, 0.1, 0.05, 0.05})
	assert.InDelta(t, 0.9, top5, 1e-12)
	assert.InDelta(t, 0.09+0.04+0.0225+0.0225+0.01+0.0025+0.0025, hhi, 1e-12)

	top5, hhi = concentration([]float64{0.5, 0.5})
	assert.InDelta(t, 1.0, top5, 1e-12)
	assert.InDelta(t, 0.5, hhi, 1e-12)
}

func TestWeigh(t *testing.T) {
	rows := []types.ConstituentDaily{
		{Ticker: "A", Shares: 6, PriceUsed: 100},
		{Ticker: "B", Shares: 4, PriceUsed: 100},
	}
	Weigh(rows, types.WeightMarketValue)
	assert.InDelta(t, 0.6, rows[0].Weight, 1e-12)
	assert.Equal(t, 400.0, rows[1].MarketValue)

	Weigh(rows, types.WeightEqual)
	assert.Equal(t, 0.5, rows[0].Weight)
	assert.Equal(t, 600.0, rows[0].MarketValue)
}

func TestContributions(t *testing.T) {
	prev := []types.ConstituentDaily{
		{Ticker: "B", PriceUsed: 100, Weight: 0.4},
		{Ticker: "A", PriceUsed: 100, Weight: 0.6},
	}
	got, _, ok := Contributions(prev, map[string]float64{"A": 102, "B": 99})
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Ticker)
	assert.InDelta(t, 1008.0, ChainLevel(1000, got), 1e-9)

	_, bad, ok := Contributions(prev, map[string]float64{"A": 102})
	assert.False(t, ok)
	assert.Equal(t, "B", bad)
}
