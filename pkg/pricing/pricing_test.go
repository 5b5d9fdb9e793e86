package pricing

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, pct string, overrides string) *Engine {
	t.Helper()
	ov, err := ParseOverrides(overrides)
	require.NoError(t, err)
	return NewEngine(Policy{DefaultPercent: decimal.RequireFromString(pct), Overrides: ov})
}

func TestAdjust(t *testing.T) {
	engine := newTestEngine(t, "5", "CAD=10,EUR=-2.5")

	tests := []struct {
		name         string
		amount       int64
		currency     string
		wantAdjusted int64
		wantDiscount int64
		wantPercent  string
	}{
		{name: "USD default percent", amount: 10000, currency: "USD", wantAdjusted: 9500, wantDiscount: 500, wantPercent: "5"},
		{name: "lowercase currency", amount: 2500, currency: "usd", wantAdjusted: 2375, wantDiscount: 125, wantPercent: "5"},
		{name: "rounds half away from zero", amount: 1010, currency: "USD", wantAdjusted: 960, wantDiscount: 50, wantPercent: "5"},
		{name: "CAD override", amount: 2999, currency: "CAD", wantAdjusted: 2699, wantDiscount: 300, wantPercent: "10"},
		{name: "EUR markup", amount: 4000, currency: "EUR", wantAdjusted: 4100, wantDiscount: -100, wantPercent: "-2.5"},
		{name: "zero decimal currency", amount: 1999, currency: "JPY", wantAdjusted: 1899, wantDiscount: 100, wantPercent: "5"},
		{name: "zero amount", amount: 0, currency: "USD", wantAdjusted: 0, wantDiscount: 0, wantPercent: "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fig := engine.Adjust(tt.amount, tt.currency)
			assert.Equal(t, tt.amount, fig.Original)
			assert.Equal(t, tt.wantAdjusted, fig.Adjusted)
			assert.Equal(t, tt.wantDiscount, fig.Discount)
			assert.Equal(t, tt.wantPercent, fig.DiscountPercent)
		})
	}
}

func TestAdjust_Deterministic(t *testing.T) {
	engine := newTestEngine(t, "7.5", "")

	first := engine.Adjust(10000, "USD")
	second := engine.Adjust(10000, "USD")
	assert.Equal(t, first, second)
	assert.Equal(t, int64(9250), first.Adjusted)
}

func TestParseOverrides(t *testing.T) {
	ov, err := ParseOverrides(" usd=5 , CAD = 2.5 ,")
	require.NoError(t, err)
	assert.True(t, ov["USD"].Equal(decimal.NewFromInt(5)))
	assert.True(t, ov["CAD"].Equal(decimal.RequireFromString("2.5")))

	_, err = ParseOverrides("USD")
	assert.Error(t, err)

	_, err = ParseOverrides("USD=abc")
	assert.Error(t, err)
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		weights []int64
		want    []int64
	}{
		{name: "even split", total: 100, weights: []int64{1, 1, 1, 1}, want: []int64{25, 25, 25, 25}},
		{name: "remainder to largest fraction", total: 100, weights: []int64{1, 1, 1}, want: []int64{34, 33, 33}},
		{name: "proportional", total: 9500, weights: []int64{6000, 3000, 1000}, want: []int64{5700, 2850, 950}},
		{name: "fractional tie broken by index", total: 5, weights: []int64{1, 1}, want: []int64{3, 2}},
		{name: "zero weights split evenly", total: 7, weights: []int64{0, 0, 0}, want: []int64{3, 2, 2}},
		{name: "negative total", total: -10, weights: []int64{1, 2}, want: []int64{-3, -7}},
		{name: "zero total", total: 0, weights: []int64{3, 4}, want: []int64{0, 0}},
		{name: "negative weight counts as zero", total: 10, weights: []int64{-5, 5}, want: []int64{0, 10}},
		{name: "min int64 total", total: math.MinInt64, weights: []int64{1}, want: []int64{math.MinInt64}},
		{name: "min int64 split", total: math.MinInt64, weights: []int64{1, 1}, want: []int64{math.MinInt64 / 2, math.MinInt64 / 2}},
		{name: "max int64 split", total: math.MaxInt64, weights: []int64{1, 1}, want: []int64{math.MaxInt64/2 + 1, math.MaxInt64 / 2}},
		{name: "weights summing past int64", total: 10, weights: []int64{math.MaxInt64, math.MaxInt64}, want: []int64{5, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(tt.total, tt.weights)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Nil(t, Allocate(100, nil))
}

func TestAllocate_PreservesTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := rng.Intn(12) + 1
		weights := make([]int64, n)
		for j := range weights {
			weights[j] = rng.Int63n(100000)
		}
		total := rng.Int63n(10_000_000) - 1_000_000

		parts := Allocate(total, weights)
		require.Len(t, parts, n)

		var sum int64
		for _, p := range parts {
			sum += p
		}
		assert.Equal(t, total, sum, "weights=%v total=%d", weights, total)
	}
}

func TestAdjustItems_SumsToAdjustedTotal(t *testing.T) {
	engine := newTestEngine(t, "3", "")

	fig, lines := engine.AdjustItems(2500, "USD", []int64{1250, 1000, 250})
	require.Len(t, lines, 3)
	assert.Equal(t, int64(2425), fig.Adjusted)

	var sum int64
	for _, l := range lines {
		sum += l
	}
	assert.Equal(t, fig.Adjusted, sum)

	fig, lines = engine.AdjustItems(2500, "USD", nil)
	assert.Nil(t, lines)
	assert.Equal(t, int64(2425), fig.Adjusted)
}
