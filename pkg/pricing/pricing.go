package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponents lists currencies whose minor unit is not 1/100.
// Anything not listed uses two decimal places.
var minorUnitExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// MinorUnitExponent returns the number of decimal places of currency
func MinorUnitExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// Policy defines the adjustment percent applied to prices. A positive
// percent is a discount, a negative percent is a markup.
type Policy struct {
	DefaultPercent decimal.Decimal
	Overrides      map[string]decimal.Decimal // currency -> percent
}

// PercentFor returns the percent applied to currency
func (p Policy) PercentFor(currency string) decimal.Decimal {
	if pct, ok := p.Overrides[strings.ToUpper(currency)]; ok {
		return pct
	}
	return p.DefaultPercent
}

// ParseOverrides parses "USD=5,CAD=2.5" into a currency -> percent map
func ParseOverrides(s string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid override %q: expected CURRENCY=PERCENT", part)
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid percent in override %q: %w", part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = pct
	}
	return out, nil
}

// Figure is an adjusted price. All amounts are in minor units.
type Figure struct {
	Currency        string `json:"currency"`
	Original        int64  `json:"original"`
	Adjusted        int64  `json:"adjusted"`
	Discount        int64  `json:"discount"`
	DiscountPercent string `json:"discount_percent"`
}

// Engine applies a Policy. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	policy Policy
}

// NewEngine creates a price adjustment engine
func NewEngine(policy Policy) *Engine {
	if policy.Overrides == nil {
		policy.Overrides = map[string]decimal.Decimal{}
	}
	return &Engine{policy: policy}
}

// Adjust maps an amount in minor units to what the customer actually pays.
// The amount is converted to major units, the policy percent applied, the
// result rounded half away from zero to the currency's minor unit and
// converted back.
func (e *Engine) Adjust(amountMinor int64, currency string) Figure {
	currency = strings.ToUpper(currency)
	exp := MinorUnitExponent(currency)
	pct := e.policy.PercentFor(currency)

	major := decimal.New(amountMinor, -exp)
	factor := decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100)))
	adjustedMajor := major.Mul(factor).Round(exp)
	adjusted := adjustedMajor.Shift(exp).IntPart()

	return Figure{
		Currency:        currency,
		Original:        amountMinor,
		Adjusted:        adjusted,
		Discount:        amountMinor - adjusted,
		DiscountPercent: pct.String(),
	}
}

// AdjustItems adjusts total and redistributes the adjusted total across the
// given line amounts with largest-remainder allocation, so the adjusted lines
// always sum to the adjusted total.
func (e *Engine) AdjustItems(total int64, currency string, lines []int64) (Figure, []int64) {
	fig := e.Adjust(total, currency)
	if len(lines) == 0 {
		return fig, nil
	}
	return fig, Allocate(fig.Adjusted, lines)
}
