package spread

import (
	"math"

	"github.com/ksred/otc-desk/internal/types"
	"github.com/rs/zerolog/log"
)

// Params is the pricing snapshot used to turn a base market rate into a
// client-facing rate. SellSpread applies when the client buys, BuySpread
// when the client sells.
type Params struct {
	Mode       types.SpreadMode `json:"mode"`
	SellSpread float64          `json:"sell_spread"`
	BuySpread  float64          `json:"buy_spread"`
}

// Threshold is the volatility breach threshold for an outstanding quote.
type Threshold struct {
	Mode  types.SpreadMode `json:"mode"`
	Value float64          `json:"value"`
}

const (
	// Spread magnitudes beyond these are treated as operator typos and
	// clamped rather than rejected, so a bad rule never blocks quoting.
	maxBpsMagnitude = 500.0
	maxAbsMagnitude = 1.0
)

// CalculateQuote converts a base market rate into the rate quoted to the
// client. The spread for the trade side is clamped to the maximum
// magnitude, applied according to the mode, and the result is rounded to
// 4 decimal places.
func CalculateQuote(baseRate float64, p Params, side types.Side) float64 {
	value := p.SellSpread
	if side == types.SideClientSells {
		value = p.BuySpread
	}

	switch p.Mode {
	case types.SpreadModeBps:
		value = clamp(value, maxBpsMagnitude, baseRate, p.Mode)
		return round4(baseRate + baseRate*value/10000)
	case types.SpreadModeAbsBRL:
		value = clamp(value, maxAbsMagnitude, baseRate, p.Mode)
		return round4(baseRate + value)
	default:
		// flat mode quotes the market rate as-is
		return round4(baseRate)
	}
}

// CheckThresholdBreach reports whether the live market price has moved
// past the margin implied by an outstanding quote. Only upward movement
// can breach: the house's margin erodes when the market rises above what
// was quoted to a buyer, never when it falls.
func CheckThresholdBreach(quotedPrice, marketPrice float64, t Threshold) bool {
	switch t.Mode {
	case types.SpreadModeBps:
		return marketPrice >= quotedPrice*(1+t.Value/10000)
	case types.SpreadModeAbsBRL:
		// The absolute spread is baked into quotedPrice; once the
		// market reaches it, margin is exhausted.
		return marketPrice >= quotedPrice
	default:
		return false
	}
}

// ResolveAmounts derives the missing side of a trade from the known side
// and the locked rate (quote currency per unit of base currency). Both
// amounts are returned rounded to 2 decimal places; if neither amount is
// known both results are nil.
func ResolveAmounts(quoteAmount, baseAmount *float64, rate float64) (*float64, *float64) {
	if rate <= 0 {
		return quoteAmount, baseAmount
	}
	if quoteAmount == nil && baseAmount != nil {
		derived := round2(*baseAmount * rate)
		quoteAmount = &derived
	}
	if baseAmount == nil && quoteAmount != nil {
		derived := round2(*quoteAmount / rate)
		baseAmount = &derived
	}
	return quoteAmount, baseAmount
}

func clamp(value, maxMagnitude, baseRate float64, mode types.SpreadMode) float64 {
	if math.Abs(value) <= maxMagnitude {
		return value
	}
	clamped := math.Copysign(maxMagnitude, value)
	log.Warn().
		Str("component", "spread").
		Str("mode", string(mode)).
		Float64("configured", value).
		Float64("clamped", clamped).
		Float64("base_rate", baseRate).
		Msg("spread exceeds maximum magnitude, clamping")
	return clamped
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
