package spread

import (
	"testing"

	"github.com/ksred/otc-desk/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestCalculateQuoteBps(t *testing.T) {
	params := Params{Mode: types.SpreadModeBps, SellSpread: 50, BuySpread: -50}

	// Client buys: house sells at base plus 50bps.
	assert.Equal(t, 5.2763, CalculateQuote(5.25, params, types.SideClientBuys))

	// Client sells: house buys at base minus 50bps.
	assert.Equal(t, 5.2238, CalculateQuote(5.25, params, types.SideClientSells))
}

func TestCalculateQuoteAbsBRL(t *testing.T) {
	params := Params{Mode: types.SpreadModeAbsBRL, SellSpread: 0.02, BuySpread: -0.02}

	assert.Equal(t, 5.27, CalculateQuote(5.25, params, types.SideClientBuys))
	assert.Equal(t, 5.23, CalculateQuote(5.25, params, types.SideClientSells))
}

func TestCalculateQuoteFlatIgnoresSpreads(t *testing.T) {
	params := Params{Mode: types.SpreadModeFlat, SellSpread: 500, BuySpread: -500}

	assert.Equal(t, 5.20, CalculateQuote(5.20, params, types.SideClientBuys))
	assert.Equal(t, 5.20, CalculateQuote(5.20, params, types.SideClientSells))
}

func TestCalculateQuoteClampsRunawaySpreads(t *testing.T) {
	// A fat-fingered 10000bps spread is clamped to 500bps, not rejected.
	params := Params{Mode: types.SpreadModeBps, SellSpread: 10000}
	assert.Equal(t, 5.5125, CalculateQuote(5.25, params, types.SideClientBuys))

	// Same for absolute spreads beyond 1.00.
	params = Params{Mode: types.SpreadModeAbsBRL, SellSpread: 3.5}
	assert.Equal(t, 6.25, CalculateQuote(5.25, params, types.SideClientBuys))

	// Negative magnitudes clamp symmetrically.
	params = Params{Mode: types.SpreadModeBps, SellSpread: -10000}
	assert.Equal(t, 4.9875, CalculateQuote(5.25, params, types.SideClientBuys))
}

func TestCheckThresholdBreachBps(t *testing.T) {
	threshold := Threshold{Mode: types.SpreadModeBps, Value: 30}

	// 30bps above 5.265 is 5.280795: 5.2808 breaches, 5.2807 does not.
	assert.True(t, CheckThresholdBreach(5.265, 5.2808, threshold))
	assert.False(t, CheckThresholdBreach(5.265, 5.2807, threshold))

	// Downward movement never breaches.
	assert.False(t, CheckThresholdBreach(5.265, 5.20, threshold))
}

func TestCheckThresholdBreachAbsBRL(t *testing.T) {
	threshold := Threshold{Mode: types.SpreadModeAbsBRL, Value: 0.02}

	// The spread is baked into the quoted price: the market catching up
	// to the quote exhausts the margin.
	assert.True(t, CheckThresholdBreach(5.285, 5.285, threshold))
	assert.True(t, CheckThresholdBreach(5.285, 5.30, threshold))
	assert.False(t, CheckThresholdBreach(5.285, 5.265, threshold))
}

func TestCheckThresholdBreachFlat(t *testing.T) {
	threshold := Threshold{Mode: types.SpreadModeFlat, Value: 30}

	assert.False(t, CheckThresholdBreach(5.265, 5.2808, threshold))
	assert.False(t, CheckThresholdBreach(5.265, 50.0, threshold))
}

func TestResolveAmounts(t *testing.T) {
	quoteAmount := 5276.3

	quote, base := ResolveAmounts(&quoteAmount, nil, 5.2763)
	assert.NotNil(t, quote)
	assert.NotNil(t, base)
	assert.Equal(t, 5276.3, *quote)
	assert.Equal(t, 1000.0, *base)

	baseAmount := 2000.0
	quote, base = ResolveAmounts(nil, &baseAmount, 5.25)
	assert.NotNil(t, quote)
	assert.Equal(t, 10500.0, *quote)
	assert.Equal(t, 2000.0, *base)

	// Neither side known: nothing to derive.
	quote, base = ResolveAmounts(nil, nil, 5.25)
	assert.Nil(t, quote)
	assert.Nil(t, base)
}
