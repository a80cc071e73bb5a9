package query_test

import (
	"testing"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/query"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImpliedPrices(t *testing.T) {
	tests := []struct {
		name     string
		reserves amm.Reserves
		yes, no  string
	}{
		{"balanced", amm.Reserves{Yes: 1_000_000, No: 1_000_000}, "0.5", "0.5"},
		{"yes favoured", amm.Reserves{Yes: 250_000, No: 750_000}, "0.75", "0.25"},
		{"thirds", amm.Reserves{Yes: 2, No: 1}, "0.333333", "0.666667"},
		{"empty", amm.Reserves{}, "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yes, no := query.ImpliedPrices(tt.reserves)
			assert.True(t, yes.Equal(decimal.RequireFromString(tt.yes)), "yes = %s", yes)
			assert.True(t, no.Equal(decimal.RequireFromString(tt.no)), "no = %s", no)
		})
	}
}

func TestQuoteBuy(t *testing.T) {
	q, err := query.QuoteBuy(amm.Reserves{Yes: 1_000_000, No: 1_000_000}, amm.DefaultFeeModel(), amm.OutcomeYes, 100_000)
	require.NoError(t, err)

	assert.Equal(t, "buy", q.Side)
	assert.Equal(t, "YES", q.Outcome)
	assert.Equal(t, uint64(500), q.Fee)
	assert.Equal(t, uint64(90_496), q.AmountOut)
	assert.True(t, q.AvgPrice.Equal(decimal.RequireFromString("1.105021")), "avg = %s", q.AvgPrice)
	assert.True(t, q.PriceImpact.IsPositive())
}

// Selling the shares just bought returns less than was paid: both fees
// and rounding stay in the pool.
func TestQuoteSellCreditsFeeToOppositeReserve(t *testing.T) {
	after := amm.Reserves{Yes: 909_504, No: 1_099_500}

	q, err := query.QuoteSell(after, amm.DefaultFeeModel(), amm.OutcomeYes, 90_496)
	require.NoError(t, err)

	assert.Equal(t, "sell", q.Side)
	assert.Equal(t, uint64(497), q.Fee)
	assert.Equal(t, uint64(99_004), q.AmountOut)
	assert.Less(t, q.AmountOut, uint64(100_000))
	assert.True(t, q.PriceImpact.IsNegative())
}

func TestQuoteRejectsDrainingTrades(t *testing.T) {
	_, err := query.QuoteSell(amm.Reserves{Yes: 0, No: 10}, amm.DefaultFeeModel(), amm.OutcomeYes, 5)
	assert.Error(t, err)

	_, err = query.QuoteBuy(amm.Reserves{Yes: 1, No: 1}, amm.DefaultFeeModel(), amm.OutcomeYes, 1_000_000)
	assert.Error(t, err)
}

func TestAveragePrice(t *testing.T) {
	assert.True(t, query.AveragePrice(10, 0).IsZero())
	assert.True(t, query.AveragePrice(1, 4).Equal(decimal.RequireFromString("0.25")))
}
