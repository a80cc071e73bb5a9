package query

import (
	"fmt"
	"math/big"

	"PredictLedger/internal/amm"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places prices are rounded to.
const PriceScale = 6

// ImpliedPrices returns the marginal prices of YES and NO. The price of an
// outcome is the opposite reserve over the total, so the two sum to one.
func ImpliedPrices(r amm.Reserves) (yes, no decimal.Decimal) {
	y := dec(r.Yes)
	n := dec(r.No)
	total := y.Add(n)
	if total.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	yes = n.DivRound(total, PriceScale)
	return yes, decimal.NewFromInt(1).Sub(yes)
}

// AveragePrice is collateral per share, zero when no shares moved.
func AveragePrice(collateral, shares uint64) decimal.Decimal {
	if shares == 0 {
		return decimal.Zero
	}
	return dec(collateral).DivRound(dec(shares), PriceScale)
}

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func priceOf(r amm.Reserves, o amm.Outcome) decimal.Decimal {
	yes, no := ImpliedPrices(r)
	if o == amm.OutcomeYes {
		return yes
	}
	return no
}

// QuoteBuy prices spending gross collateral on outcome o.
func QuoteBuy(r amm.Reserves, fees amm.FeeModel, o amm.Outcome, gross uint64) (Quote, error) {
	net, fee, err := fees.ApplyIn(gross)
	if err != nil {
		return Quote{}, err
	}
	swap, err := amm.Buy(r, o, net)
	if err != nil {
		return Quote{}, err
	}
	if err := swap.Reserves.Validate(); err != nil {
		return Quote{}, fmt.Errorf("trade drains the pool: %w", err)
	}

	return Quote{
		Side:        "buy",
		Outcome:     o.String(),
		AmountIn:    gross,
		AmountOut:   swap.SharesOut,
		Fee:         fee,
		AvgPrice:    AveragePrice(gross, swap.SharesOut),
		PriceImpact: priceOf(swap.Reserves, o).Sub(priceOf(r, o)),
	}, nil
}

// QuoteSell prices returning shares of outcome o. The withheld fee goes back
// to the opposite reserve, as on a real sell.
func QuoteSell(r amm.Reserves, fees amm.FeeModel, o amm.Outcome, shares uint64) (Quote, error) {
	swap, err := amm.Sell(r, o, shares)
	if err != nil {
		return Quote{}, err
	}
	net, fee, err := fees.ApplyOut(swap.GrossOut)
	if err != nil {
		return Quote{}, err
	}
	after := swap.Reserves
	if fee > 0 {
		if after, err = after.Credit(o.Opposite(), fee); err != nil {
			return Quote{}, err
		}
	}
	if err := after.Validate(); err != nil {
		return Quote{}, fmt.Errorf("trade drains the pool: %w", err)
	}

	return Quote{
		Side:        "sell",
		Outcome:     o.String(),
		AmountIn:    shares,
		AmountOut:   net,
		Fee:         fee,
		AvgPrice:    AveragePrice(net, shares),
		PriceImpact: priceOf(after, o).Sub(priceOf(r, o)),
	}, nil
}
