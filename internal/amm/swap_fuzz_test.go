package amm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"PredictLedger/internal/amm"
	fpmath "PredictLedger/internal/math"
)

func FuzzBuySell(f *testing.F) {
	f.Add(uint64(1_000_000), uint64(1_000_000), uint64(99_500), uint8(0))
	f.Add(uint64(1), uint64(1), uint64(1), uint8(1))
	f.Add(uint64(10), uint64(1<<63), uint64(1<<62), uint8(0))

	f.Fuzz(func(t *testing.T, yes, no, in uint64, side uint8) {
		r := amm.Reserves{Yes: yes, No: no}
		o := amm.Outcome(side % 2)

		bought, err := amm.Buy(r, o, in)
		if yes == 0 || no == 0 {
			require.ErrorIs(t, err, amm.ErrEmptyReserve)
			return
		}
		if err != nil {
			require.True(t, errors.Is(err, fpmath.ErrOverflow), "unexpected error: %v", err)
			return
		}
		require.LessOrEqual(t, bought.SharesOut, r.Of(o))
		require.Equal(t, r.Of(o)-bought.SharesOut, bought.Reserves.Of(o))
		require.LessOrEqual(t, bought.Reserves.K().Cmp(r.K()), 0)

		if bought.SharesOut == 0 || bought.Reserves.Of(o) == 0 {
			return
		}
		sold, err := amm.Sell(bought.Reserves, o, bought.SharesOut)
		if err != nil {
			require.True(t, errors.Is(err, fpmath.ErrOverflow), "unexpected error: %v", err)
			return
		}
		require.Equal(t, r.Of(o), sold.Reserves.Of(o))
		require.LessOrEqual(t, sold.GrossOut, bought.Reserves.Of(o.Opposite()))
	})
}
