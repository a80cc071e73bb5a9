package amm

import (
	"fmt"

	fpmath "PredictLedger/internal/math"
)

// DefaultFeeBPS is the trading fee: 50 bps = 0.50%.
const DefaultFeeBPS uint64 = 50

// FeeModel charges a basis-point fee on trade input (buys) or output (sells).
type FeeModel struct {
	BPS         uint64
	Denominator uint64
}

// DefaultFeeModel returns the 50 / 10000 fee model.
func DefaultFeeModel() FeeModel {
	return FeeModel{BPS: DefaultFeeBPS, Denominator: fpmath.BasisPointDenominator}
}

// Validate rejects models that could charge 100% or divide by zero.
func (f FeeModel) Validate() error {
	if f.Denominator == 0 {
		return fmt.Errorf("fee denominator must be positive")
	}
	if f.BPS >= f.Denominator {
		return fmt.Errorf("fee bps %d must be below denominator %d", f.BPS, f.Denominator)
	}
	return nil
}

// Fee computes floor(gross * BPS / Denominator).
func (f FeeModel) Fee(gross uint64) (uint64, error) {
	return fpmath.MulDivFloor(gross, f.BPS, f.Denominator)
}

// ApplyIn splits a buy's gross input into the amount that enters the swap and
// the fee left behind in the vault.
func (f FeeModel) ApplyIn(gross uint64) (net, fee uint64, err error) {
	return f.split(gross)
}

// ApplyOut splits a sell's gross output into the amount paid to the seller and
// the fee withheld. The withheld fee must be re-credited to the reserves.
func (f FeeModel) ApplyOut(gross uint64) (net, fee uint64, err error) {
	return f.split(gross)
}

func (f FeeModel) split(gross uint64) (uint64, uint64, error) {
	fee, err := f.Fee(gross)
	if err != nil {
		return 0, 0, err
	}
	net, err := fpmath.CheckedSub(gross, fee)
	if err != nil {
		return 0, 0, err
	}
	return net, fee, nil
}
