package math

import (
	"errors"
	"fmt"
	stdmath "math"
	"math/big"
	"math/bits"
	"sync"
)

var (
	// ErrOverflow covers overflow, underflow and failed narrowing.
	ErrOverflow       = errors.New("math: overflow")
	ErrDivisionByZero = errors.New("math: division by zero")
)

// BasisPointDenominator is the default fee denominator (1 bps = 1/10000).
const BasisPointDenominator uint64 = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

var maxUint64 = new(big.Int).SetUint64(stdmath.MaxUint64)

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return sum, nil
}

// CheckedSub returns a - b or ErrOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d underflows", ErrOverflow, a, b)
	}
	return diff, nil
}

// CheckedMul returns a * b or ErrOverflow.
func CheckedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return lo, nil
}

// MultiplyInt128 performs a * b in a pooled wide integer.
// The caller must hand the result back with Release.
func MultiplyInt128(a, b uint64) *big.Int {
	result := getInt128()
	factor := getInt128()
	result.SetUint64(a)
	factor.SetUint64(b)
	result.Mul(result, factor)
	putInt128(factor)
	return result
}

// Release returns a wide integer obtained from MultiplyInt128 to the pool.
func Release(v *big.Int) {
	if v != nil {
		putInt128(v)
	}
}

// DivideInt128Floor computes floor(numerator / denominator) and narrows the
// quotient back to 64 bits. Narrowing never truncates.
func DivideInt128Floor(numerator *big.Int, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, ErrDivisionByZero
	}
	if numerator.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative numerator", ErrOverflow)
	}

	denom := getInt128()
	denom.SetUint64(denominator)
	quotient := getInt128()

	// Quo truncates toward zero, which is floor for non-negative operands.
	quotient.Quo(numerator, denom)

	defer putInt128(denom)
	defer putInt128(quotient)

	return narrow(quotient)
}

// MulDivFloor computes floor(a * b / denominator) with a 128-bit intermediate.
func MulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, ErrDivisionByZero
	}

	hi, lo := bits.Mul64(a, b)
	if hi >= denominator {
		// Quotient would not fit in 64 bits.
		return 0, fmt.Errorf("%w: %d * %d / %d", ErrOverflow, a, b, denominator)
	}
	quo, _ := bits.Div64(hi, lo, denominator)
	return quo, nil
}

func narrow(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || v.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%w: %s does not fit in 64 bits", ErrOverflow, v.String())
	}
	return v.Uint64(), nil
}

// ToInt64 narrows a collateral amount into the signed ledger unit.
func ToInt64(v uint64) (int64, error) {
	if v > stdmath.MaxInt64 {
		return 0, fmt.Errorf("%w: %d exceeds int64", ErrOverflow, v)
	}
	return int64(v), nil
}

// ToUint64 widens a signed ledger balance into a collateral amount.
func ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: negative balance %d", ErrOverflow, v)
	}
	return uint64(v), nil
}
