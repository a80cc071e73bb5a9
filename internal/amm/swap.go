// Package amm prices binary outcome trades with a constant-product pool.
//
// Reserves are virtual and denominated in collateral units. Every division
// floors, which always rounds in favour of the pool.
package amm

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PredictLedger/internal/math"
)

// Outcome is a binary market outcome. Values other than YES and NO can
// arrive from the wire and are rejected by Valid.
type Outcome uint8

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "YES"
	case OutcomeNo:
		return "NO"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// ErrEmptyReserve signals a terminal liquidity fault: a pool side at zero.
var ErrEmptyReserve = errors.New("amm: reserve is empty")

// Reserves are the two virtual pool balances.
type Reserves struct {
	Yes uint64
	No  uint64
}

// Of returns the reserve backing the given outcome.
func (r Reserves) Of(o Outcome) uint64 {
	if o == OutcomeYes {
		return r.Yes
	}
	return r.No
}

// with returns r with outcome o's reserve set to v.
func (r Reserves) with(o Outcome, v uint64) Reserves {
	if o == OutcomeYes {
		r.Yes = v
	} else {
		r.No = v
	}
	return r
}

// Credit adds amount to outcome o's reserve.
func (r Reserves) Credit(o Outcome, amount uint64) (Reserves, error) {
	v, err := fpmath.CheckedAdd(r.Of(o), amount)
	if err != nil {
		return r, err
	}
	return r.with(o, v), nil
}

// Validate requires both sides to be positive.
func (r Reserves) Validate() error {
	if r.Yes == 0 || r.No == 0 {
		return fmt.Errorf("%w: yes=%d no=%d", ErrEmptyReserve, r.Yes, r.No)
	}
	return nil
}

// K returns yes*no as a fresh big.Int owned by the caller.
func (r Reserves) K() *big.Int {
	k := new(big.Int).SetUint64(r.Yes)
	return k.Mul(k, new(big.Int).SetUint64(r.No))
}

// BuyResult is the outcome of pricing a buy.
type BuyResult struct {
	Reserves  Reserves
	SharesOut uint64
}

// Buy prices buying outcome o with netIn collateral.
//
//	x = reserve(o), y = reserve(other)
//	y' = y + netIn, x' = floor(x*y / y'), out = x - x'
//
// A zero SharesOut is returned as-is; the caller decides how to reject it.
func Buy(r Reserves, o Outcome, netIn uint64) (BuyResult, error) {
	if err := r.Validate(); err != nil {
		return BuyResult{}, err
	}

	x := r.Of(o)
	y := r.Of(o.Opposite())

	k := fpmath.MultiplyInt128(x, y)
	defer fpmath.Release(k)

	yNew, err := fpmath.CheckedAdd(y, netIn)
	if err != nil {
		return BuyResult{}, err
	}
	xNew, err := fpmath.DivideInt128Floor(k, yNew)
	if err != nil {
		return BuyResult{}, err
	}
	out, err := fpmath.CheckedSub(x, xNew)
	if err != nil {
		return BuyResult{}, err
	}

	next := r.with(o, xNew).with(o.Opposite(), yNew)
	return BuyResult{Reserves: next, SharesOut: out}, nil
}

// SellResult is the outcome of pricing a sell, before fees.
type SellResult struct {
	Reserves Reserves
	GrossOut uint64
}

// Sell prices returning sharesIn of outcome o to the pool.
//
//	x = reserve(o), y = reserve(other)
//	x' = x + sharesIn, y' = floor(x*y / x'), gross = y - y'
func Sell(r Reserves, o Outcome, sharesIn uint64) (SellResult, error) {
	if err := r.Validate(); err != nil {
		return SellResult{}, err
	}

	x := r.Of(o)
	y := r.Of(o.Opposite())

	k := fpmath.MultiplyInt128(x, y)
	defer fpmath.Release(k)

	xNew, err := fpmath.CheckedAdd(x, sharesIn)
	if err != nil {
		return SellResult{}, err
	}
	yNew, err := fpmath.DivideInt128Floor(k, xNew)
	if err != nil {
		return SellResult{}, err
	}
	gross, err := fpmath.CheckedSub(y, yNew)
	if err != nil {
		return SellResult{}, err
	}

	next := r.with(o, xNew).with(o.Opposite(), yNew)
	return SellResult{Reserves: next, GrossOut: gross}, nil
}
