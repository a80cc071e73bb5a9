package market

import (
	"errors"
	"fmt"

	"PredictLedger/internal/amm"
	fpmath "PredictLedger/internal/math"
)

// Kind classifies a rejected operation.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindState
	KindAuthorization
	KindArithmetic
	KindEconomic
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindAuthorization:
		return "authorization"
	case KindArithmetic:
		return "arithmetic"
	case KindEconomic:
		return "economic"
	default:
		return "unknown"
	}
}

// Error is a terminal rejection. Every Error aborts the whole operation.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrInvalidOutcome        = newError(KindValidation, "InvalidOutcome", "invalid outcome index")
	ErrZeroAmount            = newError(KindValidation, "ZeroAmount", "zero amount not allowed")
	ErrInvalidLiquidity      = newError(KindValidation, "InvalidLiquidity", "invalid liquidity")
	ErrQuestionTooLong       = newError(KindValidation, "QuestionTooLong", "question too long")
	ErrUnsupportedCollateral = newError(KindValidation, "UnsupportedCollateral", "collateral asset not accepted")

	ErrMarketNotFound        = newError(KindState, "MarketNotFound", "market not found")
	ErrMarketExists          = newError(KindState, "MarketExists", "market already exists")
	ErrInvalidMarketStatus   = newError(KindState, "InvalidMarketStatus", "invalid market status for this operation")
	ErrMarketExpired         = newError(KindState, "MarketExpired", "market has already expired")
	ErrMarketNotEnded        = newError(KindState, "MarketNotEnded", "market has not reached its end time")
	ErrMarketNotResolved     = newError(KindState, "MarketNotResolved", "market is not resolved")
	ErrInvalidWinningOutcome = newError(KindState, "InvalidWinningOutcome", "invalid winning outcome")
	ErrAlreadyClaimed        = newError(KindState, "AlreadyClaimed", "position already claimed")
	ErrPositionNotFound      = newError(KindState, "PositionNotFound", "position not found")

	ErrUnauthorized           = newError(KindAuthorization, "Unauthorized", "unauthorized")
	ErrPositionMarketMismatch = newError(KindAuthorization, "PositionMarketMismatch", "position market mismatch")
	ErrPositionOwnerMismatch  = newError(KindAuthorization, "PositionOwnerMismatch", "position owner mismatch")

	ErrMathOverflow = newError(KindArithmetic, "MathOverflow", "math overflow")

	ErrSlippageExceeded   = newError(KindEconomic, "SlippageExceeded", "slippage exceeded user limit")
	ErrZeroSharesOut      = newError(KindEconomic, "ZeroSharesOut", "zero shares out")
	ErrZeroCollateralOut  = newError(KindEconomic, "ZeroCollateralOut", "zero collateral out")
	ErrInsufficientShares = newError(KindEconomic, "InsufficientShares", "insufficient shares to sell")
	ErrNoWinnings         = newError(KindEconomic, "NoWinnings", "no winnings available")
)

// KindOf returns the kind of a market error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return 0, false
}

// CodeOf returns the stable code of a market error, or "" for other errors.
func CodeOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// mathErr translates arithmetic and pool failures into market errors.
func mathErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, amm.ErrEmptyReserve):
		return fmt.Errorf("%w: %w", ErrInvalidLiquidity, err)
	case errors.Is(err, fpmath.ErrOverflow), errors.Is(err, fpmath.ErrDivisionByZero):
		return fmt.Errorf("%w: %w", ErrMathOverflow, err)
	default:
		return err
	}
}
