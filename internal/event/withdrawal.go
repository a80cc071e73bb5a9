package event

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawCollateral moves collateral out of the ledger. It fails when the
// user's free collateral is short.
type WithdrawCollateral struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Amount       uint64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawCollateral) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawCollateral) EventType() EventType {
	return EventTypeWithdrawCollateral
}

func (w *WithdrawCollateral) MarketID() *string {
	return nil
}

func (w *WithdrawCollateral) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawCollateral) OccurredAt() time.Time {
	return w.Timestamp
}
