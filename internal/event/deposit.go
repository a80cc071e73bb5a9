// internal/event/deposit.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositCollateral credits collateral arriving from outside the ledger.
// Idempotency key: deposit_id.
type DepositCollateral struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositCollateral) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositCollateral) EventType() EventType {
	return EventTypeDepositCollateral
}

func (d *DepositCollateral) MarketID() *string {
	return nil // Global event
}

func (d *DepositCollateral) SourceSequence() int64 {
	return d.Sequence
}

func (d *DepositCollateral) OccurredAt() time.Time {
	return d.Timestamp
}
