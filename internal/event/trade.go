package event

import (
	"time"

	"PredictLedger/internal/amm"

	"github.com/google/uuid"
)

// BuyShares swaps collateral for outcome shares against the market pool.
// Idempotency key: request_id.
type BuyShares struct {
	RequestID    uuid.UUID
	Market       uuid.UUID
	Caller       uuid.UUID
	Outcome      amm.Outcome
	Amount       uint64 // Gross collateral in, fee included
	MinSharesOut uint64
	Sequence     int64
	Timestamp    time.Time // Versioned input timestamp (NOT wall-clock)
}

func (b *BuyShares) IdempotencyKey() string {
	return b.RequestID.String()
}

func (b *BuyShares) EventType() EventType {
	return EventTypeBuyShares
}

func (b *BuyShares) MarketID() *string {
	return marketRef(b.Market)
}

func (b *BuyShares) SourceSequence() int64 {
	return b.Sequence
}

func (b *BuyShares) OccurredAt() time.Time {
	return b.Timestamp
}

// SellShares returns outcome shares to the pool for collateral.
type SellShares struct {
	RequestID        uuid.UUID
	Market           uuid.UUID
	Caller           uuid.UUID
	Outcome          amm.Outcome
	Shares           uint64
	MinCollateralOut uint64 // Checked against the net amount, after fee
	Sequence         int64
	Timestamp        time.Time
}

func (s *SellShares) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SellShares) EventType() EventType {
	return EventTypeSellShares
}

func (s *SellShares) MarketID() *string {
	return marketRef(s.Market)
}

func (s *SellShares) SourceSequence() int64 {
	return s.Sequence
}

func (s *SellShares) OccurredAt() time.Time {
	return s.Timestamp
}
