package event

import (
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

// CreateMarket opens a binary market owned by Authority.
// Idempotency key: request_id.
type CreateMarket struct {
	RequestID        uuid.UUID
	Authority        uuid.UUID
	MarketNumber     uint64 // Creator-chosen id, unique per authority
	Question         string
	Collateral       string // Asset symbol, e.g. "USDC"
	EndTime          int64  // Unix seconds
	InitialLiquidity uint64
	Sequence         int64
	Timestamp        time.Time
}

// Market returns the derived market UUID.
func (c *CreateMarket) Market() uuid.UUID {
	return state.DeriveMarketUUID(state.MarketKey{Authority: c.Authority, MarketID: c.MarketNumber})
}

func (c *CreateMarket) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *CreateMarket) EventType() EventType {
	return EventTypeCreateMarket
}

func (c *CreateMarket) MarketID() *string {
	return marketRef(c.Market())
}

func (c *CreateMarket) SourceSequence() int64 {
	return c.Sequence
}

func (c *CreateMarket) OccurredAt() time.Time {
	return c.Timestamp
}

// ResolveMarket fixes the winning outcome. Only the market authority may
// resolve.
type ResolveMarket struct {
	RequestID uuid.UUID
	Market    uuid.UUID
	Caller    uuid.UUID
	Winner    amm.Outcome
	Sequence  int64
	Timestamp time.Time
}

func (r *ResolveMarket) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *ResolveMarket) EventType() EventType {
	return EventTypeResolveMarket
}

func (r *ResolveMarket) MarketID() *string {
	return marketRef(r.Market)
}

func (r *ResolveMarket) SourceSequence() int64 {
	return r.Sequence
}

func (r *ResolveMarket) OccurredAt() time.Time {
	return r.Timestamp
}
