package event

import (
	"time"

	"github.com/google/uuid"
)

// ClaimWinnings pays the caller's pro-rata share of a resolved market.
type ClaimWinnings struct {
	RequestID uuid.UUID
	Market    uuid.UUID
	Caller    uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (c *ClaimWinnings) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *ClaimWinnings) EventType() EventType {
	return EventTypeClaimWinnings
}

func (c *ClaimWinnings) MarketID() *string {
	return marketRef(c.Market)
}

func (c *ClaimWinnings) SourceSequence() int64 {
	return c.Sequence
}

func (c *ClaimWinnings) OccurredAt() time.Time {
	return c.Timestamp
}
