package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateMarket
	EventTypeBuyShares
	EventTypeSellShares
	EventTypeResolveMarket
	EventTypeClaimWinnings
	EventTypeDepositCollateral
	EventTypeWithdrawCollateral
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nil for collateral events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation, 0 when unsequenced
	SourceSequence int64

	// Wire-encoded event, used for replay
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for collateral events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned time the operation is evaluated at.
	OccurredAt() time.Time
}

var eventTypeNames = map[EventType]string{
	EventTypeCreateMarket:       "CreateMarket",
	EventTypeBuyShares:          "BuyShares",
	EventTypeSellShares:         "SellShares",
	EventTypeResolveMarket:      "ResolveMarket",
	EventTypeClaimWinnings:      "ClaimWinnings",
	EventTypeDepositCollateral:  "DepositCollateral",
	EventTypeWithdrawCollateral: "WithdrawCollateral",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String. Unknown names map to
// EventTypeUnknown.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}

// AllEventTypes lists every known type in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeCreateMarket,
		EventTypeBuyShares,
		EventTypeSellShares,
		EventTypeResolveMarket,
		EventTypeClaimWinnings,
		EventTypeDepositCollateral,
		EventTypeWithdrawCollateral,
	}
}

func marketRef(id uuid.UUID) *string {
	s := id.String()
	return &s
}
