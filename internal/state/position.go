package state

import (
	"encoding/binary"

	"PredictLedger/internal/amm"

	"github.com/google/uuid"
)

// PositionKey identifies a holder's position in one market.
type PositionKey struct {
	MarketID uuid.UUID
	Owner    uuid.UUID
}

// Position holds one owner's outcome shares in one market.
type Position struct {
	MarketID  uuid.UUID
	Owner     uuid.UUID
	YesShares uint64
	NoShares  uint64
	Claimed   bool // false -> true once, never reset
	Version   int64
}

func (p *Position) Key() PositionKey {
	return PositionKey{MarketID: p.MarketID, Owner: p.Owner}
}

// Shares returns the holder's balance of an outcome.
func (p *Position) Shares(o amm.Outcome) uint64 {
	if o == amm.OutcomeYes {
		return p.YesShares
	}
	return p.NoShares
}

// SetShares replaces the holder's balance of an outcome.
func (p *Position) SetShares(o amm.Outcome, v uint64) {
	if o == amm.OutcomeYes {
		p.YesShares = v
	} else {
		p.NoShares = v
	}
}

// IsEmpty is true for a position that holds nothing.
func (p *Position) IsEmpty() bool {
	return p.YesShares == 0 && p.NoShares == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 56)

	buf = append(buf, p.MarketID[:]...)
	buf = append(buf, p.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.YesShares)
	buf = binary.LittleEndian.AppendUint64(buf, p.NoShares)

	var claimed byte
	if p.Claimed {
		claimed = 1
	}
	return append(buf, claimed)
}
