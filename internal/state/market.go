package state

import (
	"encoding/binary"
	"fmt"
	"strings"

	"PredictLedger/internal/amm"

	"github.com/google/uuid"
)

// StatusKind is the lifecycle stage of a market.
type StatusKind uint8

const (
	StatusOpen StatusKind = iota
	StatusResolved
	// StatusCancelled is declared for record compatibility. Nothing produces it.
	StatusCancelled
)

func (k StatusKind) String() string {
	switch k {
	case StatusOpen:
		return "Open"
	case StatusResolved:
		return "Resolved"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Status is a tagged lifecycle value. The winning outcome only exists inside
// the Resolved variant, so an Open market has no winner to read.
type Status struct {
	kind   StatusKind
	winner amm.Outcome
}

func Open() Status { return Status{kind: StatusOpen} }

func Resolved(winner amm.Outcome) Status {
	return Status{kind: StatusResolved, winner: winner}
}

func Cancelled() Status { return Status{kind: StatusCancelled} }

func (s Status) Kind() StatusKind { return s.kind }

func (s Status) IsOpen() bool { return s.kind == StatusOpen }

// Winner returns the winning outcome of a resolved market.
func (s Status) Winner() (amm.Outcome, bool) {
	if s.kind != StatusResolved {
		return 0, false
	}
	return s.winner, true
}

func (s Status) String() string {
	if w, ok := s.Winner(); ok {
		return "Resolved:" + w.String()
	}
	return s.kind.String()
}

// MarshalText encodes as "Open", "Resolved:YES", "Resolved:NO" or "Cancelled".
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	text := string(b)
	switch {
	case text == "Open":
		*s = Open()
	case text == "Cancelled":
		*s = Cancelled()
	case strings.HasPrefix(text, "Resolved:"):
		switch strings.TrimPrefix(text, "Resolved:") {
		case "YES":
			*s = Resolved(amm.OutcomeYes)
		case "NO":
			*s = Resolved(amm.OutcomeNo)
		default:
			return fmt.Errorf("invalid winner in status %q", text)
		}
	default:
		return fmt.Errorf("invalid market status %q", text)
	}
	return nil
}

// MarketKey is the creator-scoped identity of a market.
type MarketKey struct {
	Authority uuid.UUID
	MarketID  uint64
}

// marketNamespace scopes UUIDv5 market identities.
var marketNamespace = uuid.MustParse("5b0c7c1e-8d3a-4f51-9e5c-2a6f1d7b9e40")

// DeriveMarketUUID maps (authority, market_id) to a stable market identity.
func DeriveMarketUUID(key MarketKey) uuid.UUID {
	seed := make([]byte, 0, 24)
	seed = append(seed, key.Authority[:]...)
	seed = binary.BigEndian.AppendUint64(seed, key.MarketID)
	return uuid.NewSHA1(marketNamespace, seed)
}

func (k MarketKey) UUID() uuid.UUID { return DeriveMarketUUID(k) }

// Market is one binary outcome market.
type Market struct {
	ID        uuid.UUID
	Authority uuid.UUID // only account allowed to resolve
	MarketID  uint64    // creator-chosen, unique per authority

	Question   string
	Collateral string // asset accepted by the vault
	Vault      string // ledger account path holding pooled collateral
	EndTime    int64  // unix seconds; trading closes at this instant

	Status Status

	Reserves       amm.Reserves
	TotalYesShares uint64
	TotalNoShares  uint64

	// Captured once at resolution, zero before.
	ResolvedVaultBalance       uint64
	ResolvedTotalWinningShares uint64

	CreatedAt int64
	Version   int64
}

func (m *Market) Key() MarketKey {
	return MarketKey{Authority: m.Authority, MarketID: m.MarketID}
}

// TotalShares returns the outstanding share supply of an outcome.
func (m *Market) TotalShares(o amm.Outcome) uint64 {
	if o == amm.OutcomeYes {
		return m.TotalYesShares
	}
	return m.TotalNoShares
}

// SetTotalShares replaces the outstanding share supply of an outcome.
func (m *Market) SetTotalShares(o amm.Outcome, v uint64) {
	if o == amm.OutcomeYes {
		m.TotalYesShares = v
	} else {
		m.TotalNoShares = v
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160+len(m.Question))

	buf = append(buf, m.ID[:]...)
	buf = append(buf, m.Authority[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.MarketID)

	buf = appendString(buf, m.Question)
	buf = appendString(buf, m.Collateral)
	buf = appendString(buf, m.Vault)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.EndTime))

	winner, _ := m.Status.Winner()
	buf = append(buf, byte(m.Status.Kind()), byte(winner))

	buf = binary.LittleEndian.AppendUint64(buf, m.Reserves.Yes)
	buf = binary.LittleEndian.AppendUint64(buf, m.Reserves.No)
	buf = binary.LittleEndian.AppendUint64(buf, m.TotalYesShares)
	buf = binary.LittleEndian.AppendUint64(buf, m.TotalNoShares)
	buf = binary.LittleEndian.AppendUint64(buf, m.ResolvedVaultBalance)
	buf = binary.LittleEndian.AppendUint64(buf, m.ResolvedTotalWinningShares)

	return buf
}

// appendString writes a 2-byte length prefix followed by s.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
