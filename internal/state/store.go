package state

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// Store is the keyed record store behind the market engine.
//
// Records are returned by value: callers mutate their copy and nothing is
// visible until Put. This lets an operation validate and compute everything
// before committing any write.
type Store interface {
	GetMarket(id uuid.UUID) (Market, bool)
	PutMarket(m Market)

	GetPosition(key PositionKey) (Position, bool)
	// GetOrCreatePosition returns the stored position, or a fresh empty one
	// for key. created reports the latter; the fresh record is not stored
	// until PutPosition.
	GetOrCreatePosition(key PositionKey) (pos Position, created bool)
	PutPosition(p Position)
}

// MemoryStore is the in-memory Store used by the deterministic core.
// Not thread-safe: owned by the core goroutine.
type MemoryStore struct {
	markets   map[uuid.UUID]*Market
	positions map[PositionKey]*Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[uuid.UUID]*Market),
		positions: make(map[PositionKey]*Position),
	}
}

func (s *MemoryStore) GetMarket(id uuid.UUID) (Market, bool) {
	m, ok := s.markets[id]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

func (s *MemoryStore) PutMarket(m Market) {
	cp := m
	s.markets[m.ID] = &cp
}

func (s *MemoryStore) GetPosition(key PositionKey) (Position, bool) {
	p, ok := s.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (s *MemoryStore) GetOrCreatePosition(key PositionKey) (Position, bool) {
	if p, ok := s.positions[key]; ok {
		return *p, false
	}
	return Position{MarketID: key.MarketID, Owner: key.Owner}, true
}

func (s *MemoryStore) PutPosition(p Position) {
	cp := p
	s.positions[p.Key()] = &cp
}

// Markets returns every market ordered by ID.
func (s *MemoryStore) Markets() []Market {
	out := make([]Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Positions returns every position ordered by (market, owner).
func (s *MemoryStore) Positions() []Position {
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

// PositionsForMarket returns the positions of one market ordered by owner.
func (s *MemoryStore) PositionsForMarket(marketID uuid.UUID) []Position {
	var out []Position
	for key, p := range s.positions {
		if key.MarketID == marketID {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// Reset drops every record. Used when restoring from a snapshot.
func (s *MemoryStore) Reset() {
	s.markets = make(map[uuid.UUID]*Market)
	s.positions = make(map[PositionKey]*Position)
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if c := bytes.Compare(ps[i].MarketID[:], ps[j].MarketID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(ps[i].Owner[:], ps[j].Owner[:]) < 0
	})
}
