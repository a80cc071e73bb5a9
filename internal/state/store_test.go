package state_test

import (
	"encoding/json"
	"testing"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

func TestMemoryStore_GetOrCreateIsUnsavedUntilPut(t *testing.T) {
	s := state.NewMemoryStore()
	key := state.PositionKey{MarketID: uuid.New(), Owner: uuid.New()}

	pos, created := s.GetOrCreatePosition(key)
	if !created {
		t.Fatal("expected a fresh position")
	}
	if pos.MarketID != key.MarketID || pos.Owner != key.Owner || !pos.IsEmpty() {
		t.Errorf("fresh position = %+v", pos)
	}
	if _, ok := s.GetPosition(key); ok {
		t.Fatal("fresh position visible before PutPosition")
	}

	pos.YesShares = 42
	s.PutPosition(pos)

	again, created := s.GetOrCreatePosition(key)
	if created {
		t.Error("expected the stored position")
	}
	if again.YesShares != 42 {
		t.Errorf("YesShares: got %d, want 42", again.YesShares)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := state.NewMemoryStore()
	m := state.Market{ID: uuid.New(), Status: state.Open(), Reserves: amm.Reserves{Yes: 10, No: 10}}
	s.PutMarket(m)

	got, _ := s.GetMarket(m.ID)
	got.Reserves.Yes = 1

	stored, _ := s.GetMarket(m.ID)
	if stored.Reserves.Yes != 10 {
		t.Errorf("stored market mutated through copy: yes=%d", stored.Reserves.Yes)
	}
}

func TestMemoryStore_PositionsOrdered(t *testing.T) {
	s := state.NewMemoryStore()
	market := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	owners := []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-00000000000c"),
		uuid.MustParse("00000000-0000-0000-0000-00000000000a"),
		uuid.MustParse("00000000-0000-0000-0000-00000000000b"),
	}
	for _, o := range owners {
		s.PutPosition(state.Position{MarketID: market, Owner: o, NoShares: 1})
	}
	s.PutPosition(state.Position{MarketID: uuid.New(), Owner: owners[0]})

	got := s.PositionsForMarket(market)
	if len(got) != 3 {
		t.Fatalf("got %d positions, want 3", len(got))
	}
	for i, want := range []byte{0x0a, 0x0b, 0x0c} {
		if got[i].Owner[15] != want {
			t.Errorf("position %d owner: got %x, want %x", i, got[i].Owner[15], want)
		}
	}
	if len(s.Positions()) != 4 {
		t.Errorf("Positions(): got %d, want 4", len(s.Positions()))
	}
}

func TestDeriveMarketUUID(t *testing.T) {
	authority := uuid.New()
	a := state.DeriveMarketUUID(state.MarketKey{Authority: authority, MarketID: 1})
	b := state.DeriveMarketUUID(state.MarketKey{Authority: authority, MarketID: 1})
	c := state.DeriveMarketUUID(state.MarketKey{Authority: authority, MarketID: 2})
	d := state.DeriveMarketUUID(state.MarketKey{Authority: uuid.New(), MarketID: 1})

	if a != b {
		t.Error("derivation is not deterministic")
	}
	if a == c || a == d {
		t.Error("distinct keys derived the same market")
	}
	if a.Version() != 5 {
		t.Errorf("version: got %d, want 5", a.Version())
	}
}

func TestStatus(t *testing.T) {
	if _, ok := state.Open().Winner(); ok {
		t.Error("open market reports a winner")
	}
	w, ok := state.Resolved(amm.OutcomeNo).Winner()
	if !ok || w != amm.OutcomeNo {
		t.Errorf("Winner() = (%v, %v), want (NO, true)", w, ok)
	}

	for _, s := range []state.Status{state.Open(), state.Resolved(amm.OutcomeYes), state.Resolved(amm.OutcomeNo), state.Cancelled()} {
		raw, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		var back state.Status
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if back != s {
			t.Errorf("round trip: got %v, want %v", back, s)
		}
	}

	var bad state.Status
	if err := bad.UnmarshalText([]byte("Resolved:MAYBE")); err == nil {
		t.Error("invalid winner accepted")
	}
}

func TestCanonicalBytes_ReflectState(t *testing.T) {
	m := state.Market{ID: uuid.New(), Status: state.Open(), Reserves: amm.Reserves{Yes: 5, No: 5}}
	before := m.CanonicalBytes()
	m.Status = state.Resolved(amm.OutcomeYes)
	if string(before) == string(m.CanonicalBytes()) {
		t.Error("market bytes ignore status")
	}

	p := state.Position{MarketID: m.ID, Owner: uuid.New(), YesShares: 3}
	pb := p.CanonicalBytes()
	p.Claimed = true
	if string(pb) == string(p.CanonicalBytes()) {
		t.Error("position bytes ignore claimed flag")
	}
}
