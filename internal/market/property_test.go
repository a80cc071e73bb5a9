package market_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/state"
)

// Random trading followed by resolution and a claim from every holder.
// Share totals always match the positions, reserves stay positive, and claims
// never pay out more than the resolution snapshot.
func TestMarketLifecycleProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, market.DefaultConfig())
		authority := uuid.New()
		liquidity := rapid.Uint64Range(1_000, 10_000_000).Draw(rt, "liquidity")
		id := h.create(authority, liquidity)

		nUsers := rapid.IntRange(1, 5).Draw(rt, "users")
		users := make([]uuid.UUID, nUsers)
		for i := range users {
			users[i] = uuid.New()
			h.fund(users[i], 1_000_000_000)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			u := users[rapid.IntRange(0, nUsers-1).Draw(rt, "user")]
			o := amm.Outcome(rapid.Uint8Range(0, 1).Draw(rt, "outcome"))

			if rapid.Bool().Draw(rt, "buy") {
				gross := rapid.Uint64Range(1, 5_000_000).Draw(rt, "gross")
				_, err := h.buy(id, u, o, gross, 0, baseTime)
				if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) && !errors.Is(err, market.ErrInvalidLiquidity) {
					rt.Fatalf("buy: %v", err)
				}
				continue
			}

			pos, ok := h.store.GetPosition(state.PositionKey{MarketID: id, Owner: u})
			if !ok || pos.Shares(o) == 0 {
				continue
			}
			shares := rapid.Uint64Range(1, pos.Shares(o)).Draw(rt, "shares")
			if _, err := h.sell(id, u, o, shares, 0); err != nil && !errors.Is(err, market.ErrInvalidLiquidity) {
				rt.Fatalf("sell: %v", err)
			}
		}

		m := h.market(id)
		var yes, no uint64
		for _, p := range h.store.PositionsForMarket(id) {
			yes += p.YesShares
			no += p.NoShares
		}
		if yes != m.TotalYesShares || no != m.TotalNoShares {
			rt.Fatalf("totals %d/%d != positions %d/%d", m.TotalYesShares, m.TotalNoShares, yes, no)
		}
		if m.Reserves.Yes == 0 || m.Reserves.No == 0 {
			rt.Fatalf("reserve emptied: %+v", m.Reserves)
		}

		winner := amm.Outcome(rapid.Uint8Range(0, 1).Draw(rt, "winner"))
		if err := h.resolve(id, authority, winner, baseTime); err != nil {
			if errors.Is(err, market.ErrNoWinnings) && m.TotalShares(winner) == 0 {
				return
			}
			rt.Fatalf("resolve: %v", err)
		}

		snapshot := h.market(id).ResolvedVaultBalance
		holders := 0
		for _, p := range h.store.PositionsForMarket(id) {
			if p.Shares(winner) > 0 {
				holders++
			}
		}

		var paid uint64
		for _, u := range users {
			payout, err := h.claim(id, u)
			switch {
			case err == nil:
				paid += payout
			case errors.Is(err, market.ErrNoWinnings), errors.Is(err, market.ErrPositionNotFound):
			default:
				rt.Fatalf("claim: %v", err)
			}
			if _, err := h.claim(id, u); err == nil {
				rt.Fatal("second claim succeeded")
			}
		}

		if paid > snapshot {
			rt.Fatalf("paid %d exceeds snapshot %d", paid, snapshot)
		}
		if dust := snapshot - paid; dust >= uint64(holders) {
			rt.Fatalf("dust %d not below holder count %d", dust, holders)
		}
		if h.vault(id) != int64(snapshot-paid) {
			rt.Fatalf("vault %d != snapshot-paid %d", h.vault(id), snapshot-paid)
		}
	})
}
