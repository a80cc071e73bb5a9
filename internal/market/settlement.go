package market

import (
	"fmt"

	"PredictLedger/internal/ledger"
	fpmath "PredictLedger/internal/math"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

type ClaimParams struct {
	Market uuid.UUID
	Caller uuid.UUID
}

// Claim pays the caller's pro-rata share of the resolution snapshot:
//
//	payout = floor(resolved_vault_balance * winning_shares / resolved_total_winning_shares)
//
// A position claims at most once.
func (e *Engine) Claim(p ClaimParams) (uint64, error) {
	m, pos, payout, err := e.settle(p.Market, p.Caller)
	if err != nil {
		return 0, err
	}

	vault, err := vaultKey(&m)
	if err != nil {
		return 0, err
	}
	to := ledger.NewUserAccountKey(p.Caller, vault.AssetID)
	if err := e.custody.Transfer(payout, vault, to, ledger.VaultCapability(m.ID)); err != nil {
		return 0, fmt.Errorf("pay claim: %w", mathErr(err))
	}

	pos.Claimed = true
	pos.Version++
	e.store.PutPosition(pos)

	return payout, nil
}

// PreviewClaim computes what Claim would pay without changing anything.
func (e *Engine) PreviewClaim(marketID, owner uuid.UUID) (uint64, error) {
	_, _, payout, err := e.settle(marketID, owner)
	return payout, err
}

func (e *Engine) settle(marketID, caller uuid.UUID) (state.Market, state.Position, uint64, error) {
	var none state.Position

	m, ok := e.store.GetMarket(marketID)
	if !ok {
		return m, none, 0, ErrMarketNotFound
	}
	if m.Status.Kind() != state.StatusResolved {
		return m, none, 0, fmt.Errorf("%w: %s", ErrMarketNotResolved, m.Status)
	}
	winner, ok := m.Status.Winner()
	if !ok || !winner.Valid() {
		return m, none, 0, ErrInvalidWinningOutcome
	}

	pos, ok := e.store.GetPosition(state.PositionKey{MarketID: m.ID, Owner: caller})
	if !ok {
		return m, none, 0, ErrPositionNotFound
	}
	if pos.Claimed {
		return m, none, 0, ErrAlreadyClaimed
	}
	if err := checkIdentity(&pos, m.ID, caller); err != nil {
		return m, none, 0, err
	}

	if m.ResolvedTotalWinningShares == 0 || m.ResolvedVaultBalance == 0 {
		return m, none, 0, ErrNoWinnings
	}
	shares := pos.Shares(winner)
	if shares == 0 {
		return m, none, 0, fmt.Errorf("%w: no %s shares held", ErrNoWinnings, winner)
	}

	payout, err := fpmath.ProRataShare(m.ResolvedVaultBalance, shares, m.ResolvedTotalWinningShares)
	if err != nil {
		return m, none, 0, mathErr(err)
	}
	if payout == 0 {
		return m, none, 0, fmt.Errorf("%w: payout rounds to zero", ErrNoWinnings)
	}

	return m, pos, payout, nil
}

// Distribution previews the payout of every winning holder of a resolved
// market. positions must be the market's full position set.
func Distribution(m *state.Market, positions []state.Position) (*fpmath.Distribution, error) {
	winner, ok := m.Status.Winner()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotResolved, m.Status)
	}

	holdings := make([]fpmath.Holding, 0, len(positions))
	for i := range positions {
		if positions[i].MarketID != m.ID {
			return nil, ErrPositionMarketMismatch
		}
		holdings = append(holdings, fpmath.Holding{
			HolderID: positions[i].Owner,
			Shares:   positions[i].Shares(winner),
		})
	}

	dist, err := fpmath.ComputeDistribution(m.ResolvedVaultBalance, m.ResolvedTotalWinningShares, holdings)
	if err != nil {
		return nil, mathErr(err)
	}
	return dist, nil
}
