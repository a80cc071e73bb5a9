// Package market is the lifecycle state machine of binary CPMM markets.
//
// Every operation validates and prices against copies of the stored records,
// requests its single custody transfer last, and only then writes the
// records back. A rejected operation therefore changes nothing.
package market

import (
	"fmt"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/ledger"
	fpmath "PredictLedger/internal/math"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

// Engine applies market operations. Not thread-safe: the caller serializes.
type Engine struct {
	store   state.Store
	custody Custody
	cfg     Config
}

func NewEngine(store state.Store, custody Custody, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("market config: %w", err)
	}
	return &Engine{store: store, custody: custody, cfg: cfg}, nil
}

func (e *Engine) Config() Config { return e.cfg }

type CreateParams struct {
	Authority        uuid.UUID
	MarketID         uint64
	Question         string
	Collateral       string
	EndTime          int64
	InitialLiquidity uint64
	Now              int64
}

// CreateMarket opens a market with symmetric reserves and seeds its vault
// with twice the initial liquidity from the authority.
func (e *Engine) CreateMarket(p CreateParams) (uuid.UUID, error) {
	if p.InitialLiquidity == 0 {
		return uuid.Nil, ErrInvalidLiquidity
	}
	if len(p.Question) > e.cfg.MaxQuestionLen {
		return uuid.Nil, fmt.Errorf("%w: %d bytes, max %d", ErrQuestionTooLong, len(p.Question), e.cfg.MaxQuestionLen)
	}
	assetID, ok := ledger.GetAssetID(p.Collateral)
	if !ok || !e.cfg.acceptsCollateral(p.Collateral) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnsupportedCollateral, p.Collateral)
	}

	key := state.MarketKey{Authority: p.Authority, MarketID: p.MarketID}
	id := key.UUID()
	if _, exists := e.store.GetMarket(id); exists {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrMarketExists, id)
	}

	backing, err := fpmath.CheckedMul(p.InitialLiquidity, 2)
	if err != nil {
		return uuid.Nil, mathErr(err)
	}

	vault := ledger.NewVaultAccountKey(id, assetID)
	m := state.Market{
		ID:         id,
		Authority:  p.Authority,
		MarketID:   p.MarketID,
		Question:   p.Question,
		Collateral: p.Collateral,
		Vault:      vault.AccountPath(),
		EndTime:    p.EndTime,
		Status:     state.Open(),
		Reserves:   amm.Reserves{Yes: p.InitialLiquidity, No: p.InitialLiquidity},
		CreatedAt:  p.Now,
		Version:    1,
	}

	from := ledger.NewUserAccountKey(p.Authority, assetID)
	if err := e.custody.Transfer(backing, from, vault, ledger.OwnerCapability(p.Authority)); err != nil {
		return uuid.Nil, fmt.Errorf("fund vault: %w", mathErr(err))
	}

	e.store.PutMarket(m)
	return id, nil
}

type BuyParams struct {
	Market       uuid.UUID
	Caller       uuid.UUID
	Outcome      amm.Outcome
	GrossIn      uint64
	MinSharesOut uint64
	Now          int64
}

type BuyResult struct {
	SharesOut uint64
	NetIn     uint64
	Fee       uint64
}

// Buy swaps collateral for outcome shares. The full gross input enters the
// vault; only the net amount is priced, so the fee stays behind as backing.
func (e *Engine) Buy(p BuyParams) (BuyResult, error) {
	m, err := e.openMarket(p.Market, p.Now)
	if err != nil {
		return BuyResult{}, err
	}
	if !p.Outcome.Valid() {
		return BuyResult{}, ErrInvalidOutcome
	}
	if p.GrossIn == 0 {
		return BuyResult{}, ErrZeroAmount
	}

	netIn, fee, err := e.cfg.Fees.ApplyIn(p.GrossIn)
	if err != nil {
		return BuyResult{}, mathErr(err)
	}
	swap, err := amm.Buy(m.Reserves, p.Outcome, netIn)
	if err != nil {
		return BuyResult{}, mathErr(err)
	}
	if swap.SharesOut < p.MinSharesOut {
		return BuyResult{}, fmt.Errorf("%w: got %d, min %d", ErrSlippageExceeded, swap.SharesOut, p.MinSharesOut)
	}
	if swap.SharesOut == 0 {
		return BuyResult{}, ErrZeroSharesOut
	}
	if err := swap.Reserves.Validate(); err != nil {
		return BuyResult{}, mathErr(err)
	}

	pos, created := e.store.GetOrCreatePosition(state.PositionKey{MarketID: m.ID, Owner: p.Caller})
	if !created {
		if err := checkIdentity(&pos, m.ID, p.Caller); err != nil {
			return BuyResult{}, err
		}
	}

	held, err := fpmath.CheckedAdd(pos.Shares(p.Outcome), swap.SharesOut)
	if err != nil {
		return BuyResult{}, mathErr(err)
	}
	total, err := fpmath.CheckedAdd(m.TotalShares(p.Outcome), swap.SharesOut)
	if err != nil {
		return BuyResult{}, mathErr(err)
	}

	vault, err := vaultKey(&m)
	if err != nil {
		return BuyResult{}, err
	}
	from := ledger.NewUserAccountKey(p.Caller, vault.AssetID)
	if err := e.custody.Transfer(p.GrossIn, from, vault, ledger.OwnerCapability(p.Caller)); err != nil {
		return BuyResult{}, fmt.Errorf("collect buy input: %w", mathErr(err))
	}

	m.Reserves = swap.Reserves
	m.SetTotalShares(p.Outcome, total)
	m.Version++
	pos.SetShares(p.Outcome, held)
	pos.Version++

	e.store.PutMarket(m)
	e.store.PutPosition(pos)

	return BuyResult{SharesOut: swap.SharesOut, NetIn: netIn, Fee: fee}, nil
}

type SellParams struct {
	Market           uuid.UUID
	Caller           uuid.UUID
	Outcome          amm.Outcome
	SharesIn         uint64
	MinCollateralOut uint64
	Now              int64
}

type SellResult struct {
	GrossOut uint64
	NetOut   uint64
	Fee      uint64
}

// Sell returns shares to the pool. The fee withheld from the output is
// re-credited to the opposite reserve, the side the payout was drawn from.
func (e *Engine) Sell(p SellParams) (SellResult, error) {
	m, err := e.openMarket(p.Market, p.Now)
	if err != nil {
		return SellResult{}, err
	}
	if !p.Outcome.Valid() {
		return SellResult{}, ErrInvalidOutcome
	}
	if p.SharesIn == 0 {
		return SellResult{}, ErrZeroAmount
	}

	pos, ok := e.store.GetPosition(state.PositionKey{MarketID: m.ID, Owner: p.Caller})
	if !ok {
		return SellResult{}, ErrPositionNotFound
	}
	if err := checkIdentity(&pos, m.ID, p.Caller); err != nil {
		return SellResult{}, err
	}
	if pos.Claimed {
		return SellResult{}, ErrAlreadyClaimed
	}
	if pos.Shares(p.Outcome) < p.SharesIn {
		return SellResult{}, fmt.Errorf("%w: have %d, selling %d", ErrInsufficientShares, pos.Shares(p.Outcome), p.SharesIn)
	}

	swap, err := amm.Sell(m.Reserves, p.Outcome, p.SharesIn)
	if err != nil {
		return SellResult{}, mathErr(err)
	}
	if swap.GrossOut == 0 {
		return SellResult{}, ErrZeroCollateralOut
	}

	netOut, fee, err := e.cfg.Fees.ApplyOut(swap.GrossOut)
	if err != nil {
		return SellResult{}, mathErr(err)
	}
	if netOut < p.MinCollateralOut {
		return SellResult{}, fmt.Errorf("%w: got %d, min %d", ErrSlippageExceeded, netOut, p.MinCollateralOut)
	}

	reserves := swap.Reserves
	if fee > 0 {
		if reserves, err = reserves.Credit(p.Outcome.Opposite(), fee); err != nil {
			return SellResult{}, mathErr(err)
		}
	}
	if err := reserves.Validate(); err != nil {
		return SellResult{}, mathErr(err)
	}

	held, err := fpmath.CheckedSub(pos.Shares(p.Outcome), p.SharesIn)
	if err != nil {
		return SellResult{}, mathErr(err)
	}
	total, err := fpmath.CheckedSub(m.TotalShares(p.Outcome), p.SharesIn)
	if err != nil {
		return SellResult{}, mathErr(err)
	}

	vault, err := vaultKey(&m)
	if err != nil {
		return SellResult{}, err
	}
	to := ledger.NewUserAccountKey(p.Caller, vault.AssetID)
	if err := e.custody.Transfer(netOut, vault, to, ledger.VaultCapability(m.ID)); err != nil {
		return SellResult{}, fmt.Errorf("pay sell output: %w", mathErr(err))
	}

	m.Reserves = reserves
	m.SetTotalShares(p.Outcome, total)
	m.Version++
	pos.SetShares(p.Outcome, held)
	pos.Version++

	e.store.PutMarket(m)
	e.store.PutPosition(pos)

	return SellResult{GrossOut: swap.GrossOut, NetOut: netOut, Fee: fee}, nil
}

type ResolveParams struct {
	Market uuid.UUID
	Caller uuid.UUID
	Winner amm.Outcome
	Now    int64
}

// Resolution is the snapshot captured when a market resolves.
type Resolution struct {
	Winner             amm.Outcome
	VaultBalance       uint64
	TotalWinningShares uint64
}

// Resolve fixes the winning outcome and snapshots the vault balance and the
// winning share supply. Claims are computed against this snapshot only.
func (e *Engine) Resolve(p ResolveParams) (Resolution, error) {
	m, ok := e.store.GetMarket(p.Market)
	if !ok {
		return Resolution{}, ErrMarketNotFound
	}
	if p.Caller != m.Authority {
		return Resolution{}, ErrUnauthorized
	}
	if !m.Status.IsOpen() {
		return Resolution{}, fmt.Errorf("%w: %s", ErrInvalidMarketStatus, m.Status)
	}
	if !e.cfg.AllowEarlyResolution && p.Now < m.EndTime {
		return Resolution{}, fmt.Errorf("%w: now %d, ends %d", ErrMarketNotEnded, p.Now, m.EndTime)
	}
	if !p.Winner.Valid() {
		return Resolution{}, ErrInvalidOutcome
	}

	totalWinning := m.TotalShares(p.Winner)
	if totalWinning == 0 {
		return Resolution{}, fmt.Errorf("%w: no %s shares outstanding", ErrNoWinnings, p.Winner)
	}

	vault, err := vaultKey(&m)
	if err != nil {
		return Resolution{}, err
	}
	balance, err := e.custody.Balance(vault)
	if err != nil {
		return Resolution{}, fmt.Errorf("read vault balance: %w", err)
	}

	m.ResolvedVaultBalance = balance
	m.ResolvedTotalWinningShares = totalWinning
	m.Status = state.Resolved(p.Winner)
	m.Version++
	e.store.PutMarket(m)

	return Resolution{Winner: p.Winner, VaultBalance: balance, TotalWinningShares: totalWinning}, nil
}

// openMarket loads a market that accepts trades at now.
func (e *Engine) openMarket(id uuid.UUID, now int64) (state.Market, error) {
	m, ok := e.store.GetMarket(id)
	if !ok {
		return state.Market{}, ErrMarketNotFound
	}
	if !m.Status.IsOpen() {
		return state.Market{}, fmt.Errorf("%w: %s", ErrInvalidMarketStatus, m.Status)
	}
	if now >= m.EndTime {
		return state.Market{}, fmt.Errorf("%w: now %d, ended %d", ErrMarketExpired, now, m.EndTime)
	}
	return m, nil
}

func checkIdentity(pos *state.Position, marketID, owner uuid.UUID) error {
	if pos.MarketID != marketID {
		return ErrPositionMarketMismatch
	}
	if pos.Owner != owner {
		return ErrPositionOwnerMismatch
	}
	return nil
}

func vaultKey(m *state.Market) (ledger.AccountKey, error) {
	assetID, ok := ledger.GetAssetID(m.Collateral)
	if !ok {
		return ledger.AccountKey{}, fmt.Errorf("%w: %q", ErrUnsupportedCollateral, m.Collateral)
	}
	return ledger.NewVaultAccountKey(m.ID, assetID), nil
}
