package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// QueryService provides read-only access to projection tables. Queries are
// served via gRPC and HTTP/JSON and every response carries as_of_sequence,
// the last event the read model has applied.
type QueryService struct {
	db   *sql.DB
	fees amm.FeeModel
}

// NewQueryService takes the live fee model so quotes match execution.
func NewQueryService(db *sql.DB, fees amm.FeeModel) *QueryService {
	return &QueryService{db: db, fees: fees}
}

const marketColumns = `
	market_id, authority, market_number, question, collateral, end_time, status,
	yes_reserve, no_reserve, total_yes_shares, total_no_shares,
	resolved_vault_balance, resolved_total_winning_shares, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner, asOfSeq int64) (*MarketResponse, error) {
	var m MarketResponse
	if err := row.Scan(
		&m.MarketID, &m.Authority, &m.MarketNumber, &m.Question, &m.Collateral, &m.EndTime, &m.Status,
		&m.YesReserve, &m.NoReserve, &m.TotalYesShares, &m.TotalNoShares,
		&m.ResolvedVaultBalance, &m.ResolvedTotalWinningShares, &m.Version,
	); err != nil {
		return nil, err
	}
	m.YesPrice, m.NoPrice = ImpliedPrices(amm.Reserves{Yes: m.YesReserve, No: m.NoReserve})
	m.AsOfSequence = asOfSeq
	return &m, nil
}

// GetMarket returns one market with its implied prices.
func (qs *QueryService) GetMarket(ctx context.Context, marketID uuid.UUID) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `SELECT `+marketColumns+`
		FROM projections.markets WHERE market_id = $1`, marketID)
	m, err := scanMarket(row, asOfSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}
	return m, err
}

// ListMarkets returns markets newest first. status filters on the stored
// status text ("Open", "Resolved:YES", ...) when non-empty.
func (qs *QueryService) ListMarkets(ctx context.Context, status string, limit int) ([]MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + marketColumns + ` FROM projections.markets`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY last_sequence DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		m, err := scanMarket(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// GetPosition returns one holder's position in a market.
func (qs *QueryService) GetPosition(ctx context.Context, marketID, owner uuid.UUID) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	p := PositionResponse{MarketID: marketID, Owner: owner, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT yes_shares, no_shares, claimed, version
		FROM projections.positions
		WHERE market_id = $1 AND owner = $2
	`, marketID, owner).Scan(&p.YesShares, &p.NoShares, &p.Claimed, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, marketID, owner)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns every position of an owner.
func (qs *QueryService) ListPositions(ctx context.Context, owner uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, yes_shares, no_shares, claimed, version
		FROM projections.positions
		WHERE owner = $1
		ORDER BY market_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Owner: owner, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.MarketID, &p.YesShares, &p.NoShares, &p.Claimed, &p.Version); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListTrades returns a market's trades newest first. beforeSequence pages
// backwards when set.
func (qs *QueryService) ListTrades(ctx context.Context, marketID uuid.UUID, limit int, beforeSequence *int64) ([]TradeResponse, error) {
	query := `
		SELECT sequence, owner, side, outcome, shares, collateral, fee, timestamp
		FROM projections.trades
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	if beforeSequence != nil {
		query += ` AND sequence < $2`
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(` ORDER BY sequence DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		t := TradeResponse{MarketID: marketID}
		var ts sql.NullTime
		if err := rows.Scan(&t.Sequence, &t.Owner, &t.Side, &t.Outcome, &t.Shares, &t.Collateral, &t.Fee, &ts); err != nil {
			return nil, err
		}
		if ts.Valid {
			t.Timestamp = ts.Time.UnixMicro()
		}
		t.AvgPrice = AveragePrice(t.Collateral, t.Shares)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// QuoteTrade previews a buy (amount is collateral) or a sell (amount is
// shares) against the projected reserves.
func (qs *QueryService) QuoteTrade(ctx context.Context, marketID uuid.UUID, side string, outcome amm.Outcome, amount uint64) (*Quote, error) {
	m, err := qs.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != state.Open().String() {
		return nil, fmt.Errorf("%w: market is %s", market.ErrInvalidMarketStatus, m.Status)
	}

	reserves := amm.Reserves{Yes: m.YesReserve, No: m.NoReserve}
	var q Quote
	switch side {
	case "buy":
		q, err = QuoteBuy(reserves, qs.fees, outcome, amount)
	case "sell":
		q, err = QuoteSell(reserves, qs.fees, outcome, amount)
	default:
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetSettlementPreview splits the resolution snapshot of a resolved market
// across every winning holder, claimed or not.
func (qs *QueryService) GetSettlementPreview(ctx context.Context, marketID uuid.UUID) (*SettlementPreview, error) {
	mr, err := qs.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	var status state.Status
	if err := status.UnmarshalText([]byte(mr.Status)); err != nil {
		return nil, err
	}
	m := &state.Market{
		ID:                         mr.MarketID,
		Status:                     status,
		ResolvedVaultBalance:       mr.ResolvedVaultBalance,
		ResolvedTotalWinningShares: mr.ResolvedTotalWinningShares,
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT owner, yes_shares, no_shares, claimed
		FROM projections.positions
		WHERE market_id = $1
	`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []state.Position
	claimed := make(map[uuid.UUID]bool)
	for rows.Next() {
		p := state.Position{MarketID: marketID}
		if err := rows.Scan(&p.Owner, &p.YesShares, &p.NoShares, &p.Claimed); err != nil {
			return nil, err
		}
		claimed[p.Owner] = p.Claimed
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dist, err := market.Distribution(m, positions)
	if err != nil {
		return nil, err
	}

	winner, _ := status.Winner()
	preview := &SettlementPreview{
		MarketID:     marketID,
		Winner:       winner.String(),
		VaultBalance: dist.Pool,
		TotalShares:  dist.TotalShares,
		Payouts:      make([]HolderPayout, 0, len(dist.Payouts)),
		Dust:         dist.Dust,
		PerShare:     AveragePrice(dist.Pool, dist.TotalShares),
		AsOfSequence: mr.AsOfSequence,
	}
	for _, p := range dist.Payouts {
		owner := uuid.UUID(p.HolderID)
		preview.Payouts = append(preview.Payouts, HolderPayout{
			Owner:   owner,
			Shares:  p.Shares,
			Payout:  p.Payout,
			Claimed: claimed[owner],
		})
	}
	return preview, nil
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var journalType int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the event log hash chain links back to genesis
// without gaps, and that projected balances net to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	var genesisPrev []byte
	err := qs.db.QueryRowContext(ctx, `
		SELECT prev_hash FROM event_log.events WHERE sequence = 0
	`).Scan(&genesisPrev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		genesis := core.GenesisHash()
		report.GenesisMismatch = string(genesisPrev) != string(genesis[:])
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e2.sequence IS NULL
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var gap bool
		if err := rows.Scan(&seq, &gap); err != nil {
			return nil, err
		}
		if gap {
			report.SequenceGaps = append(report.SequenceGaps, seq)
		} else {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var ub UnbalancedAsset
		if err := balanceRows.Scan(&ub.AssetID, &ub.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, ub)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = !report.GenesisMismatch &&
		len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

const maxPageSize = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
