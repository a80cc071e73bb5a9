package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PredictLedger/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerID keys the watermark row of the live projection worker.
const WorkerID = "main"

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop. A gap in sequences is
// logged; the read model is then stale until RebuildProjections runs.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop. Outputs at or below the stored
// watermark are skipped, so restarting after a replay never double-applies.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	last, err := LoadWatermark(ctx, pw.db, WorkerID)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq = last

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}
			if output.Sequence != pw.lastSeq+1 {
				pw.log.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", output.Sequence).
					Msg("projection gap, rebuild required")
			}

			start := time.Now()
			if err := Apply(ctx, pw.db, WorkerID, output); err != nil {
				// Projections are eventually consistent and rebuild from the log.
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Sequence

			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionLastSequence.Set(float64(output.Sequence))
			}
		}
	}
}

// Apply writes one output and advances the worker's watermark in a single
// transaction.
func Apply(ctx context.Context, db *sql.DB, workerID string, output ProjectionOutput) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := updateBalance(ctx, tx, j.DebitAccount, j.AssetID, j.Amount, output.Sequence); err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if err := updateBalance(ctx, tx, j.CreditAccount, j.AssetID, -j.Amount, output.Sequence); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
	}

	if output.Market != nil {
		if err := upsertMarket(ctx, tx, output); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
	}
	if output.Position != nil {
		if err := upsertPosition(ctx, tx, output); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	if output.Trade != nil {
		if err := insertTrade(ctx, tx, output); err != nil {
			return fmt.Errorf("trade projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// LoadWatermark returns the last applied sequence of a worker, -1 if it has
// never applied anything.
func LoadWatermark(ctx context.Context, db *sql.DB, workerID string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, workerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func updateBalance(ctx context.Context, tx *sql.Tx, account string, assetID uint16, delta int64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, account, assetID, delta, seq)
	return err
}

func upsertMarket(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	m := output.Market
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, authority, market_number, question, collateral, end_time, status,
			 yes_reserve, no_reserve, total_yes_shares, total_no_shares,
			 resolved_vault_balance, resolved_total_winning_shares, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (market_id) DO UPDATE SET
			status = $7,
			yes_reserve = $8,
			no_reserve = $9,
			total_yes_shares = $10,
			total_no_shares = $11,
			resolved_vault_balance = $12,
			resolved_total_winning_shares = $13,
			version = $14,
			last_sequence = $15
	`, m.ID, m.Authority, m.MarketID, m.Question, m.Collateral, m.EndTime, m.Status.String(),
		m.Reserves.Yes, m.Reserves.No, m.TotalYesShares, m.TotalNoShares,
		m.ResolvedVaultBalance, m.ResolvedTotalWinningShares, m.Version, output.Sequence)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	p := output.Position
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(market_id, owner, yes_shares, no_shares, claimed, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, owner) DO UPDATE SET
			yes_shares = $3,
			no_shares = $4,
			claimed = $5,
			version = $6,
			last_sequence = $7
	`, p.MarketID, p.Owner, p.YesShares, p.NoShares, p.Claimed, p.Version, output.Sequence)
	return err
}

func insertTrade(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	t := output.Trade
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trades
			(sequence, market_id, owner, side, outcome, shares, collateral, fee, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, t.MarketID, t.Owner, t.Side, t.Outcome, t.Shares, t.Collateral, t.Fee,
		time.UnixMicro(output.Timestamp).UTC())
	return err
}
