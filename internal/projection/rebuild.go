package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/market"
	"PredictLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const rebuildBatchSize = 1000

// RebuildProjections truncates the read model and rebuilds it by running the
// event log through a scratch core. cfg must match the live market rules.
// Stop the live projection worker first: both advance the same watermark.
// Returns the number of events projected.
func RebuildProjections(ctx context.Context, db *sql.DB, cfg market.Config, log zerolog.Logger) (int64, error) {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.trades`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + WorkerID + `'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	outputs := make(chan core.CoreOutput, 1)
	scratch, err := core.NewDeterministicCore(core.Options{Market: cfg, LRUCapacity: rebuildBatchSize}, nil, outputs)
	if err != nil {
		return 0, err
	}

	snapMgr := persistence.NewSnapshotManager(db)
	var projected int64
	from := int64(0)
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, rebuildBatchSize)
		if err != nil {
			return projected, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: row.Payload}, row.EventType)
			if err != nil {
				return projected, fmt.Errorf("parse seq=%d: %w", row.Sequence, err)
			}
			if err := scratch.Replay(evt, row.Sequence); err != nil {
				return projected, err
			}
			if err := Apply(ctx, db, WorkerID, FromCoreOutput(<-outputs)); err != nil {
				return projected, fmt.Errorf("apply seq=%d: %w", row.Sequence, err)
			}
			projected++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	log.Info().Int64("events", projected).Msg("projection rebuild complete")
	return projected, nil
}
