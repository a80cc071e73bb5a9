package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/projection"
	"PredictLedger/internal/server"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// recoverCore restores the latest verified snapshot, replays the event log
// past it and returns the log head (-1 for an empty log). Every replayed
// event must land on its logged sequence and reproduce its logged state hash.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int64, error) {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		cs, err := snap.CoreState()
		if err != nil {
			return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		c.RestoreFromSnapshot(cs)
		log.Info().Int64("sequence", snap.Sequence).Int("markets", len(cs.Markets)).Msg("restored snapshot")
	} else {
		log.Info().Msg("no verified snapshot, cold start from sequence 0")
	}

	c.BeginReplay()
	defer c.EndReplay()

	from := c.GetSequence()
	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return 0, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: row.EventType, Data: row.Payload}, row.EventType)
			if err != nil {
				return 0, fmt.Errorf("parse logged event %d: %w", row.Sequence, err)
			}
			if err := c.Replay(evt, row.Sequence); err != nil {
				return 0, err
			}
			if hash := c.GetStateHash(); !bytes.Equal(hash[:], row.StateHash) {
				return 0, fmt.Errorf("state hash mismatch at sequence %d: logged %x, replayed %x",
					row.Sequence, row.StateHash, hash)
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(c.LastCommitted()))
	}
	log.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.LastCommitted()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")

	return c.LastCommitted(), nil
}

// outputBridge fans committed core outputs out to the pipeline workers. The
// event log gets every output; projections, the outbound stream and the feed
// drop on backlog.
type outputBridge struct {
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent // nil when NATS is off
	feed          *server.FeedHub
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// Run returns once both inputs are closed, closing its outputs. Once ctx ends
// the log can no longer take rows; the bridge keeps reading so the core never
// blocks on its persist send, and counts what it had to discard.
func (b *outputBridge) Run(ctx context.Context, persistIn, projectionIn <-chan core.CoreOutput) error {
	var discarded int64
	defer func() {
		if discarded > 0 {
			b.log.Error().Int64("events", discarded).Msg("committed events discarded after the event log stopped")
		}
		close(b.persistOut)
		close(b.projectionOut)
		if b.publishOut != nil {
			close(b.publishOut)
		}
	}()

	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			row, err := persistence.FromCoreOutput(out)
			if err != nil {
				// The core has already committed this event; without its log
				// row the log and state would diverge.
				b.log.Fatal().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("encode committed event")
			}
			select {
			case b.persistOut <- row:
			case <-ctx.Done():
				discarded++
				continue
			}
			b.fanOut(out)

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- projection.FromCoreOutput(out):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}
	return nil
}

func (b *outputBridge) fanOut(out core.CoreOutput) {
	evt, err := ingestion.NewPublishableEvent(out)
	if err != nil {
		b.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("build outbound event")
		return
	}
	b.feed.Publish(evt)

	if b.publishOut == nil {
		return
	}
	select {
	case b.publishOut <- evt:
	default:
		if b.metrics != nil {
			b.metrics.PublishDrops.Inc()
		}
	}
}

// snapshotter saves core snapshots and marks them verified once the event
// log has caught up with them.
type snapshotter struct {
	mgr      *persistence.SnapshotManager
	archiver *persistence.SnapshotArchiver // nil when archiving is off
	durable  func() int64
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// save returns the snapshot's sequence. An empty core is not saved.
func (s *snapshotter) save(ctx context.Context, cs *core.SnapshotState) (int64, error) {
	if cs.Sequence < 0 {
		return cs.Sequence, nil
	}
	start := time.Now()

	snap := persistence.NewSnapshotData(cs, time.Now().UTC())
	data, err := persistence.EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	if err := s.mgr.SaveSnapshot(ctx, snap, data); err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}

	// Recovery trusts verified snapshots only, and replays from past them.
	if err := s.waitDurable(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("snapshot %d not durable: %w", snap.Sequence, err)
	}
	if err := s.mgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}

	if s.archiver != nil {
		result := "ok"
		if err := s.archiver.Archive(ctx, snap.Sequence, data); err != nil {
			result = "error"
			s.log.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot archive failed")
		}
		if s.metrics != nil {
			s.metrics.SnapshotArchived.WithLabelValues(result).Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.log.Info().Int64("sequence", snap.Sequence).Int("bytes", len(data)).Msg("snapshot saved")
	return snap.Sequence, nil
}

func (s *snapshotter) waitDurable(ctx context.Context, seq int64) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.durable() < seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// runPeriodicSnapshots snapshots whenever interval events have committed
// since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	c *core.DeterministicCore,
	take server.Snapshotter,
	interval int64,
	log zerolog.Logger,
) error {
	if interval <= 0 {
		interval = 100_000
	}

	last := c.LastCommitted()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.LastCommitted()-last < interval {
				continue
			}
			seq, err := take(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
				}
				continue
			}
			last = seq
		}
	}
}
