package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

// SnapshotFormatVersion is stored next to each snapshot row.
// v1: JSON-encoded SnapshotData.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds balances, markets, positions, source sequence counters,
// recent idempotency keys and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Balances        map[string]int64   `json:"balances"` // AccountPath -> balance
	Markets         []MarketSnapshot   `json:"markets"`
	Positions       []PositionSnapshot `json:"positions"`
	SequenceState   map[string]int64   `json:"sequence_state"`   // partition -> last accepted seq
	IdempotencyKeys []string           `json:"idempotency_keys"` // oldest first, for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

// MarketSnapshot is a serializable market.
type MarketSnapshot struct {
	ID                         uuid.UUID    `json:"id"`
	Authority                  uuid.UUID    `json:"authority"`
	MarketID                   uint64       `json:"market_id"`
	Question                   string       `json:"question"`
	Collateral                 string       `json:"collateral"`
	Vault                      string       `json:"vault"`
	EndTime                    int64        `json:"end_time"`
	Status                     state.Status `json:"status"`
	YesReserve                 uint64       `json:"yes_reserve"`
	NoReserve                  uint64       `json:"no_reserve"`
	TotalYesShares             uint64       `json:"total_yes_shares"`
	TotalNoShares              uint64       `json:"total_no_shares"`
	ResolvedVaultBalance       uint64       `json:"resolved_vault_balance"`
	ResolvedTotalWinningShares uint64       `json:"resolved_total_winning_shares"`
	CreatedAt                  int64        `json:"created_at"`
	Version                    int64        `json:"version"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	MarketID  uuid.UUID `json:"market_id"`
	Owner     uuid.UUID `json:"owner"`
	YesShares uint64    `json:"yes_shares"`
	NoShares  uint64    `json:"no_shares"`
	Claimed   bool      `json:"claimed"`
	Version   int64     `json:"version"`
}

// NewSnapshotData converts core state into its stored form.
func NewSnapshotData(cs *core.SnapshotState, createdAt time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        cs.Sequence,
		StateHash:       append([]byte(nil), cs.StateHash[:]...),
		Balances:        make(map[string]int64, len(cs.Balances)),
		Markets:         make([]MarketSnapshot, 0, len(cs.Markets)),
		Positions:       make([]PositionSnapshot, 0, len(cs.Positions)),
		SequenceState:   cs.SequenceState,
		IdempotencyKeys: cs.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for key, balance := range cs.Balances {
		snap.Balances[key.AccountPath()] = balance
	}

	for _, m := range cs.Markets {
		snap.Markets = append(snap.Markets, MarketSnapshot{
			ID:                         m.ID,
			Authority:                  m.Authority,
			MarketID:                   m.MarketID,
			Question:                   m.Question,
			Collateral:                 m.Collateral,
			Vault:                      m.Vault,
			EndTime:                    m.EndTime,
			Status:                     m.Status,
			YesReserve:                 m.Reserves.Yes,
			NoReserve:                  m.Reserves.No,
			TotalYesShares:             m.TotalYesShares,
			TotalNoShares:              m.TotalNoShares,
			ResolvedVaultBalance:       m.ResolvedVaultBalance,
			ResolvedTotalWinningShares: m.ResolvedTotalWinningShares,
			CreatedAt:                  m.CreatedAt,
			Version:                    m.Version,
		})
	}

	for _, p := range cs.Positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			MarketID:  p.MarketID,
			Owner:     p.Owner,
			YesShares: p.YesShares,
			NoShares:  p.NoShares,
			Claimed:   p.Claimed,
			Version:   p.Version,
		})
	}

	return snap
}

// CoreState converts a stored snapshot back into core state.
func (s *SnapshotData) CoreState() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot seq=%d: state hash is %d bytes", s.Sequence, len(s.StateHash))
	}

	cs := &core.SnapshotState{
		Sequence:        s.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(s.Balances)),
		Markets:         make([]state.Market, 0, len(s.Markets)),
		Positions:       make([]state.Position, 0, len(s.Positions)),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
	}
	copy(cs.StateHash[:], s.StateHash)

	for path, balance := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot seq=%d: %w", s.Sequence, err)
		}
		cs.Balances[key] = balance
	}

	for _, ms := range s.Markets {
		cs.Markets = append(cs.Markets, state.Market{
			ID:                         ms.ID,
			Authority:                  ms.Authority,
			MarketID:                   ms.MarketID,
			Question:                   ms.Question,
			Collateral:                 ms.Collateral,
			Vault:                      ms.Vault,
			EndTime:                    ms.EndTime,
			Status:                     ms.Status,
			Reserves:                   amm.Reserves{Yes: ms.YesReserve, No: ms.NoReserve},
			TotalYesShares:             ms.TotalYesShares,
			TotalNoShares:              ms.TotalNoShares,
			ResolvedVaultBalance:       ms.ResolvedVaultBalance,
			ResolvedTotalWinningShares: ms.ResolvedTotalWinningShares,
			CreatedAt:                  ms.CreatedAt,
			Version:                    ms.Version,
		})
	}

	for _, ps := range s.Positions {
		cs.Positions = append(cs.Positions, state.Position{
			MarketID:  ps.MarketID,
			Owner:     ps.Owner,
			YesShares: ps.YesShares,
			NoShares:  ps.NoShares,
			Claimed:   ps.Claimed,
			Version:   ps.Version,
		})
	}

	return cs, nil
}

// EncodeSnapshot returns the stored byte form of snap.
func EncodeSnapshot(snap *SnapshotData) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*SnapshotData, error) {
	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an encoded snapshot, unverified. Mark it verified once
// every event up to its sequence is durable in the event log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData, data []byte) error {
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none and the caller should cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return DecodeSnapshot(data)
}

// MarkVerified marks a snapshot as verified.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, -1 when
// the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
