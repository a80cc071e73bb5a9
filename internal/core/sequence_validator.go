package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order event")
)

// SequenceValidator validates source sequences per partition.
//
// Producers number their submissions from 1 per partition. Sequence 0 marks
// an unsequenced direct submission, ordered by arrival only. A partition
// advances only when an event commits, so a rejected operation may be
// resubmitted under the same number.
//
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	lastSeq map[string]int64 // partition -> last committed sequence
	metrics *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		metrics: NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering without advancing.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	if sourceSequence == 0 {
		return nil
	}

	expected := sv.lastSeq[partition] + 1

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		sv.metrics.RecordGap(partition, expected, sourceSequence)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)
	}

	return nil
}

// Advance records a committed sequence.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence == 0 {
		return
	}
	sv.lastSeq[partition] = sourceSequence
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.lastSeq[partition] + 1
}

// GetAllPartitions copies the last committed sequence of every partition.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.lastSeq))
	for p, s := range sv.lastSeq {
		out[p] = s
	}
	return out
}

// RestorePartition initializes a partition during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, lastSeq int64) {
	sv.lastSeq[partition] = lastSeq
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
