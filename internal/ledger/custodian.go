package ledger

import (
	"errors"
	"fmt"

	fpmath "PredictLedger/internal/math"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnauthorized      = errors.New("ledger: capability does not authorize source account")
	ErrAssetMismatch     = errors.New("ledger: asset mismatch")
	ErrNoOpenBatch       = errors.New("ledger: no open batch")
)

// Custodian stages collateral transfers as journal entries.
//
// The core opens a batch per event with Begin, the market engine requests
// transfers against it, and the core takes the batch, validates it and
// applies it to the tracker. Nothing moves until the batch is applied, so a
// failed operation is discarded without effect.
//
// Not thread-safe: owned by the core goroutine.
type Custodian struct {
	tracker *BalanceTracker
	pending *Batch
	jtype   JournalType
	staged  map[AccountKey]int64 // net movement of the pending batch
}

func NewCustodian(tracker *BalanceTracker) *Custodian {
	return &Custodian{tracker: tracker}
}

// Begin opens a pending batch for one event. Any previous pending batch is
// dropped.
func (c *Custodian) Begin(eventRef string, sequence, timestamp int64, jtype JournalType) {
	c.pending = &Batch{
		BatchID:   BatchIDFor(eventRef),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
	c.jtype = jtype
	c.staged = make(map[AccountKey]int64, 2)
}

// Transfer stages amount from -> to under the given capability.
func (c *Custodian) Transfer(amount uint64, from, to AccountKey, authorizedBy Capability) error {
	if c.pending == nil {
		return ErrNoOpenBatch
	}
	if from.AssetID != to.AssetID {
		return fmt.Errorf("%w: %s -> %s", ErrAssetMismatch, from.AccountPath(), to.AccountPath())
	}
	if !authorizedBy.Authorizes(from) {
		return fmt.Errorf("%w: %s over %s", ErrUnauthorized, authorizedBy, from.AccountPath())
	}
	if amount == 0 {
		return fmt.Errorf("transfer of zero from %s", from.AccountPath())
	}

	signed, err := fpmath.ToInt64(amount)
	if err != nil {
		return err
	}

	if !from.IsExternal() {
		available := c.tracker.GetBalance(from) + c.staged[from]
		if available < signed {
			return fmt.Errorf("%w: %s have=%d, need=%d", ErrInsufficientFunds, from.AccountPath(), available, signed)
		}
	}

	leg := len(c.pending.Journals)
	c.pending.Journals = append(c.pending.Journals, Journal{
		JournalID:     JournalIDFor(c.pending.EventRef, leg),
		BatchID:       c.pending.BatchID,
		EventRef:      c.pending.EventRef,
		Sequence:      c.pending.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        signed,
		JournalType:   c.jtype,
		Timestamp:     c.pending.Timestamp,
	})
	c.staged[from] -= signed
	c.staged[to] += signed

	return nil
}

// Balance returns the balance of key including staged movements.
func (c *Custodian) Balance(key AccountKey) (uint64, error) {
	bal := c.tracker.GetBalance(key) + c.staged[key]
	v, err := fpmath.ToUint64(bal)
	if err != nil {
		return 0, fmt.Errorf("account %s: %w", key.AccountPath(), err)
	}
	return v, nil
}

// Take closes the pending batch and returns it. A batch without journals
// yields nil.
func (c *Custodian) Take() *Batch {
	batch := c.pending
	c.Discard()
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// Discard drops the pending batch.
func (c *Custodian) Discard() {
	c.pending = nil
	c.staged = nil
}
