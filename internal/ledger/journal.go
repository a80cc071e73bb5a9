package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarketFunding // creator seeds the vault with 2x liquidity
	JournalTypeBuyShares     // buyer pays gross input into the vault
	JournalTypeSellShares    // vault pays net output to the seller
	JournalTypeClaimPayout   // vault pays a winning claim
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "Deposit"
	case JournalTypeWithdrawal:
		return "Withdrawal"
	case JournalTypeMarketFunding:
		return "MarketFunding"
	case JournalTypeBuyShares:
		return "BuyShares"
	case JournalTypeSellShares:
		return "SellShares"
	case JournalTypeClaimPayout:
		return "ClaimPayout"
	case JournalTypeAdjustment:
		return "Adjustment"
	default:
		return "Unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic per (event, leg)
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from its credit account to its debit
// account, so every entry balances by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

var (
	batchNamespace   = uuid.MustParse("0d6f3c52-5a1e-4b8e-a7a4-4f7f2b8c1e01")
	journalNamespace = uuid.MustParse("0d6f3c52-5a1e-4b8e-a7a4-4f7f2b8c1e02")
)

// BatchIDFor derives the batch ID of an event so replay reproduces it.
func BatchIDFor(eventRef string) uuid.UUID {
	return uuid.NewSHA1(batchNamespace, []byte(eventRef))
}

// JournalIDFor derives the ID of the leg-th journal of an event.
func JournalIDFor(eventRef string, leg int) uuid.UUID {
	return uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s/%d", eventRef, leg)))
}
