package projection

import (
	"PredictLedger/internal/core"
	"PredictLedger/internal/event"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

// ProjectionOutput is the slice of a committed event the read model needs.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	MarketID       *string
	JournalEntries []JournalEntry
	Market         *state.Market
	Position       *state.Position
	Trade          *TradeEntry
	Timestamp      int64 // epoch microseconds
}

// JournalEntry is a simplified journal for projection consumption. The
// debit account gains Amount and the credit account loses it.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// TradeEntry is one buy or sell against a market pool.
type TradeEntry struct {
	MarketID   uuid.UUID
	Owner      uuid.UUID
	Side       string // "buy" or "sell"
	Outcome    string
	Shares     uint64
	Collateral uint64 // paid in for a buy, paid out for a sell
	Fee        uint64
}

// FromCoreOutput converts a committed core output.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	p := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		MarketID:  env.MarketID,
		Market:    out.Market,
		Position:  out.Position,
		Timestamp: env.Timestamp.UnixMicro(),
	}

	if out.Batch != nil {
		p.JournalEntries = make([]JournalEntry, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			p.JournalEntries = append(p.JournalEntries, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
			})
		}
	}

	switch e := out.Event.(type) {
	case *event.BuyShares:
		p.Trade = &TradeEntry{
			MarketID:   e.Market,
			Owner:      e.Caller,
			Side:       "buy",
			Outcome:    e.Outcome.String(),
			Shares:     out.Receipt.SharesOut,
			Collateral: e.Amount,
			Fee:        out.Receipt.Fee,
		}
	case *event.SellShares:
		p.Trade = &TradeEntry{
			MarketID:   e.Market,
			Owner:      e.Caller,
			Side:       "sell",
			Outcome:    e.Outcome.String(),
			Shares:     e.Shares,
			Collateral: out.Receipt.CollateralOut,
			Fee:        out.Receipt.Fee,
		}
	}

	return p
}
