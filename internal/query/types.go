package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketResponse is a market as served by the read API. Prices are derived
// from the reserves at query time.
type MarketResponse struct {
	MarketID                   uuid.UUID       `json:"market_id"`
	Authority                  uuid.UUID       `json:"authority"`
	MarketNumber               uint64          `json:"market_number"`
	Question                   string          `json:"question"`
	Collateral                 string          `json:"collateral"`
	EndTime                    int64           `json:"end_time"`
	Status                     string          `json:"status"`
	YesReserve                 uint64          `json:"yes_reserve"`
	NoReserve                  uint64          `json:"no_reserve"`
	TotalYesShares             uint64          `json:"total_yes_shares"`
	TotalNoShares              uint64          `json:"total_no_shares"`
	ResolvedVaultBalance       uint64          `json:"resolved_vault_balance"`
	ResolvedTotalWinningShares uint64          `json:"resolved_total_winning_shares"`
	YesPrice                   decimal.Decimal `json:"yes_price"`
	NoPrice                    decimal.Decimal `json:"no_price"`
	Version                    int64           `json:"version"`
	AsOfSequence               int64           `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	MarketID     uuid.UUID `json:"market_id"`
	Owner        uuid.UUID `json:"owner"`
	YesShares    uint64    `json:"yes_shares"`
	NoShares     uint64    `json:"no_shares"`
	Claimed      bool      `json:"claimed"`
	Version      int64     `json:"version"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// TradeResponse is one pool trade.
type TradeResponse struct {
	Sequence   int64           `json:"sequence"`
	MarketID   uuid.UUID       `json:"market_id"`
	Owner      uuid.UUID       `json:"owner"`
	Side       string          `json:"side"`
	Outcome    string          `json:"outcome"`
	Shares     uint64          `json:"shares"`
	Collateral uint64          `json:"collateral"`
	Fee        uint64          `json:"fee"`
	AvgPrice   decimal.Decimal `json:"avg_price"` // collateral per share
	Timestamp  int64           `json:"timestamp"`
}

// Quote previews a trade against current reserves without executing it.
type Quote struct {
	Side        string          `json:"side"`
	Outcome     string          `json:"outcome"`
	AmountIn    uint64          `json:"amount_in"`
	AmountOut   uint64          `json:"amount_out"`
	Fee         uint64          `json:"fee"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	PriceImpact decimal.Decimal `json:"price_impact"` // post-trade price minus pre-trade price
}

// SettlementPreview is the full payout split of a resolved market.
type SettlementPreview struct {
	MarketID     uuid.UUID       `json:"market_id"`
	Winner       string          `json:"winner"`
	VaultBalance uint64          `json:"vault_balance"`
	TotalShares  uint64          `json:"total_winning_shares"`
	Payouts      []HolderPayout  `json:"payouts"`
	Dust         uint64          `json:"dust"`
	PerShare     decimal.Decimal `json:"payout_per_share"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// HolderPayout is one line of a settlement preview.
type HolderPayout struct {
	Owner   uuid.UUID `json:"owner"`
	Shares  uint64    `json:"shares"`
	Payout  uint64    `json:"payout"`
	Claimed bool      `json:"claimed"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	GenesisMismatch  bool              `json:"genesis_mismatch,omitempty"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
