package server

import (
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/query"
)

// Request and response messages of the ledger service. They travel as JSON
// on both gRPC (content-subtype "json") and the HTTP gateway. IDs are UUID
// strings; outcomes are "YES" or "NO". An empty request_id asks the server
// to generate one; callers that retry must send their own.

type CreateMarketRequest struct {
	RequestID        string `json:"request_id"`
	Authority        string `json:"authority"`
	MarketNumber     uint64 `json:"market_number"`
	Question         string `json:"question"`
	Collateral       string `json:"collateral"`
	EndTime          int64  `json:"end_time"`
	InitialLiquidity uint64 `json:"initial_liquidity"`
}

// TradeRequest buys (Amount is collateral) or sells (Amount is shares).
type TradeRequest struct {
	RequestID string `json:"request_id"`
	MarketID  string `json:"market_id"`
	Caller    string `json:"caller"`
	Outcome   string `json:"outcome"`
	Amount    uint64 `json:"amount"`
	MinOut    uint64 `json:"min_out"`
}

type ResolveRequest struct {
	RequestID string `json:"request_id"`
	MarketID  string `json:"market_id"`
	Caller    string `json:"caller"`
	Winner    string `json:"winner"`
}

type ClaimRequest struct {
	RequestID string `json:"request_id"`
	MarketID  string `json:"market_id"`
	Caller    string `json:"caller"`
}

// TransferRequest moves collateral across the external boundary.
type TransferRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
}

type ReceiptResponse = ingestion.WireReceipt

type GetMarketRequest struct {
	MarketID string `json:"market_id"`
}

type ListMarketsRequest struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type ListMarketsResponse struct {
	Markets []query.MarketResponse `json:"markets"`
}

type GetPositionRequest struct {
	MarketID string `json:"market_id"`
	Owner    string `json:"owner"`
}

type ListPositionsRequest struct {
	Owner string `json:"owner"`
}

type ListPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type GetBalanceRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
}

type ListTradesRequest struct {
	MarketID       string `json:"market_id"`
	Limit          int    `json:"limit"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListTradesResponse struct {
	Trades []query.TradeResponse `json:"trades"`
}

type QuoteRequest struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Outcome  string `json:"outcome"`
	Amount   uint64 `json:"amount"`
}

type ListJournalsRequest struct {
	UserID         string `json:"user_id"`
	Limit          int    `json:"limit"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type EmptyRequest struct{}

type EventLogInfoResponse struct {
	LastSequence      int64  `json:"last_sequence"`
	LastCommitted     int64  `json:"last_committed"`
	ProjectionApplied int64  `json:"projection_applied"`
	Uptime            string `json:"uptime"`
}

type RebuildProjectionsResponse struct {
	EventsReplayed int64 `json:"events_replayed"`
}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}
