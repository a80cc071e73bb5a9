package ingestion

import (
	"context"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/core"
	"PredictLedger/internal/event"

	"github.com/google/uuid"
)

// GRPCIngestService submits operations from the gRPC/HTTP surface and waits
// for the core's receipt. NATS remains the high-throughput path; this one is
// for interactive callers that need the result.
//
// Submissions are unsequenced. The service stamps each one with its clock,
// which the core treats as the operation's versioned time.
type GRPCIngestService struct {
	coreIn chan<- core.Submission
	clock  func() time.Time
}

func NewGRPCIngestService(coreIn chan<- core.Submission) *GRPCIngestService {
	return &GRPCIngestService{coreIn: coreIn, clock: time.Now}
}

// WithClock replaces the wall clock, for tests and simulations.
func (s *GRPCIngestService) WithClock(clock func() time.Time) *GRPCIngestService {
	s.clock = clock
	return s
}

// requestID keeps a caller-chosen idempotency key, or makes a fresh one.
func requestID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

type CreateMarketRequest struct {
	RequestID        uuid.UUID
	Authority        uuid.UUID
	MarketID         uint64
	Question         string
	Collateral       string
	EndTime          int64
	InitialLiquidity uint64
}

func (s *GRPCIngestService) CreateMarket(ctx context.Context, req CreateMarketRequest) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.CreateMarket{
		RequestID:        requestID(req.RequestID),
		Authority:        req.Authority,
		MarketNumber:     req.MarketID,
		Question:         req.Question,
		Collateral:       req.Collateral,
		EndTime:          req.EndTime,
		InitialLiquidity: req.InitialLiquidity,
		Timestamp:        s.clock(),
	})
}

type TradeRequest struct {
	RequestID uuid.UUID
	Market    uuid.UUID
	Caller    uuid.UUID
	Outcome   amm.Outcome
	Amount    uint64 // collateral for a buy, shares for a sell
	MinOut    uint64
}

func (s *GRPCIngestService) Buy(ctx context.Context, req TradeRequest) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.BuyShares{
		RequestID:    requestID(req.RequestID),
		Market:       req.Market,
		Caller:       req.Caller,
		Outcome:      req.Outcome,
		Amount:       req.Amount,
		MinSharesOut: req.MinOut,
		Timestamp:    s.clock(),
	})
}

func (s *GRPCIngestService) Sell(ctx context.Context, req TradeRequest) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.SellShares{
		RequestID:        requestID(req.RequestID),
		Market:           req.Market,
		Caller:           req.Caller,
		Outcome:          req.Outcome,
		Shares:           req.Amount,
		MinCollateralOut: req.MinOut,
		Timestamp:        s.clock(),
	})
}

func (s *GRPCIngestService) Resolve(ctx context.Context, id, marketID, caller uuid.UUID, winner amm.Outcome) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.ResolveMarket{
		RequestID: requestID(id),
		Market:    marketID,
		Caller:    caller,
		Winner:    winner,
		Timestamp: s.clock(),
	})
}

func (s *GRPCIngestService) Claim(ctx context.Context, id, marketID, caller uuid.UUID) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.ClaimWinnings{
		RequestID: requestID(id),
		Market:    marketID,
		Caller:    caller,
		Timestamp: s.clock(),
	})
}

// Deposit credits collateral bridged in by an operator.
func (s *GRPCIngestService) Deposit(ctx context.Context, id, userID uuid.UUID, asset string, amount uint64) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.DepositCollateral{
		DepositID: requestID(id),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Timestamp: s.clock(),
	})
}

func (s *GRPCIngestService) Withdraw(ctx context.Context, id, userID uuid.UUID, asset string, amount uint64) (core.Receipt, error) {
	return core.Submit(ctx, s.coreIn, &event.WithdrawCollateral{
		WithdrawalID: requestID(id),
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Timestamp:    s.clock(),
	})
}
