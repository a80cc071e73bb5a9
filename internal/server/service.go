package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/projection"
	"PredictLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "predictledger.v1.LedgerService"

// Snapshotter takes a snapshot on demand and returns its sequence.
type Snapshotter func(ctx context.Context) (int64, error)

// ServerDeps holds all dependencies needed by the ledger service.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Core          *core.DeterministicCore
	MarketConfig  market.Config
	TakeSnapshot  Snapshotter
	Feed          *FeedHub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
	Log           zerolog.Logger
}

// LedgerService implements every method of ServiceName. Writes go through the
// core and return its receipt; reads go to the projections.
type LedgerService struct {
	deps *ServerDeps
}

func NewLedgerService(deps *ServerDeps) *LedgerService {
	return &LedgerService{deps: deps}
}

// --- Operations ---

func (s *LedgerService) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*ReceiptResponse, error) {
	id, err := optionalUUID("request_id", req.RequestID)
	if err != nil {
		return nil, err
	}
	authority, err := requireUUID("authority", req.Authority)
	if err != nil {
		return nil, err
	}
	r, err := s.deps.IngestService.CreateMarket(ctx, ingestion.CreateMarketRequest{
		RequestID:        id,
		Authority:        authority,
		MarketID:         req.MarketNumber,
		Question:         req.Question,
		Collateral:       req.Collateral,
		EndTime:          req.EndTime,
		InitialLiquidity: req.InitialLiquidity,
	})
	return receipt(r, err)
}

func (s *LedgerService) Buy(ctx context.Context, req *TradeRequest) (*ReceiptResponse, error) {
	tr, err := tradeRequest(req)
	if err != nil {
		return nil, err
	}
	return receipt(s.deps.IngestService.Buy(ctx, tr))
}

func (s *LedgerService) Sell(ctx context.Context, req *TradeRequest) (*ReceiptResponse, error) {
	tr, err := tradeRequest(req)
	if err != nil {
		return nil, err
	}
	return receipt(s.deps.IngestService.Sell(ctx, tr))
}

func (s *LedgerService) Resolve(ctx context.Context, req *ResolveRequest) (*ReceiptResponse, error) {
	id, marketID, caller, err := callIDs(req.RequestID, req.MarketID, req.Caller)
	if err != nil {
		return nil, err
	}
	winner, err := ingestion.ParseOutcome(req.Winner)
	if err != nil {
		return nil, invalid(err)
	}
	return receipt(s.deps.IngestService.Resolve(ctx, id, marketID, caller, winner))
}

func (s *LedgerService) Claim(ctx context.Context, req *ClaimRequest) (*ReceiptResponse, error) {
	id, marketID, caller, err := callIDs(req.RequestID, req.MarketID, req.Caller)
	if err != nil {
		return nil, err
	}
	return receipt(s.deps.IngestService.Claim(ctx, id, marketID, caller))
}

func (s *LedgerService) Deposit(ctx context.Context, req *TransferRequest) (*ReceiptResponse, error) {
	id, userID, err := transferIDs(req)
	if err != nil {
		return nil, err
	}
	return receipt(s.deps.IngestService.Deposit(ctx, id, userID, req.Asset, req.Amount))
}

func (s *LedgerService) Withdraw(ctx context.Context, req *TransferRequest) (*ReceiptResponse, error) {
	id, userID, err := transferIDs(req)
	if err != nil {
		return nil, err
	}
	return receipt(s.deps.IngestService.Withdraw(ctx, id, userID, req.Asset, req.Amount))
}

// --- Queries ---

func (s *LedgerService) GetMarket(ctx context.Context, req *GetMarketRequest) (*query.MarketResponse, error) {
	marketID, err := requireUUID("market_id", req.MarketID)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetMarket(ctx, marketID)
}

func (s *LedgerService) ListMarkets(ctx context.Context, req *ListMarketsRequest) (*ListMarketsResponse, error) {
	markets, err := s.deps.QueryService.ListMarkets(ctx, req.Status, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListMarketsResponse{Markets: markets}, nil
}

func (s *LedgerService) GetPosition(ctx context.Context, req *GetPositionRequest) (*query.PositionResponse, error) {
	marketID, err := requireUUID("market_id", req.MarketID)
	if err != nil {
		return nil, err
	}
	owner, err := requireUUID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetPosition(ctx, marketID, owner)
}

func (s *LedgerService) ListPositions(ctx context.Context, req *ListPositionsRequest) (*ListPositionsResponse, error) {
	owner, err := requireUUID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	positions, err := s.deps.QueryService.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &ListPositionsResponse{Positions: positions}, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error) {
	userID, err := requireUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetBalance(ctx, userID, req.Asset)
}

func (s *LedgerService) GetVault(ctx context.Context, req *GetMarketRequest) (*query.VaultResponse, error) {
	marketID, err := requireUUID("market_id", req.MarketID)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetVault(ctx, marketID)
}

func (s *LedgerService) ListTrades(ctx context.Context, req *ListTradesRequest) (*ListTradesResponse, error) {
	marketID, err := requireUUID("market_id", req.MarketID)
	if err != nil {
		return nil, err
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}
	trades, err := s.deps.QueryService.ListTrades(ctx, marketID, req.Limit, before)
	if err != nil {
		return nil, err
	}
	return &ListTradesResponse{Trades: trades}, nil
}

func (s *LedgerService) Quote(ctx context.Context, req *QuoteRequest) (*query.Quote, error) {
	marketID, err := requireUUID("market_id", req.MarketID)
	if err != nil {
		return nil, err
	}
	outcome, err := ingestion.ParseOutcome(req.Outcome)
	if err != nil {
		return nil, invalid(err)
	}
	return s.deps.QueryService.QuoteTrade(ctx, marketID, req.Side, outcome, req.Amount)
}

func (s *LedgerService) GetSettlementPreview(ctx context.Context, req *GetMarketRequest) (*query.SettlementPreview, error) {
	marketID, err := requireUUID("market_id", req.MarketID)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetSettlementPreview(ctx, marketID)
}

func (s *LedgerService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	userID, err := requireUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}
	entries, err := s.deps.QueryService.GetJournalHistory(ctx, userID, req.Limit, before)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

// --- Admin ---

func (s *LedgerService) GetEventLogInfo(ctx context.Context, _ *EmptyRequest) (*EventLogInfoResponse, error) {
	latest, err := s.deps.SnapshotMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest sequence: %w", err)
	}
	applied, err := projection.LoadWatermark(ctx, s.deps.DB, projection.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	resp := &EventLogInfoResponse{
		LastSequence:      latest,
		LastCommitted:     -1,
		ProjectionApplied: applied,
		Uptime:            time.Since(s.deps.StartTime).Truncate(time.Second).String(),
	}
	if s.deps.Core != nil {
		resp.LastCommitted = s.deps.Core.LastCommitted()
	}
	return resp, nil
}

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *EmptyRequest) (*query.IntegrityReport, error) {
	return s.deps.QueryService.VerifyIntegrity(ctx)
}

func (s *LedgerService) RebuildProjections(ctx context.Context, _ *EmptyRequest) (*RebuildProjectionsResponse, error) {
	n, err := projection.RebuildProjections(ctx, s.deps.DB, s.deps.MarketConfig, s.deps.Log)
	if err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	return &RebuildProjectionsResponse{EventsReplayed: n}, nil
}

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *EmptyRequest) (*TakeSnapshotResponse, error) {
	if s.deps.TakeSnapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are disabled")
	}
	seq, err := s.deps.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

// --- Service descriptor ---

// LedgerServer is the handler type registered with grpc. LedgerService is
// its only implementation.
type LedgerServer interface {
	CreateMarket(context.Context, *CreateMarketRequest) (*ReceiptResponse, error)
	Buy(context.Context, *TradeRequest) (*ReceiptResponse, error)
	Sell(context.Context, *TradeRequest) (*ReceiptResponse, error)
	Resolve(context.Context, *ResolveRequest) (*ReceiptResponse, error)
	Claim(context.Context, *ClaimRequest) (*ReceiptResponse, error)
	Deposit(context.Context, *TransferRequest) (*ReceiptResponse, error)
	Withdraw(context.Context, *TransferRequest) (*ReceiptResponse, error)
	GetMarket(context.Context, *GetMarketRequest) (*query.MarketResponse, error)
	ListMarkets(context.Context, *ListMarketsRequest) (*ListMarketsResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionResponse, error)
	ListPositions(context.Context, *ListPositionsRequest) (*ListPositionsResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*query.BalanceResponse, error)
	GetVault(context.Context, *GetMarketRequest) (*query.VaultResponse, error)
	ListTrades(context.Context, *ListTradesRequest) (*ListTradesResponse, error)
	Quote(context.Context, *QuoteRequest) (*query.Quote, error)
	GetSettlementPreview(context.Context, *GetMarketRequest) (*query.SettlementPreview, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	GetEventLogInfo(context.Context, *EmptyRequest) (*EventLogInfoResponse, error)
	VerifyIntegrity(context.Context, *EmptyRequest) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *EmptyRequest) (*RebuildProjectionsResponse, error)
	TakeSnapshot(context.Context, *EmptyRequest) (*TakeSnapshotResponse, error)
}

var _ LedgerServer = (*LedgerService)(nil)

// ServiceDesc is written by hand; messages are plain Go structs carried by
// the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateMarket", LedgerServer.CreateMarket),
		unary("Buy", LedgerServer.Buy),
		unary("Sell", LedgerServer.Sell),
		unary("Resolve", LedgerServer.Resolve),
		unary("Claim", LedgerServer.Claim),
		unary("Deposit", LedgerServer.Deposit),
		unary("Withdraw", LedgerServer.Withdraw),
		unary("GetMarket", LedgerServer.GetMarket),
		unary("ListMarkets", LedgerServer.ListMarkets),
		unary("GetPosition", LedgerServer.GetPosition),
		unary("ListPositions", LedgerServer.ListPositions),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("GetVault", LedgerServer.GetVault),
		unary("ListTrades", LedgerServer.ListTrades),
		unary("Quote", LedgerServer.Quote),
		unary("GetSettlementPreview", LedgerServer.GetSettlementPreview),
		unary("ListJournals", LedgerServer.ListJournals),
		unary("GetEventLogInfo", LedgerServer.GetEventLogInfo),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("RebuildProjections", LedgerServer.RebuildProjections),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "predictledger/v1/ledger.proto",
}

func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(LedgerServer), ctx, req.(*Req))
				if err != nil {
					return nil, ToStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// --- Errors ---

// ToStatus maps domain errors to gRPC status codes. Errors that already carry
// a status pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if kind, ok := market.KindOf(err); ok {
		return status.Error(kindCode(kind), fmt.Sprintf("%s: %v", market.CodeOf(err), err))
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrInvalidArgument), errors.Is(err, errInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAssetMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, core.ErrSequenceGap), errors.Is(err, core.ErrOutOfOrder):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, amm.ErrEmptyReserve):
		return status.Error(codes.OutOfRange, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func kindCode(k market.Kind) codes.Code {
	switch k {
	case market.KindValidation:
		return codes.InvalidArgument
	case market.KindState:
		return codes.FailedPrecondition
	case market.KindAuthorization:
		return codes.PermissionDenied
	case market.KindArithmetic:
		return codes.OutOfRange
	case market.KindEconomic:
		return codes.Aborted
	default:
		return codes.Unknown
	}
}

var errInvalidArgument = errors.New("invalid argument")

func invalid(err error) error {
	return fmt.Errorf("%w: %v", errInvalidArgument, err)
}

// --- Helpers ---

func requireUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errInvalidArgument, field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s: %v", errInvalidArgument, field, err)
	}
	return id, nil
}

func optionalUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return requireUUID(field, s)
}

func callIDs(requestID, marketID, caller string) (uuid.UUID, uuid.UUID, uuid.UUID, error) {
	id, err := optionalUUID("request_id", requestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	m, err := requireUUID("market_id", marketID)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	c, err := requireUUID("caller", caller)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	return id, m, c, nil
}

func tradeRequest(req *TradeRequest) (ingestion.TradeRequest, error) {
	id, marketID, caller, err := callIDs(req.RequestID, req.MarketID, req.Caller)
	if err != nil {
		return ingestion.TradeRequest{}, err
	}
	outcome, err := ingestion.ParseOutcome(req.Outcome)
	if err != nil {
		return ingestion.TradeRequest{}, invalid(err)
	}
	return ingestion.TradeRequest{
		RequestID: id,
		Market:    marketID,
		Caller:    caller,
		Outcome:   outcome,
		Amount:    req.Amount,
		MinOut:    req.MinOut,
	}, nil
}

func transferIDs(req *TransferRequest) (uuid.UUID, uuid.UUID, error) {
	id, err := optionalUUID("request_id", req.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	userID, err := requireUUID("user_id", req.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return id, userID, nil
}

func receipt(r core.Receipt, err error) (*ReceiptResponse, error) {
	if err != nil {
		return nil, err
	}
	return ingestion.NewWireReceipt(r), nil
}
