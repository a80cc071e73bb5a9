package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves the ledger service over gRPC and HTTP/JSON.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	service    *LedgerService
	health     *health.Server
	deps       *ServerDeps
	log        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		service:  NewLedgerService(deps),
		health:   health.NewServer(),
		deps:     deps,
		log:      deps.Log,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&ServiceDesc, s.service)

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetServing flips the health status of the ledger service, together with
// HTTP readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.SetReady(serving)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes, health endpoints and the
// websocket feed (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler builds the HTTP routes. Each route calls the same method the
// gRPC service does.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		// operations
		{"POST", "/v1/markets", handle(s, "CreateMarket", LedgerServer.CreateMarket, nil)},
		{"POST", "/v1/markets/{market_id}/buy", handle(s, "Buy", LedgerServer.Buy, bindTrade)},
		{"POST", "/v1/markets/{market_id}/sell", handle(s, "Sell", LedgerServer.Sell, bindTrade)},
		{"POST", "/v1/markets/{market_id}/resolve", handle(s, "Resolve", LedgerServer.Resolve,
			func(req *ResolveRequest, _ *http.Request, p map[string]string) error {
				req.MarketID = p["market_id"]
				return nil
			})},
		{"POST", "/v1/markets/{market_id}/claim", handle(s, "Claim", LedgerServer.Claim,
			func(req *ClaimRequest, _ *http.Request, p map[string]string) error {
				req.MarketID = p["market_id"]
				return nil
			})},
		{"POST", "/v1/users/{user_id}/deposits", handle(s, "Deposit", LedgerServer.Deposit, bindTransfer)},
		{"POST", "/v1/users/{user_id}/withdrawals", handle(s, "Withdraw", LedgerServer.Withdraw, bindTransfer)},

		// queries
		{"GET", "/v1/markets", handle(s, "ListMarkets", LedgerServer.ListMarkets,
			func(req *ListMarketsRequest, r *http.Request, _ map[string]string) error {
				req.Status = r.URL.Query().Get("status")
				return queryInt(r, "limit", &req.Limit)
			})},
		{"GET", "/v1/markets/{market_id}", handle(s, "GetMarket", LedgerServer.GetMarket, bindMarket)},
		{"GET", "/v1/markets/{market_id}/vault", handle(s, "GetVault", LedgerServer.GetVault, bindMarket)},
		{"GET", "/v1/markets/{market_id}/settlement", handle(s, "GetSettlementPreview", LedgerServer.GetSettlementPreview, bindMarket)},
		{"GET", "/v1/markets/{market_id}/trades", handle(s, "ListTrades", LedgerServer.ListTrades,
			func(req *ListTradesRequest, r *http.Request, p map[string]string) error {
				req.MarketID = p["market_id"]
				if err := queryInt(r, "limit", &req.Limit); err != nil {
					return err
				}
				return queryInt64(r, "before_sequence", &req.BeforeSequence)
			})},
		{"GET", "/v1/markets/{market_id}/quote", handle(s, "Quote", LedgerServer.Quote,
			func(req *QuoteRequest, r *http.Request, p map[string]string) error {
				q := r.URL.Query()
				req.MarketID = p["market_id"]
				req.Side = q.Get("side")
				req.Outcome = q.Get("outcome")
				return queryUint64(r, "amount", &req.Amount)
			})},
		{"GET", "/v1/markets/{market_id}/positions/{owner}", handle(s, "GetPosition", LedgerServer.GetPosition,
			func(req *GetPositionRequest, _ *http.Request, p map[string]string) error {
				req.MarketID = p["market_id"]
				req.Owner = p["owner"]
				return nil
			})},
		{"GET", "/v1/users/{user_id}/positions", handle(s, "ListPositions", LedgerServer.ListPositions,
			func(req *ListPositionsRequest, _ *http.Request, p map[string]string) error {
				req.Owner = p["user_id"]
				return nil
			})},
		{"GET", "/v1/users/{user_id}/balances/{asset}", handle(s, "GetBalance", LedgerServer.GetBalance,
			func(req *GetBalanceRequest, _ *http.Request, p map[string]string) error {
				req.UserID = p["user_id"]
				req.Asset = p["asset"]
				return nil
			})},
		{"GET", "/v1/users/{user_id}/journals", handle(s, "ListJournals", LedgerServer.ListJournals,
			func(req *ListJournalsRequest, r *http.Request, p map[string]string) error {
				req.UserID = p["user_id"]
				if err := queryInt(r, "limit", &req.Limit); err != nil {
					return err
				}
				return queryInt64(r, "before_sequence", &req.BeforeSequence)
			})},

		// admin
		{"GET", "/v1/admin/event-log", handle(s, "GetEventLogInfo", LedgerServer.GetEventLogInfo, nil)},
		{"GET", "/v1/admin/integrity", handle(s, "VerifyIntegrity", LedgerServer.VerifyIntegrity, nil)},
		{"POST", "/v1/admin/projections/rebuild", handle(s, "RebuildProjections", LedgerServer.RebuildProjections, nil)},
		{"POST", "/v1/admin/snapshots", handle(s, "TakeSnapshot", LedgerServer.TakeSnapshot, nil)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	if s.deps.Feed != nil {
		if err := mux.HandlePath("GET", "/v1/feed", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.deps.Feed.ServeHTTP(w, r)
		}); err != nil {
			return nil, fmt.Errorf("register feed: %w", err)
		}
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// binder copies path and query parameters into a request.
type binder[Req any] func(req *Req, r *http.Request, params map[string]string) error

func handle[Req, Resp any](s *GRPCServer, name string, call func(LedgerServer, context.Context, *Req) (Resp, error), bind binder[Req]) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if r.Method == http.MethodPost {
			if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
				return
			}
		}
		if bind != nil {
			if err := bind(req, r, params); err != nil {
				writeError(w, status.Error(codes.InvalidArgument, err.Error()))
				return
			}
		}

		resp, err := s.observe(r.Context(), name, func(ctx context.Context) (interface{}, error) {
			resp, err := call(s.service, ctx, req)
			if err != nil {
				return nil, ToStatus(err)
			}
			return resp, nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *GRPCServer) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return s.observe(ctx, info.FullMethod, func(ctx context.Context) (interface{}, error) {
		return handler(ctx, req)
	})
}

// observe records request count and latency per endpoint.
func (s *GRPCServer) observe(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	resp, err := fn(ctx)

	code := status.Code(err)
	if m := s.deps.Metrics; m != nil {
		m.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if code == codes.Internal || code == codes.Unknown {
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}
	return resp, err
}

func bindMarket(req *GetMarketRequest, _ *http.Request, p map[string]string) error {
	req.MarketID = p["market_id"]
	return nil
}

func bindTrade(req *TradeRequest, _ *http.Request, p map[string]string) error {
	req.MarketID = p["market_id"]
	return nil
}

func bindTransfer(req *TransferRequest, _ *http.Request, p map[string]string) error {
	req.UserID = p["user_id"]
	return nil
}

func queryInt(r *http.Request, key string, dst *int) error {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func queryInt64(r *http.Request, key string, dst *int64) error {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func queryUint64(r *http.Request, key string, dst *uint64) error {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}
