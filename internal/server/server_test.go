package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/query"
	"PredictLedger/internal/server"
	"PredictLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", market.ErrZeroAmount, codes.InvalidArgument},
		{"state", fmt.Errorf("buy: %w", market.ErrInvalidMarketStatus), codes.FailedPrecondition},
		{"authorization", market.ErrUnauthorized, codes.PermissionDenied},
		{"arithmetic", market.ErrMathOverflow, codes.OutOfRange},
		{"economic", market.ErrSlippageExceeded, codes.Aborted},
		{"insufficient funds", fmt.Errorf("collect: %w", ledger.ErrInsufficientFunds), codes.FailedPrecondition},
		{"not found", query.ErrNotFound, codes.NotFound},
		{"sequence gap", core.ErrSequenceGap, codes.FailedPrecondition},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"passthrough", status.Error(codes.Unavailable, "x"), codes.Unavailable},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(server.ToStatus(tt.err)))
		})
	}
	assert.NoError(t, server.ToStatus(nil))
}

// newDeps runs a core with a fixed clock. There is no database, so only
// operations can be served.
func newDeps(t *testing.T) *server.ServerDeps {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := testutil.NewCore(t, nil, nil)
	coreIn := make(chan core.Submission)
	go c.Run(ctx, coreIn)

	return &server.ServerDeps{
		IngestService: ingestion.NewGRPCIngestService(coreIn).WithClock(func() time.Time { return testutil.At(1) }),
		Core:          c,
		MarketConfig:  market.DefaultConfig(),
		StartTime:     time.Now(),
		Log:           zerolog.Nop(),
	}
}

func post(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data)))
	return rec
}

func TestHTTPOperations(t *testing.T) {
	h, err := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", newDeps(t)).HTTPHandler()
	require.NoError(t, err)

	alice := uuid.New()
	rec := post(t, h, "/v1/users/"+alice.String()+"/deposits", map[string]interface{}{
		"asset": "USDC", "amount": 3_000_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post(t, h, "/v1/markets", map[string]interface{}{
		"authority":         alice.String(),
		"market_number":     1,
		"question":          "Will it rain tomorrow?",
		"collateral":        "USDC",
		"end_time":          testutil.BaseTime + 1000,
		"initial_liquidity": 1_000_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created server.ReceiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.MarketID)

	rec = post(t, h, "/v1/markets/"+created.MarketID+"/buy", map[string]interface{}{
		"caller": alice.String(), "outcome": "YES", "amount": 100_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bought server.ReceiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bought))
	assert.Equal(t, uint64(90_496), bought.SharesOut)
	assert.Equal(t, uint64(500), bought.Fee)

	t.Run("replayed request is a duplicate", func(t *testing.T) {
		id := uuid.NewString()
		body := map[string]interface{}{"request_id": id, "caller": alice.String(), "outcome": "NO", "amount": 1_000}
		first := post(t, h, "/v1/markets/"+created.MarketID+"/buy", body)
		require.Equal(t, http.StatusOK, first.Code)
		again := post(t, h, "/v1/markets/"+created.MarketID+"/buy", body)
		require.Equal(t, http.StatusOK, again.Code)

		var r server.ReceiptResponse
		require.NoError(t, json.Unmarshal(again.Body.Bytes(), &r))
		assert.True(t, r.Duplicate)
	})

	t.Run("errors map to http status", func(t *testing.T) {
		cases := []struct {
			path string
			body map[string]interface{}
			want int
			code string
		}{
			{"/v1/markets/not-a-uuid/buy", map[string]interface{}{"caller": alice.String(), "outcome": "YES", "amount": 1}, http.StatusBadRequest, "InvalidArgument"},
			{"/v1/markets/" + created.MarketID + "/buy", map[string]interface{}{"caller": alice.String(), "outcome": "MAYBE", "amount": 1}, http.StatusBadRequest, "InvalidArgument"},
			{"/v1/markets/" + created.MarketID + "/buy", map[string]interface{}{"caller": uuid.NewString(), "outcome": "YES", "amount": 1_000}, http.StatusBadRequest, "FailedPrecondition"},
			{"/v1/markets/" + created.MarketID + "/resolve", map[string]interface{}{"caller": uuid.NewString(), "winner": "YES"}, http.StatusForbidden, "PermissionDenied"},
			{"/v1/markets/" + created.MarketID + "/buy", map[string]interface{}{"caller": alice.String(), "outcome": "YES", "amount": 1_000, "min_out": 1_000_000}, http.StatusConflict, "Aborted"},
		}
		for _, tc := range cases {
			rec := post(t, h, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, "%s: %s", tc.path, rec.Body.String())
			var body struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code, tc.path)
		}
	})

	t.Run("resolve and claim", func(t *testing.T) {
		rec := post(t, h, "/v1/markets/"+created.MarketID+"/resolve", map[string]interface{}{
			"caller": alice.String(), "winner": "YES",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = post(t, h, "/v1/markets/"+created.MarketID+"/claim", map[string]interface{}{"caller": alice.String()})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var claimed server.ReceiptResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
		assert.Positive(t, claimed.Payout)

		rec = post(t, h, "/v1/markets/"+created.MarketID+"/claim", map[string]interface{}{"caller": alice.String()})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "second claim is rejected")
	})
}

func TestGRPCWithJSONCodec(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&server.ServiceDesc, server.NewLedgerService(newDeps(t)))
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	method := "/" + server.ServiceName + "/"

	var deposited server.ReceiptResponse
	require.NoError(t, conn.Invoke(ctx, method+"Deposit", &server.TransferRequest{
		UserID: uuid.NewString(), Asset: "USDC", Amount: 10,
	}, &deposited))
	assert.Equal(t, int64(0), deposited.Sequence)

	var out server.ReceiptResponse
	err = conn.Invoke(ctx, method+"Withdraw", &server.TransferRequest{
		UserID: uuid.NewString(), Asset: "USDC", Amount: 10,
	}, &out)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = conn.Invoke(ctx, method+"Claim", &server.ClaimRequest{MarketID: "bad"}, &out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
