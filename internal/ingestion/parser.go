package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/event"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The shell parses and converts raw events before they reach the deterministic
// core; the core never sees wire formats.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeCreateMarket:
		return parseCreateMarket(raw.Data)
	case event.EventTypeBuyShares:
		return parseBuyShares(raw.Data)
	case event.EventTypeSellShares:
		return parseSellShares(raw.Data)
	case event.EventTypeResolveMarket:
		return parseResolveMarket(raw.Data)
	case event.EventTypeClaimWinnings:
		return parseClaimWinnings(raw.Data)
	case event.EventTypeDepositCollateral:
		return parseDepositCollateral(raw.Data)
	case event.EventTypeWithdrawCollateral:
		return parseWithdrawCollateral(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// EncodeEvent is the inverse of ParseRawEvent. The event log stores this
// encoding as the payload so replay goes through the same parser.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v interface{}

	switch e := evt.(type) {
	case *event.CreateMarket:
		v = createMarketJSON{
			RequestID:        e.RequestID.String(),
			Authority:        e.Authority.String(),
			MarketID:         e.MarketNumber,
			Question:         e.Question,
			Collateral:       e.Collateral,
			EndTime:          e.EndTime,
			InitialLiquidity: e.InitialLiquidity,
			Sequence:         e.Sequence,
			TimestampUs:      e.Timestamp.UnixMicro(),
		}
	case *event.BuyShares:
		v = buySharesJSON{
			RequestID:    e.RequestID.String(),
			Market:       e.Market.String(),
			Caller:       e.Caller.String(),
			Outcome:      e.Outcome.String(),
			Amount:       e.Amount,
			MinSharesOut: e.MinSharesOut,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		}
	case *event.SellShares:
		v = sellSharesJSON{
			RequestID:        e.RequestID.String(),
			Market:           e.Market.String(),
			Caller:           e.Caller.String(),
			Outcome:          e.Outcome.String(),
			Shares:           e.Shares,
			MinCollateralOut: e.MinCollateralOut,
			Sequence:         e.Sequence,
			TimestampUs:      e.Timestamp.UnixMicro(),
		}
	case *event.ResolveMarket:
		v = resolveMarketJSON{
			RequestID:   e.RequestID.String(),
			Market:      e.Market.String(),
			Caller:      e.Caller.String(),
			Winner:      e.Winner.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		}
	case *event.ClaimWinnings:
		v = claimWinningsJSON{
			RequestID:   e.RequestID.String(),
			Market:      e.Market.String(),
			Caller:      e.Caller.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		}
	case *event.DepositCollateral:
		v = depositJSON{
			DepositID:   e.DepositID.String(),
			UserID:      e.UserID.String(),
			Asset:       e.Asset,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		}
	case *event.WithdrawCollateral:
		v = withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Asset:        e.Asset,
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		}
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}

	return json.Marshal(v)
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type createMarketJSON struct {
	RequestID        string `json:"request_id"`
	Authority        string `json:"authority"`
	MarketID         uint64 `json:"market_id"`
	Question         string `json:"question"`
	Collateral       string `json:"collateral"`
	EndTime          int64  `json:"end_time"` // unix seconds
	InitialLiquidity uint64 `json:"initial_liquidity"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseCreateMarket(data []byte) (*event.CreateMarket, error) {
	var j createMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}
	requestID, err := parseUUID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	authority, err := parseUUID("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.CreateMarket{
		RequestID:        requestID,
		Authority:        authority,
		MarketNumber:     j.MarketID,
		Question:         j.Question,
		Collateral:       j.Collateral,
		EndTime:          j.EndTime,
		InitialLiquidity: j.InitialLiquidity,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type buySharesJSON struct {
	RequestID    string `json:"request_id"`
	Market       string `json:"market"`
	Caller       string `json:"caller"`
	Outcome      string `json:"outcome"` // "YES" or "NO"
	Amount       uint64 `json:"amount"`
	MinSharesOut uint64 `json:"min_shares_out"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseBuyShares(data []byte) (*event.BuyShares, error) {
	var j buySharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BuyShares: %w", err)
	}
	requestID, marketID, caller, err := parseTradeIDs(j.RequestID, j.Market, j.Caller)
	if err != nil {
		return nil, err
	}
	outcome, err := ParseOutcome(j.Outcome)
	if err != nil {
		return nil, err
	}
	return &event.BuyShares{
		RequestID:    requestID,
		Market:       marketID,
		Caller:       caller,
		Outcome:      outcome,
		Amount:       j.Amount,
		MinSharesOut: j.MinSharesOut,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type sellSharesJSON struct {
	RequestID        string `json:"request_id"`
	Market           string `json:"market"`
	Caller           string `json:"caller"`
	Outcome          string `json:"outcome"`
	Shares           uint64 `json:"shares"`
	MinCollateralOut uint64 `json:"min_collateral_out"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseSellShares(data []byte) (*event.SellShares, error) {
	var j sellSharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SellShares: %w", err)
	}
	requestID, marketID, caller, err := parseTradeIDs(j.RequestID, j.Market, j.Caller)
	if err != nil {
		return nil, err
	}
	outcome, err := ParseOutcome(j.Outcome)
	if err != nil {
		return nil, err
	}
	return &event.SellShares{
		RequestID:        requestID,
		Market:           marketID,
		Caller:           caller,
		Outcome:          outcome,
		Shares:           j.Shares,
		MinCollateralOut: j.MinCollateralOut,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type resolveMarketJSON struct {
	RequestID   string `json:"request_id"`
	Market      string `json:"market"`
	Caller      string `json:"caller"`
	Winner      string `json:"winner"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseResolveMarket(data []byte) (*event.ResolveMarket, error) {
	var j resolveMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResolveMarket: %w", err)
	}
	requestID, marketID, caller, err := parseTradeIDs(j.RequestID, j.Market, j.Caller)
	if err != nil {
		return nil, err
	}
	winner, err := ParseOutcome(j.Winner)
	if err != nil {
		return nil, err
	}
	return &event.ResolveMarket{
		RequestID: requestID,
		Market:    marketID,
		Caller:    caller,
		Winner:    winner,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type claimWinningsJSON struct {
	RequestID   string `json:"request_id"`
	Market      string `json:"market"`
	Caller      string `json:"caller"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClaimWinnings(data []byte) (*event.ClaimWinnings, error) {
	var j claimWinningsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimWinnings: %w", err)
	}
	requestID, marketID, caller, err := parseTradeIDs(j.RequestID, j.Market, j.Caller)
	if err != nil {
		return nil, err
	}
	return &event.ClaimWinnings{
		RequestID: requestID,
		Market:    marketID,
		Caller:    caller,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositCollateral(data []byte) (*event.DepositCollateral, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositCollateral: %w", err)
	}
	depositID, err := parseUUID("deposit_id", j.DepositID)
	if err != nil {
		return nil, err
	}
	userID, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.DepositCollateral{
		DepositID: depositID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawCollateral(data []byte) (*event.WithdrawCollateral, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawCollateral: %w", err)
	}
	wdID, err := parseUUID("withdrawal_id", j.WithdrawalID)
	if err != nil {
		return nil, err
	}
	userID, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawCollateral{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

// ParseOutcome accepts "YES" or "NO" in any case.
func ParseOutcome(s string) (amm.Outcome, error) {
	switch strings.ToUpper(s) {
	case "YES":
		return amm.OutcomeYes, nil
	case "NO":
		return amm.OutcomeNo, nil
	default:
		return 0, fmt.Errorf("parse outcome: %q is not YES or NO", s)
	}
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseTradeIDs(requestID, market, caller string) (uuid.UUID, uuid.UUID, uuid.UUID, error) {
	req, err := parseUUID("request_id", requestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	m, err := parseUUID("market", market)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	c, err := parseUUID("caller", caller)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	return req, m, c, nil
}
