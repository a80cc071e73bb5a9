package testutil

import (
	"testing"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/core"
	"PredictLedger/internal/event"
	"PredictLedger/internal/market"

	"github.com/google/uuid"
)

// BaseTime is the unix second the scenario clock starts at.
const BaseTime = int64(1_700_000_000)

// At returns BaseTime shifted by offset seconds.
func At(offset int64) time.Time {
	return time.Unix(BaseTime+offset, 0)
}

// Scenario is a two-sided market that resolves YES. Alice creates it with
// 1,000,000 of liquidity, alice and bob buy YES, carol buys NO, then bob and
// alice claim.
//
// Final vault is 1 (claim dust); bob is paid 654,845 and alice 1,505,154.
type Scenario struct {
	Alice, Bob, Carol uuid.UUID
	Market            uuid.UUID
	Events            []event.Event
}

func NewScenario() Scenario {
	s := Scenario{
		Alice: uuid.MustParse("a11ce000-0000-4000-8000-000000000001"),
		Bob:   uuid.MustParse("b0b00000-0000-4000-8000-000000000002"),
		Carol: uuid.MustParse("ca201000-0000-4000-8000-000000000003"),
	}

	create := &event.CreateMarket{
		RequestID:        requestID(3),
		Authority:        s.Alice,
		MarketNumber:     1,
		Question:         "Will it rain tomorrow?",
		Collateral:       "USDC",
		EndTime:          BaseTime + 1000,
		InitialLiquidity: 1_000_000,
		Timestamp:        At(1),
	}
	s.Market = create.Market()

	s.Events = []event.Event{
		&event.DepositCollateral{DepositID: requestID(0), UserID: s.Alice, Asset: "USDC", Amount: 3_000_000, Timestamp: At(0)},
		&event.DepositCollateral{DepositID: requestID(1), UserID: s.Bob, Asset: "USDC", Amount: 100_000, Timestamp: At(0)},
		&event.DepositCollateral{DepositID: requestID(2), UserID: s.Carol, Asset: "USDC", Amount: 100_000, Timestamp: At(0)},
		create,
		&event.BuyShares{RequestID: requestID(4), Market: s.Market, Caller: s.Alice, Outcome: amm.OutcomeYes, Amount: 100_000, Timestamp: At(2)},
		&event.BuyShares{RequestID: requestID(5), Market: s.Market, Caller: s.Bob, Outcome: amm.OutcomeYes, Amount: 50_000, Timestamp: At(3)},
		&event.BuyShares{RequestID: requestID(6), Market: s.Market, Caller: s.Carol, Outcome: amm.OutcomeNo, Amount: 10_000, Timestamp: At(4)},
		&event.ResolveMarket{RequestID: requestID(7), Market: s.Market, Caller: s.Alice, Winner: amm.OutcomeYes, Timestamp: At(5)},
		&event.ClaimWinnings{RequestID: requestID(8), Market: s.Market, Caller: s.Bob, Timestamp: At(6)},
		&event.ClaimWinnings{RequestID: requestID(9), Market: s.Market, Caller: s.Alice, Timestamp: At(7)},
	}
	return s
}

// requestID returns a fixed key per step so runs are reproducible.
func requestID(step byte) uuid.UUID {
	id := uuid.MustParse("5ce0a000-0000-4000-8000-000000000000")
	id[15] = step
	return id
}

// NewCore builds a core with default market rules and the given channels.
func NewCore(t *testing.T, persistChan, projectionChan chan<- core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	c, err := core.NewDeterministicCore(core.Options{Market: market.DefaultConfig()}, persistChan, projectionChan)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c
}

// Apply runs events through c and fails the test on the first rejection.
func Apply(t *testing.T, c *core.DeterministicCore, events ...event.Event) []core.Receipt {
	t.Helper()
	receipts := make([]core.Receipt, 0, len(events))
	for _, evt := range events {
		r, err := c.ProcessEvent(evt)
		if err != nil {
			t.Fatalf("%s %s: %v", evt.EventType(), evt.IdempotencyKey(), err)
		}
		receipts = append(receipts, r)
	}
	return receipts
}

// Drain empties ch without blocking.
func Drain(ch <-chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}
