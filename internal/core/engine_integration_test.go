package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/core"
	"PredictLedger/internal/event"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

// --- Test helpers ---

const baseTime = int64(1_700_000_000)

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(core.Options{Market: market.DefaultConfig()}, persistChan, projChan)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c, persistChan, projChan
}

func at(offset int64) time.Time {
	return time.Unix(baseTime+offset, 0)
}

func deposit(user uuid.UUID, amount uint64, offset int64) *event.DepositCollateral {
	return &event.DepositCollateral{
		DepositID: uuid.New(),
		UserID:    user,
		Asset:     "USDC",
		Amount:    amount,
		Timestamp: at(offset),
	}
}

func createMarket(authority uuid.UUID, liquidity uint64, offset int64) *event.CreateMarket {
	return &event.CreateMarket{
		RequestID:        uuid.New(),
		Authority:        authority,
		MarketNumber:     1,
		Question:         "Will it rain tomorrow?",
		Collateral:       "USDC",
		EndTime:          baseTime + 1000,
		InitialLiquidity: liquidity,
		Timestamp:        at(offset),
	}
}

func buy(m, caller uuid.UUID, o amm.Outcome, amount uint64, offset int64) *event.BuyShares {
	return &event.BuyShares{
		RequestID: uuid.New(),
		Market:    m,
		Caller:    caller,
		Outcome:   o,
		Amount:    amount,
		Timestamp: at(offset),
	}
}

func mustApply(t *testing.T, c *core.DeterministicCore, evt event.Event) core.Receipt {
	t.Helper()
	r, err := c.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("%s: %v", evt.EventType(), err)
	}
	return r
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
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

type scenario struct {
	alice, bob, carol uuid.UUID
	market            uuid.UUID
	events            []event.Event
}

// referenceScenario is the two-sided market that resolves YES with alice and
// bob holding the winning side.
func referenceScenario() scenario {
	s := scenario{alice: uuid.New(), bob: uuid.New(), carol: uuid.New()}
	create := createMarket(s.alice, 1_000_000, 1)
	s.market = create.Market()
	s.events = []event.Event{
		deposit(s.alice, 3_000_000, 0),
		deposit(s.bob, 100_000, 0),
		deposit(s.carol, 100_000, 0),
		create,
		buy(s.market, s.alice, amm.OutcomeYes, 100_000, 2),
		buy(s.market, s.bob, amm.OutcomeYes, 50_000, 3),
		buy(s.market, s.carol, amm.OutcomeNo, 10_000, 4),
		&event.ResolveMarket{RequestID: uuid.New(), Market: s.market, Caller: s.alice, Winner: amm.OutcomeYes, Timestamp: at(5)},
		&event.ClaimWinnings{RequestID: uuid.New(), Market: s.market, Caller: s.bob, Timestamp: at(6)},
		&event.ClaimWinnings{RequestID: uuid.New(), Market: s.market, Caller: s.alice, Timestamp: at(7)},
	}
	return s
}

// --- Tests ---

func TestCore_ReferenceLifecycle(t *testing.T) {
	c, persistChan, projChan := newTestCore(t)
	s := referenceScenario()

	receipts := make([]core.Receipt, len(s.events))
	for i, evt := range s.events {
		receipts[i] = mustApply(t, c, evt)
	}

	if receipts[3].MarketID != s.market {
		t.Errorf("create receipt market = %s, want %s", receipts[3].MarketID, s.market)
	}
	if got := receipts[4].SharesOut; got != 90_496 {
		t.Errorf("alice shares = %d, want 90496", got)
	}
	if got := receipts[4].Fee; got != 500 {
		t.Errorf("alice fee = %d, want 500", got)
	}
	if got := receipts[5].SharesOut; got != 39_372 {
		t.Errorf("bob shares = %d, want 39372", got)
	}
	if got := receipts[6].SharesOut; got != 12_994 {
		t.Errorf("carol shares = %d, want 12994", got)
	}
	if got := receipts[7].VaultBalance; got != 2_160_000 {
		t.Errorf("resolution vault = %d, want 2160000", got)
	}
	if got := receipts[7].WinningShares; got != 129_868 {
		t.Errorf("winning shares = %d, want 129868", got)
	}
	if got := receipts[8].Payout; got != 654_845 {
		t.Errorf("bob payout = %d, want 654845", got)
	}
	if got := receipts[9].Payout; got != 1_505_154 {
		t.Errorf("alice payout = %d, want 1505154", got)
	}

	assetID, _ := ledger.GetAssetID("USDC")
	if got := c.Balances().GetVaultBalance(s.market, assetID); got != 1 {
		t.Errorf("vault dust = %d, want 1", got)
	}
	if got := c.Balances().GetUserBalance(s.bob, assetID); got != 100_000-50_000+654_845 {
		t.Errorf("bob balance = %d", got)
	}

	outputs := drain(persistChan)
	if len(outputs) != len(s.events) {
		t.Fatalf("persisted %d outputs, want %d", len(outputs), len(s.events))
	}
	if len(drain(projChan)) != len(s.events) {
		t.Errorf("projection outputs missing")
	}

	prev := core.GenesisHash()
	for i, out := range outputs {
		if out.Envelope.Sequence != int64(i) {
			t.Errorf("output %d has sequence %d", i, out.Envelope.Sequence)
		}
		if out.Envelope.PrevHash != prev {
			t.Errorf("output %d breaks the hash chain", i)
		}
		if got := core.ChainHash(prev, out.Envelope.Sequence, out.StateDelta); got != out.Envelope.StateHash {
			t.Errorf("output %d state hash does not recompute", i)
		}
		prev = out.Envelope.StateHash
	}

	resolve := outputs[7]
	if resolve.Batch != nil {
		t.Errorf("resolve moved collateral: %+v", resolve.Batch)
	}
	if resolve.Market == nil || resolve.Market.Status.Kind() != state.StatusResolved {
		t.Errorf("resolve output market = %+v", resolve.Market)
	}
	if claim := outputs[8]; claim.Position == nil || !claim.Position.Claimed {
		t.Errorf("claim output position = %+v", claim.Position)
	}
}

func TestCore_RejectedEventLeavesNoTrace(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	alice := uuid.New()

	mustApply(t, c, deposit(alice, 1_000, 0))
	drain(persistChan)

	seq := c.GetSequence()
	hash := c.GetStateHash()

	// Needs 2x liquidity in the vault; alice only has 1,000.
	create := createMarket(alice, 1_000, 1)
	_, err := c.ProcessEvent(create)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want insufficient funds", err)
	}

	if c.GetSequence() != seq || c.GetStateHash() != hash {
		t.Error("rejected event advanced the core")
	}
	if len(drain(persistChan)) != 0 {
		t.Error("rejected event was emitted")
	}
	if _, ok := c.Store().GetMarket(create.Market()); ok {
		t.Error("rejected create stored a market")
	}

	// The same request succeeds once funded.
	mustApply(t, c, deposit(alice, 1_000, 2))
	if _, err := c.ProcessEvent(create); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
}

func TestCore_DuplicateIsAcknowledged(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	evt := deposit(uuid.New(), 500, 0)

	mustApply(t, c, evt)
	r, err := c.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if !r.Duplicate {
		t.Error("duplicate not reported")
	}
	if got := len(drain(persistChan)); got != 1 {
		t.Errorf("emitted %d outputs, want 1", got)
	}
	if got := c.Balances().GetUserBalance(evt.UserID, ledger.AssetID(2)); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
}

func TestCore_SourceSequence(t *testing.T) {
	c, _, _ := newTestCore(t)
	user := uuid.New()

	first := deposit(user, 100, 0)
	first.Sequence = 1
	mustApply(t, c, first)

	gap := deposit(user, 100, 1)
	gap.Sequence = 3
	if _, err := c.ProcessEvent(gap); !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("got %v, want sequence gap", err)
	}

	stale := deposit(user, 100, 1)
	stale.Sequence = 1
	if _, err := c.ProcessEvent(stale); !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("got %v, want out of order", err)
	}

	// A rejected withdrawal does not consume sequence 2.
	wd := &event.WithdrawCollateral{WithdrawalID: uuid.New(), UserID: user, Asset: "USDC", Amount: 1_000, Sequence: 2, Timestamp: at(2)}
	if _, err := c.ProcessEvent(wd); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want insufficient funds", err)
	}
	wd2 := &event.WithdrawCollateral{WithdrawalID: uuid.New(), UserID: user, Asset: "USDC", Amount: 60, Sequence: 2, Timestamp: at(3)}
	mustApply(t, c, wd2)

	// Unsequenced submissions bypass partition ordering.
	mustApply(t, c, deposit(user, 1, 4))

	if got := c.Balances().GetUserBalance(user, ledger.AssetID(2)); got != 41 {
		t.Errorf("balance = %d, want 41", got)
	}
}

func TestCore_CollateralValidation(t *testing.T) {
	c, _, _ := newTestCore(t)

	unknown := deposit(uuid.New(), 100, 0)
	unknown.Asset = "DOGE"
	if _, err := c.ProcessEvent(unknown); !errors.Is(err, market.ErrUnsupportedCollateral) {
		t.Errorf("unknown asset: got %v", err)
	}

	zero := deposit(uuid.New(), 0, 0)
	if _, err := c.ProcessEvent(zero); !errors.Is(err, market.ErrZeroAmount) {
		t.Errorf("zero deposit: got %v", err)
	}
}

func TestCore_SnapshotRestoreReplayIsDeterministic(t *testing.T) {
	s := referenceScenario()

	full, _, _ := newTestCore(t)
	for _, evt := range s.events {
		mustApply(t, full, evt)
	}

	const cut = 5
	partial, _, _ := newTestCore(t)
	for _, evt := range s.events[:cut] {
		mustApply(t, partial, evt)
	}
	snap := partial.CreateSnapshotState()

	restored, persistChan, _ := newTestCore(t)
	restored.RestoreFromSnapshot(snap)
	restored.BeginReplay()
	for i, evt := range s.events[cut:] {
		if err := restored.Replay(evt, int64(cut+i)); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	restored.EndReplay()

	if restored.GetStateHash() != full.GetStateHash() {
		t.Error("restored+replayed hash differs from straight run")
	}
	if restored.GetSequence() != full.GetSequence() {
		t.Errorf("sequence %d, want %d", restored.GetSequence(), full.GetSequence())
	}
	if len(drain(persistChan)) != 0 {
		t.Error("replay emitted outputs")
	}

	// Events before the snapshot are known duplicates after restore.
	r, err := restored.ProcessEvent(s.events[0])
	if err != nil || !r.Duplicate {
		t.Errorf("pre-snapshot event: receipt=%+v err=%v", r, err)
	}
}

func TestCore_ReplayOutOfStep(t *testing.T) {
	c, _, _ := newTestCore(t)
	if err := c.Replay(deposit(uuid.New(), 1, 0), 5); err == nil {
		t.Error("replay at the wrong sequence accepted")
	}
}

func TestCore_RunServesSubmissionsAndSnapshots(t *testing.T) {
	c, _, _ := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan core.Submission)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in) }()

	user := uuid.New()
	r, err := core.Submit(ctx, in, deposit(user, 250, 0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", r.Sequence)
	}

	_, err = core.Submit(ctx, in, &event.WithdrawCollateral{WithdrawalID: uuid.New(), UserID: user, Asset: "USDC", Amount: 251, Timestamp: at(1)})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("overdraw: got %v", err)
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Sequence != 0 || len(snap.Balances) != 2 {
		t.Errorf("snapshot = seq %d, %d balances", snap.Sequence, len(snap.Balances))
	}
	if got := c.LastCommitted(); got != 0 {
		t.Errorf("last committed = %d, want 0", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v", err)
	}
}
