package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"PredictLedger/internal/event"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/state"

	"github.com/google/uuid"
)

// DefaultLRUCapacity is the in-memory idempotency window.
const DefaultLRUCapacity = 1_000_000

// DeterministicCore is the single-threaded event processor.
//
// Every operation runs to completion before the next one starts. The market
// engine validates and prices against the store, stages its custody transfer
// on the custodian, and writes the store only once the transfer is accepted.
// The core then applies the staged batch, extends the hash chain and emits the
// committed output. A rejected event leaves state, balances, hash chain and
// sequence counters as they were.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	custodian         *ledger.Custodian
	validator         *ledger.InvariantValidator
	store             *state.MemoryStore
	markets           *market.Engine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	replaying bool
	committed atomic.Int64 // last committed sequence, readable from any goroutine

	snapshotReq chan chan *SnapshotState

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed event with everything downstream needs.
// Batch is nil when the event moved no collateral. Market and Position are
// the touched records after the event, when there are any.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	Market     *state.Market
	Position   *state.Position
	Receipt    Receipt
	StateDelta []byte
}

// Receipt is the result of an operation returned to the submitter.
type Receipt struct {
	Sequence      int64
	MarketID      uuid.UUID
	SharesOut     uint64
	CollateralOut uint64 // net of fee
	Fee           uint64
	Payout        uint64
	VaultBalance  uint64 // resolution snapshot
	WinningShares uint64 // resolution snapshot
	Duplicate     bool
}

// Options configure a core.
type Options struct {
	StartSequence int64
	Market        market.Config
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
}

func NewDeterministicCore(opts Options, persistChan, projectionChan chan<- CoreOutput) (*DeterministicCore, error) {
	balanceTracker := ledger.NewBalanceTracker()
	custodian := ledger.NewCustodian(balanceTracker)
	store := state.NewMemoryStore()

	markets, err := market.NewEngine(store, custodian, opts.Market)
	if err != nil {
		return nil, err
	}

	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}

	c := &DeterministicCore{
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		custodian:         custodian,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		store:             store,
		markets:           markets,
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		snapshotReq:       make(chan chan *SnapshotState),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	c.committed.Store(opts.StartSequence - 1)
	return c, nil
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) (Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := partitionOf(evt)
	sourceSequence := evt.SourceSequence()
	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
		c.reject(eventType, sequenceReason(err))
		return Receipt{}, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return Receipt{Duplicate: true}, nil
	}

	// Step 3: Dispatch against a fresh pending batch
	ts := evt.OccurredAt()
	c.custodian.Begin(idempotencyKey, c.sequence, ts.UnixMicro(), journalTypeOf(evt))

	receipt, err := c.dispatchEvent(evt)
	if err != nil {
		c.custodian.Discard()
		c.reject(eventType, rejectReason(err))
		return Receipt{}, err
	}
	batch := c.custodian.Take()

	// Step 4: Validate and apply the staged transfers
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed after staging: %v", err))
		}
		if err := c.validator.ValidateTouchedNonNegative(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	// Step 5: Hash chain
	touchedMarket, touchedPosition := c.touched(evt)

	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch, touchedMarket, touchedPosition)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	receipt.Sequence = c.sequence

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      ts,
		SourceSequence: sourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		Market:     touchedMarket,
		Position:   touchedPosition,
		Receipt:    receipt,
		StateDelta: stateDigest,
	}

	c.committed.Store(c.sequence)
	c.sequence++
	c.sequenceValidator.Advance(partition, sourceSequence)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Step 6: Emit. Replayed events are already in the log.
	if !c.replaying {
		c.emit(output)
	}

	if c.metrics != nil {
		c.recordApplied(evt, output)
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}

	return receipt, nil
}

// emit hands a committed output downstream. The persist channel blocks, so
// the core stalls until persistence drains and nothing is lost. The
// projection channel drops on full; projections rebuild from the event log.
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- output
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (Receipt, error) {
	now := evt.OccurredAt().Unix()

	switch e := evt.(type) {
	case *event.CreateMarket:
		id, err := c.markets.CreateMarket(market.CreateParams{
			Authority:        e.Authority,
			MarketID:         e.MarketNumber,
			Question:         e.Question,
			Collateral:       e.Collateral,
			EndTime:          e.EndTime,
			InitialLiquidity: e.InitialLiquidity,
			Now:              now,
		})
		return Receipt{MarketID: id}, err

	case *event.BuyShares:
		res, err := c.markets.Buy(market.BuyParams{
			Market:       e.Market,
			Caller:       e.Caller,
			Outcome:      e.Outcome,
			GrossIn:      e.Amount,
			MinSharesOut: e.MinSharesOut,
			Now:          now,
		})
		return Receipt{MarketID: e.Market, SharesOut: res.SharesOut, Fee: res.Fee}, err

	case *event.SellShares:
		res, err := c.markets.Sell(market.SellParams{
			Market:           e.Market,
			Caller:           e.Caller,
			Outcome:          e.Outcome,
			SharesIn:         e.Shares,
			MinCollateralOut: e.MinCollateralOut,
			Now:              now,
		})
		return Receipt{MarketID: e.Market, CollateralOut: res.NetOut, Fee: res.Fee}, err

	case *event.ResolveMarket:
		res, err := c.markets.Resolve(market.ResolveParams{
			Market: e.Market,
			Caller: e.Caller,
			Winner: e.Winner,
			Now:    now,
		})
		return Receipt{MarketID: e.Market, VaultBalance: res.VaultBalance, WinningShares: res.TotalWinningShares}, err

	case *event.ClaimWinnings:
		payout, err := c.markets.Claim(market.ClaimParams{Market: e.Market, Caller: e.Caller})
		return Receipt{MarketID: e.Market, Payout: payout}, err

	case *event.DepositCollateral:
		return Receipt{}, c.handleDepositCollateral(e)

	case *event.WithdrawCollateral:
		return Receipt{}, c.handleWithdrawCollateral(e)

	default:
		return Receipt{}, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handleDepositCollateral credits a user from the external deposit boundary.
func (c *DeterministicCore) handleDepositCollateral(evt *event.DepositCollateral) error {
	assetID, err := collateralAsset(evt.Asset, evt.Amount)
	if err != nil {
		return err
	}
	return c.custodian.Transfer(
		evt.Amount,
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, assetID),
		ledger.NewUserAccountKey(evt.UserID, assetID),
		ledger.GatewayCapability(),
	)
}

// handleWithdrawCollateral debits a user to the external withdrawal boundary.
func (c *DeterministicCore) handleWithdrawCollateral(evt *event.WithdrawCollateral) error {
	assetID, err := collateralAsset(evt.Asset, evt.Amount)
	if err != nil {
		return err
	}
	return c.custodian.Transfer(
		evt.Amount,
		ledger.NewUserAccountKey(evt.UserID, assetID),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, assetID),
		ledger.OwnerCapability(evt.UserID),
	)
}

func collateralAsset(asset string, amount uint64) (ledger.AssetID, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %q", market.ErrUnsupportedCollateral, asset)
	}
	if amount == 0 {
		return 0, market.ErrZeroAmount
	}
	return assetID, nil
}

func journalTypeOf(evt event.Event) ledger.JournalType {
	switch evt.(type) {
	case *event.CreateMarket:
		return ledger.JournalTypeMarketFunding
	case *event.BuyShares:
		return ledger.JournalTypeBuyShares
	case *event.SellShares:
		return ledger.JournalTypeSellShares
	case *event.ClaimWinnings:
		return ledger.JournalTypeClaimPayout
	case *event.DepositCollateral:
		return ledger.JournalTypeDeposit
	case *event.WithdrawCollateral:
		return ledger.JournalTypeWithdrawal
	default:
		return ledger.JournalTypeAdjustment
	}
}

// partitionOf determines partition key for sequence validation
func partitionOf(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

func callerOf(evt event.Event) (uuid.UUID, bool) {
	switch e := evt.(type) {
	case *event.BuyShares:
		return e.Caller, true
	case *event.SellShares:
		return e.Caller, true
	case *event.ClaimWinnings:
		return e.Caller, true
	default:
		return uuid.Nil, false
	}
}

// touched returns copies of the market and position an event wrote.
func (c *DeterministicCore) touched(evt event.Event) (*state.Market, *state.Position) {
	ref := evt.MarketID()
	if ref == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*ref)
	if err != nil {
		return nil, nil
	}
	m, ok := c.store.GetMarket(id)
	if !ok {
		return nil, nil
	}

	caller, ok := callerOf(evt)
	if !ok {
		return &m, nil
	}
	pos, ok := c.store.GetPosition(state.PositionKey{MarketID: id, Owner: caller})
	if !ok {
		return &m, nil
	}
	return &m, &pos
}

// computeStateDigest creates canonical bytes for the state hash: the touched
// accounts in path order with their balances, then the touched market and
// position records.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, m *state.Market, pos *state.Position) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+256)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Append balance (8 bytes LE)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	if m != nil {
		digest = append(digest, m.CanonicalBytes()...)
	}
	if pos != nil {
		digest = append(digest, pos.CanonicalBytes()...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func rejectReason(err error) string {
	if kind, ok := market.KindOf(err); ok {
		return kind.String()
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "authorization"
	default:
		return "other"
	}
}

func sequenceReason(err error) string {
	if errors.Is(err, ErrSequenceGap) {
		return "sequence_gap"
	}
	return "out_of_order"
}

func (c *DeterministicCore) recordApplied(evt event.Event, out CoreOutput) {
	m := c.metrics
	m.CoreEventsApplied.WithLabelValues(evt.EventType().String()).Inc()
	m.CoreSequence.Set(float64(c.sequence))
	m.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	r := out.Receipt
	switch e := evt.(type) {
	case *event.CreateMarket:
		m.MarketsCreated.WithLabelValues(e.Collateral).Inc()
	case *event.BuyShares:
		m.SharesTraded.WithLabelValues("buy", e.Outcome.String()).Add(float64(r.SharesOut))
		m.CollateralVolume.WithLabelValues("buy").Add(float64(e.Amount))
		m.FeesCollected.WithLabelValues("buy").Add(float64(r.Fee))
	case *event.SellShares:
		m.SharesTraded.WithLabelValues("sell", e.Outcome.String()).Add(float64(e.Shares))
		m.CollateralVolume.WithLabelValues("sell").Add(float64(r.CollateralOut + r.Fee))
		m.FeesCollected.WithLabelValues("sell").Add(float64(r.Fee))
	case *event.ResolveMarket:
		m.MarketsResolved.WithLabelValues(e.Winner.String()).Inc()
	case *event.ClaimWinnings:
		if out.Market != nil {
			if w, ok := out.Market.Status.Winner(); ok {
				m.ClaimsPaid.WithLabelValues(w.String()).Inc()
				m.ClaimPayouts.WithLabelValues(w.String()).Add(float64(r.Payout))
			}
		}
	}
}

// --- Single-writer loop ---

// Submission is one event handed to Run. Reply, when set, receives exactly
// one Result and must have room for it.
type Submission struct {
	Event event.Event
	Reply chan<- Result
}

type Result struct {
	Receipt Receipt
	Err     error
}

// Run processes submissions one at a time until ctx ends or in closes. It
// also serves Snapshot requests between events, so readers never observe a
// half-applied operation.
func (c *DeterministicCore) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub, ok := <-in:
			if !ok {
				return nil
			}
			receipt, err := c.ProcessEvent(sub.Event)
			if sub.Reply != nil {
				sub.Reply <- Result{Receipt: receipt, Err: err}
			}

		case reply := <-c.snapshotReq:
			reply <- c.CreateSnapshotState()
		}
	}
}

// Snapshot asks a running core for its state between two events.
func (c *DeterministicCore) Snapshot(ctx context.Context) (*SnapshotState, error) {
	reply := make(chan *SnapshotState, 1)
	select {
	case c.snapshotReq <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit sends evt to a running core and waits for its result.
func Submit(ctx context.Context, in chan<- Submission, evt event.Event) (Receipt, error) {
	reply := make(chan Result, 1)
	select {
	case in <- Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Receipt, res.Err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// --- Replay ---

// BeginReplay switches the core to replay mode: the Postgres dedup tier is
// skipped and nothing is emitted.
func (c *DeterministicCore) BeginReplay() {
	c.replaying = true
	c.idempotency.SetTier2(false)
}

func (c *DeterministicCore) EndReplay() {
	c.replaying = false
	c.idempotency.SetTier2(true)
}

// Replay applies a logged event and checks it lands on its logged sequence.
func (c *DeterministicCore) Replay(evt event.Event, loggedSequence int64) error {
	if loggedSequence != c.sequence {
		return fmt.Errorf("replay out of step: logged sequence %d, core at %d", loggedSequence, c.sequence)
	}
	receipt, err := c.ProcessEvent(evt)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", loggedSequence, err)
	}
	if receipt.Duplicate {
		return fmt.Errorf("replay seq=%d: logged event %s treated as duplicate", loggedSequence, evt.IdempotencyKey())
	}
	return nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Markets         []state.Market
	Positions       []state.Position
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// Call before Run; replay the log from snap.Sequence+1 afterwards.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.committed.Store(snap.Sequence)

	c.hasher.SetPrevHash(snap.StateHash)
	c.balanceTracker.Restore(snap.Balances)

	c.store.Reset()
	for _, m := range snap.Markets {
		c.store.PutMarket(m)
	}
	for _, p := range snap.Positions {
		c.store.PutPosition(p)
	}

	for partition, last := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, last)
	}

	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence to assign.
// Only safe on the core goroutine or before Run.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// LastCommitted returns the last committed sequence, -1 before the first
// event. Safe from any goroutine.
func (c *DeterministicCore) LastCommitted() int64 {
	return c.committed.Load()
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Markets exposes the market engine for read-only previews on the core
// goroutine.
func (c *DeterministicCore) Markets() *market.Engine {
	return c.markets
}

// Store exposes the in-memory state. Only safe on the core goroutine or
// before Run.
func (c *DeterministicCore) Store() *state.MemoryStore {
	return c.store
}

// Balances exposes the balance tracker. Same rules as Store.
func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

// CreateSnapshotState captures the current in-memory state for persistence.
// The global zero-sum invariant is checked on every snapshot.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Markets:         c.store.Markets(),
		Positions:       c.store.Positions(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}
