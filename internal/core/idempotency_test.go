package core

import (
	"errors"
	"reflect"
	"testing"

	"PredictLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLog struct {
	keys  map[string]bool
	err   error
	calls int
}

func (f *fakeLog) IsDuplicate(eventType, key string) (bool, error) {
	f.calls++
	return f.keys[eventType+"/"+key], f.err
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // b is now the oldest
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if got, want := lru.Keys(), []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", lru.Evictions())
	}

	warm := NewIdempotencyLRU(2)
	warm.WarmFromKeys(lru.Keys())
	if !reflect.DeepEqual(warm.Keys(), lru.Keys()) {
		t.Errorf("warm order = %v, want %v", warm.Keys(), lru.Keys())
	}
}

func TestCheckerTiers(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	db := &fakeLog{keys: map[string]bool{"BuyShares/k1": true}}
	ic := NewIdempotencyChecker(16, db, metrics)

	if !ic.IsDuplicate("BuyShares", "k1") {
		t.Fatal("k1 is in the log")
	}
	if !ic.IsDuplicate("BuyShares", "k1") {
		t.Fatal("k1 should now be cached")
	}
	if db.calls != 1 {
		t.Errorf("db calls = %d, want 1", db.calls)
	}
	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("BuyShares", tierPostgres)); got != 1 {
		t.Errorf("postgres duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("BuyShares", tierLRU)); got != 1 {
		t.Errorf("lru duplicates = %v, want 1", got)
	}

	// Same request ID under another operation is not a duplicate.
	if ic.IsDuplicate("SellShares", "k1") {
		t.Error("keys are scoped by event type")
	}

	ic.SetTier2(false)
	db.keys["BuyShares/k2"] = true
	if ic.IsDuplicate("BuyShares", "k2") {
		t.Error("tier 2 disabled during replay")
	}

	ic.SetTier2(true)
	db.err = errors.New("connection refused")
	if ic.IsDuplicate("BuyShares", "k3") {
		t.Error("lookup failure must not report a duplicate")
	}
	if got := testutil.ToFloat64(metrics.DedupTier2Errors); got != 1 {
		t.Errorf("tier2 errors = %v, want 1", got)
	}

	ic.MarkProcessed("BuyShares", "k3")
	if !ic.IsDuplicate("BuyShares", "k3") {
		t.Error("processed key should be cached")
	}
}
