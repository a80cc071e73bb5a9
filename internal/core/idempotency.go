package core

import (
	"container/list"

	"PredictLedger/internal/observability"
)

// Dedup tiers, as reported in predict_idempotency_duplicates_total.
const (
	tierLRU      = "lru"
	tierPostgres = "postgres"
)

// DBIdempotencyChecker looks a key up in the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker answers "was this request already applied?" from an
// in-memory LRU first and the event log second. Keys are scoped by event
// type, so one request ID can't collide across operations.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	tier2Off  bool
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)
	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, tierLRU)
		return true
	}
	if ic.dbChecker == nil || ic.tier2Off {
		return false
	}

	dup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// A lookup failure must not stall the core. A key that did reach the
		// log is still rejected by its unique index when written.
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}
	if dup {
		ic.recordDuplicate(eventType, tierPostgres)
		ic.lru.Add(key)
	}
	return dup
}

// SetTier2 turns the Postgres lookup on or off. Replay turns it off: every
// replayed event is already in the log.
func (ic *IdempotencyChecker) SetTier2(enabled bool) {
	ic.tier2Off = !enabled
}

// MarkProcessed remembers a committed request.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IdempotencyLRU is a bounded set of composite keys with least-recently-used
// eviction. Not thread-safe; only the core goroutine touches it.
type IdempotencyLRU struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List // front = most recent; values are keys
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether key is held and marks it recently used.
func (l *IdempotencyLRU) Contains(key string) bool {
	e, ok := l.index[key]
	if ok {
		l.order.MoveToFront(e)
	}
	return ok
}

func (l *IdempotencyLRU) Add(key string) {
	if e, ok := l.index[key]; ok {
		l.order.MoveToFront(e)
		return
	}
	l.index[key] = l.order.PushFront(key)
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
		l.evictions++
	}
}

// WarmFromKeys adds keys oldest first, as returned by Keys.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.Add(key)
	}
}

func (l *IdempotencyLRU) Size() int {
	return l.order.Len()
}

// Keys returns every key from least to most recently used.
func (l *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, l.order.Len())
	for e := l.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (l *IdempotencyLRU) Evictions() int64 {
	return l.evictions
}
