// Package lease keeps a single core instance writing at a time. The holder
// owns a Redis key with a TTL and renews it while it runs; another instance
// can take over only after the key expires.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PredictLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrLeaseHeld = errors.New("lease: held by another instance")
	ErrLeaseLost = errors.New("lease: lost")
)

// releaseLua deletes the key only if it still carries our token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the TTL only if the key still carries our token.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Lease is one instance's claim on the writer key.
type Lease struct {
	rdb     redis.UniversalClient
	key     string
	ttl     time.Duration
	token   string
	release *redis.Script
	renew   *redis.Script
	metrics *observability.Metrics
	log     zerolog.Logger
}

// New builds a lease on key. metrics may be nil.
func New(rdb redis.UniversalClient, key string, ttl time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Lease {
	return &Lease{
		rdb:     rdb,
		key:     "lease:" + key,
		ttl:     ttl,
		token:   uuid.New().String(),
		release: redis.NewScript(releaseLua),
		renew:   redis.NewScript(renewLua),
		metrics: metrics,
		log:     log,
	}
}

// Token identifies this holder.
func (l *Lease) Token() string { return l.token }

// TryAcquire takes the key if it is free. It returns ErrLeaseHeld if another
// instance owns it.
func (l *Lease) TryAcquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("lease: acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	l.setHeld(true)
	l.log.Info().Str("key", l.key).Dur("ttl", l.ttl).Msg("lease acquired")
	return nil
}

// Acquire polls until the key is free or ctx is done.
func (l *Lease) Acquire(ctx context.Context, retry time.Duration) error {
	for {
		err := l.TryAcquire(ctx)
		if !errors.Is(err, ErrLeaseHeld) {
			return err
		}
		l.log.Info().Str("key", l.key).Msg("lease held elsewhere, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Renew extends the TTL. It returns ErrLeaseLost once the key has expired
// or been taken by another instance.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := l.renew.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lease: renew %s: %w", l.key, err)
	}
	if n == 0 {
		l.setHeld(false)
		return ErrLeaseLost
	}
	return nil
}

// Keep renews at a third of the TTL until ctx is done, then releases.
// It returns ErrLeaseLost if renewal fails for longer than the TTL; the
// caller must stop writing.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			l.Release()
			return nil
		case <-ticker.C:
			err := l.Renew(ctx)
			switch {
			case err == nil:
				lastRenewed = time.Now()
			case errors.Is(err, ErrLeaseLost):
				l.log.Error().Str("key", l.key).Msg("lease lost")
				return err
			case ctx.Err() != nil:
				l.Release()
				return nil
			default:
				l.log.Warn().Err(err).Str("key", l.key).Msg("lease renew failed")
				if time.Since(lastRenewed) >= l.ttl {
					l.setHeld(false)
					return fmt.Errorf("%w: %v", ErrLeaseLost, err)
				}
			}
		}
	}
}

// Release deletes the key if we still own it. Safe to call more than once.
func (l *Lease) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.release.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		l.log.Warn().Err(err).Str("key", l.key).Msg("lease release failed")
	}
	l.setHeld(false)
}

func (l *Lease) setHeld(held bool) {
	if l.metrics == nil {
		return
	}
	if held {
		l.metrics.LeaseHeld.Set(1)
	} else {
		l.metrics.LeaseHeld.Set(0)
	}
}
