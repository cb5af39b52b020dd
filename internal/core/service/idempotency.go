package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/metrics"
	"github.com/rl1809/stock-ledger/internal/port"
)

type CheckResult struct {
	IsNew  bool
	Cached []byte
}

// IdempotencyStore answers whether a business event was already processed.
// The cache is consulted first on a best-effort basis; the durable backend is
// the ground truth whenever the cache misses or fails.
type IdempotencyStore struct {
	cache   port.IdempotencyBackend
	durable port.DurableIdempotencyBackend
	now     func() time.Time
}

func NewIdempotencyStore(cache port.IdempotencyBackend, durable port.DurableIdempotencyBackend) *IdempotencyStore {
	return &IdempotencyStore{cache: cache, durable: durable, now: time.Now}
}

func (s *IdempotencyStore) Check(ctx context.Context, key string) (CheckResult, error) {
	log := logger.Ctx(ctx)

	rec, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.IdempotencyLookups.WithLabelValues("cache_error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("idempotency cache unavailable, using durable store")
	case rec != nil:
		metrics.IdempotencyLookups.WithLabelValues("cache_hit").Inc()
		return CheckResult{Cached: rec.Result}, nil
	}

	rec, err = s.durable.Get(ctx, key)
	if err != nil {
		return CheckResult{}, domain.Persistence(errors.Wrapf(err, "idempotency lookup %s", key))
	}
	if rec == nil {
		metrics.IdempotencyLookups.WithLabelValues("miss").Inc()
		return CheckResult{IsNew: true}, nil
	}

	metrics.IdempotencyLookups.WithLabelValues("durable_hit").Inc()
	if _, err := s.cache.PutIfAbsent(ctx, *rec); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("idempotency cache backfill failed")
	}
	return CheckResult{Cached: rec.Result}, nil
}

// MarkProcessed persists result under key. The durable write must succeed;
// the cache write is best-effort. A record that already exists is left intact.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	rec := domain.IdempotencyRecord{Key: key, Result: result, ExpiresAt: s.now().Add(ttl)}

	if _, err := s.durable.PutIfAbsent(ctx, rec); err != nil {
		return domain.Persistence(errors.Wrapf(err, "idempotency store %s", key))
	}
	if _, err := s.cache.PutIfAbsent(ctx, rec); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("idempotency cache write failed")
	}
	return nil
}

// WithIdempotency runs fn only if key was not processed yet and records its result.
// wasNew is false when the cached result of an earlier run is returned.
func (s *IdempotencyStore) WithIdempotency(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fn func(ctx context.Context) ([]byte, error),
) (result []byte, wasNew bool, err error) {
	check, err := s.Check(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !check.IsNew {
		return check.Cached, false, nil
	}

	result, err = fn(ctx)
	if err != nil {
		return nil, true, err
	}

	// The side effect is committed at this point; a replay after a failed mark is
	// caught by the ledger's natural key, so the failure is only logged.
	if err := s.MarkProcessed(ctx, key, result, ttl); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to record processed event")
	}
	return result, true, nil
}

func (s *IdempotencyStore) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.durable.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "sweep idempotency records")
	}
	return n, nil
}

// Do is the typed form of WithIdempotency; results round-trip through JSON.
func Do[T any](
	ctx context.Context,
	s *IdempotencyStore,
	key string,
	ttl time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, bool, error) {
	var out T
	raw, wasNew, err := s.WithIdempotency(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out = v
		return json.Marshal(v)
	})
	if err != nil || wasNew {
		return out, wasNew, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, false, errors.Wrapf(err, "decode cached result %s", key)
		}
	}
	return out, false, nil
}
