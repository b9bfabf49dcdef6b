// Package locksvc provides short-lived mutual exclusion keyed by arbitrary
// strings, with acquire timeouts and TTL-based auto-release.
package locksvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pollInterval = 50 * time.Millisecond

// redisLocker is the narrow slice of redis.Cmdable the lock service needs;
// satisfied by *redis.Client in production and by a hand-written fake in
// tests.
type redisLocker interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Tuning holds the fallback TTL/wait used when a caller doesn't have a
// named-key constant of its own to reach for. Every lock key spec.md §4.1
// names carries its own fixed TTL/wait; DefaultTTL/DefaultWait exist for
// call sites that don't.
type Tuning struct {
	DefaultTTL  time.Duration
	DefaultWait time.Duration
}

func defaultTuning() Tuning {
	return Tuning{DefaultTTL: 30 * time.Second, DefaultWait: 5 * time.Second}
}

// Service is a Redis-backed distributed lock. The zero value is not usable;
// construct with New.
type Service struct {
	rdb    redisLocker
	prefix string
	tuning Tuning
}

// New wires a Service. tuning is variadic so existing callers that don't
// care about overriding the fallback TTL/wait can omit it entirely; passing
// more than one value is a programmer error and only the first is used.
func New(rdb redisLocker, tuning ...Tuning) *Service {
	t := defaultTuning()
	if len(tuning) > 0 {
		if tuning[0].DefaultTTL > 0 {
			t.DefaultTTL = tuning[0].DefaultTTL
		}
		if tuning[0].DefaultWait > 0 {
			t.DefaultWait = tuning[0].DefaultWait
		}
	}
	return &Service{rdb: rdb, prefix: "lock:", tuning: t}
}

func (s *Service) key(name string) string {
	return s.prefix + name
}

// TryLock attempts to acquire the named lock, busy-polling at ~50ms
// intervals until wait elapses. It returns the owner token it wrote (a
// fresh UUID plus the acquisition time; Unlock does not verify it — see
// Unlock) and
// whether the lock was acquired. ttl<=0 and wait<0 fall back to the
// Service's configured defaults; wait==0 is a deliberate "don't wait" and
// is never overridden.
func (s *Service) TryLock(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = s.tuning.DefaultTTL
	}
	if wait < 0 {
		wait = s.tuning.DefaultWait
	}

	token := uuid.NewString() + "@" + time.Now().UTC().Format(time.RFC3339Nano)
	deadline := time.Now().Add(wait)

	for {
		ok, err := s.rdb.SetNX(ctx, s.key(name), token, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("locksvc: try_lock %s: %w", name, err)
		}
		if ok {
			return token, true, nil
		}

		if time.Now().After(deadline) {
			return "", false, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock is best-effort and idempotent. It deletes the lock key without
// verifying ownership — a conscious simplification documented in spec.md
// §4.1/§9: callers must choose a TTL comfortably longer than their critical
// section.
func (s *Service) Unlock(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, s.key(name)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("locksvc: unlock %s: %w", name, err)
	}
	return nil
}

// ErrNotRun is returned by WithLock when the lock could not be acquired within
// wait.
var ErrNotRun = errors.New("locksvc: operation did not run, lock unavailable")

// WithLock acquires name (ttl/wait as in TryLock), runs fn, and releases the
// lock on any exit path. If the lock could not be acquired it returns
// ErrNotRun without running fn.
func WithLock[T any](ctx context.Context, s *Service, name string, ttl, wait time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	_, ok, err := s.TryLock(ctx, name, ttl, wait)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotRun
	}
	defer func() { _ = s.Unlock(context.Background(), name) }()

	return fn(ctx)
}
