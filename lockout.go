package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockoutUnavailable indicates the lockout backend is unreachable. Login
// fails closed when it is returned.
var ErrLockoutUnavailable = errors.New("lockout backend unavailable")

// LockoutGuard counts failed logins per account in Redis. The counter key
// gets the window TTL on the first failure and again on the failure that
// trips the lock, so the lock lasts a full window from the trip and lifts
// on its own: once the key expires, the slate is clean.
//
// Keys are derived from the submitted email, not the user ID, so attempts
// against unknown accounts are counted the same as attempts against real
// ones.
type LockoutGuard struct {
	redis  redis.UniversalClient
	cfg    LockoutConfig
	prefix string
}

func NewLockoutGuard(redisClient redis.UniversalClient, cfg LockoutConfig) *LockoutGuard {
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "ac"
	}
	return &LockoutGuard{redis: redisClient, cfg: cfg, prefix: prefix}
}

func (g *LockoutGuard) key(account string) string {
	return g.prefix + ":lo:" + strings.ToLower(strings.TrimSpace(account))
}

// Check reports whether the account is currently locked and, if so, when
// the lock lifts.
func (g *LockoutGuard) Check(ctx context.Context, account string) (bool, time.Time, error) {
	if account == "" {
		return false, time.Time{}, nil
	}

	count, err := g.redis.Get(ctx, g.key(account)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if count < int64(g.cfg.MaxFailures) {
		return false, time.Time{}, nil
	}

	ttl, err := g.redis.TTL(ctx, g.key(account)).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if ttl <= 0 {
		// counter exists but has no TTL; treat the full window as remaining
		ttl = g.cfg.Window
	}

	return true, time.Now().Add(ttl), nil
}

// RecordFailure increments the counter and reports whether this failure
// tripped the lock.
func (g *LockoutGuard) RecordFailure(ctx context.Context, account string) (bool, error) {
	if account == "" {
		return false, nil
	}

	count, err := g.redis.Incr(ctx, g.key(account)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	tripped := count == int64(g.cfg.MaxFailures)

	// the first failure opens the counting window; the tripping failure
	// restarts it, so the lock holds for a full window from the trip
	if count == 1 || tripped {
		if err := g.redis.Expire(ctx, g.key(account), g.cfg.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
		}
	}

	return tripped, nil
}

// RecordSuccess clears the counter after a fully successful login.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, account string) error {
	if account == "" {
		return nil
	}

	if err := g.redis.Del(ctx, g.key(account)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// FailureCount returns the current counter value, zero when absent.
func (g *LockoutGuard) FailureCount(ctx context.Context, account string) (int, error) {
	if account == "" {
		return 0, nil
	}

	count, err := g.redis.Get(ctx, g.key(account)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}
