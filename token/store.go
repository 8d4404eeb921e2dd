package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable indicates the Redis backend is unreachable.
var ErrStoreUnavailable = errors.New("token store unavailable")

// Record is the server-side row kept for every issued token. Records are
// never deleted on revocation, only flagged, so a revoked jti stays revoked
// until the sweeper reclaims it after expiry.
type Record struct {
	JTI         string
	UserID      string
	Type        Type
	DeviceID    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Blacklisted bool
}

// revokeIfActiveScript flips the blacklist flag only when the record exists
// and is still active. Exactly one of several concurrent callers sees 1.
const revokeIfActiveScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "bl") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "bl", "1")
return 1
`

var revokeIfActiveLua = redis.NewScript(revokeIfActiveScript)

// reapRecordScript removes one expired record along with its user-index and
// expiry-index entries.
const reapRecordScript = `
local user = redis.call("HGET", KEYS[1], "uid")
redis.call("DEL", KEYS[1])
if user then
  redis.call("SREM", KEYS[2] .. user, ARGV[1])
end
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`

var reapRecordLua = redis.NewScript(reapRecordScript)

// Store keeps token records in Redis: one hash per jti, a set of live jtis
// per user, and a global expiry index for sweeping.
type Store struct {
	manager *Manager
	redis   redis.UniversalClient
	prefix  string
}

func NewStore(manager *Manager, redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{manager: manager, redis: redisClient, prefix: prefix}
}

// Manager returns the signing manager the store verifies with.
func (s *Store) Manager() *Manager { return s.manager }

func (s *Store) recordKey(jti string) string { return s.prefix + ":tk:" + jti }
func (s *Store) userKeyPrefix() string       { return s.prefix + ":tku:" }
func (s *Store) userKey(userID string) string {
	return s.userKeyPrefix() + userID
}
func (s *Store) expiryKey() string { return s.prefix + ":tkx" }

// Issue signs a token and persists its record in one step.
func (s *Store) Issue(ctx context.Context, typ Type, userID, deviceID string, ttl time.Duration) (string, Record, error) {
	signed, jti, expiresAt, err := s.manager.Issue(typ, userID, deviceID, ttl)
	if err != nil {
		return "", Record{}, err
	}

	rec := Record{
		JTI:       jti,
		UserID:    userID,
		Type:      typ,
		DeviceID:  deviceID,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.save(ctx, rec); err != nil {
		return "", Record{}, err
	}
	return signed, rec, nil
}

func (s *Store) save(ctx context.Context, rec Record) error {
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.recordKey(rec.JTI), map[string]interface{}{
		"uid": rec.UserID,
		"typ": string(rec.Type),
		"did": rec.DeviceID,
		"iat": strconv.FormatInt(rec.IssuedAt.Unix(), 10),
		"exp": strconv.FormatInt(rec.ExpiresAt.Unix(), 10),
		"bl":  "0",
	})
	pipe.SAdd(ctx, s.userKey(rec.UserID), rec.JTI)
	pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
		Score:  float64(rec.ExpiresAt.Unix()),
		Member: rec.JTI,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get loads a record. A missing record reads as revoked: the signature may
// still be fine, but the server no longer vouches for the token.
func (s *Store) Get(ctx context.Context, jti string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(jti)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrRevoked
	}

	iat, _ := strconv.ParseInt(fields["iat"], 10, 64)
	exp, _ := strconv.ParseInt(fields["exp"], 10, 64)
	return &Record{
		JTI:         jti,
		UserID:      fields["uid"],
		Type:        Type(fields["typ"]),
		DeviceID:    fields["did"],
		IssuedAt:    time.Unix(iat, 0),
		ExpiresAt:   time.Unix(exp, 0),
		Blacklisted: fields["bl"] == "1",
	}, nil
}

// Verify runs the full check: signature, expiry, then revocation state, in
// that order. A token that is both expired and revoked reports expired.
func (s *Store) Verify(ctx context.Context, tokenStr string, want Type) (*Claims, *Record, error) {
	claims, err := s.manager.Verify(tokenStr, want)
	if err != nil {
		return nil, nil, err
	}

	rec, err := s.Get(ctx, claims.ID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Blacklisted {
		return nil, nil, ErrRevoked
	}
	return claims, rec, nil
}

// Revoke blacklists a jti. Revoking an already-revoked or unknown token is
// not an error.
func (s *Store) Revoke(ctx context.Context, jti string) error {
	res, err := s.redis.Exists(ctx, s.recordKey(jti)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if res == 0 {
		return nil
	}
	if err := s.redis.HSet(ctx, s.recordKey(jti), "bl", "1").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeIfActive atomically blacklists a jti and reports whether this call
// was the one that flipped it. Concurrent rotations race through here;
// exactly one wins.
func (s *Store) RevokeIfActive(ctx context.Context, jti string) (bool, error) {
	res, err := revokeIfActiveLua.Run(ctx, s.redis, []string{s.recordKey(jti)}).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return res == 1, nil
}

// RevokeAllForUser blacklists every live token the user holds and returns
// how many were flipped.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	jtis, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	revoked := 0
	for _, jti := range jtis {
		ok, err := s.RevokeIfActive(ctx, jti)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

// SweepExpired deletes records whose expiry passed before now and returns
// how many were reclaimed. Run it periodically; nothing else deletes
// records.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	jtis, err := s.redis.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	swept := 0
	for _, jti := range jtis {
		keys := []string{s.recordKey(jti), s.userKeyPrefix(), s.expiryKey()}
		if _, err := reapRecordLua.Run(ctx, s.redis, keys, jti).Result(); err != nil {
			return swept, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		swept++
	}
	return swept, nil
}
