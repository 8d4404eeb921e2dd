// Package device tracks which devices hold live refresh tokens for a user
// and enforces the per-user session cap.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLimitExceeded is returned under the reject-new policy when a
	// login from an unknown device arrives at the cap.
	ErrLimitExceeded = errors.New("device limit exceeded")
	// ErrNotFound is returned when a device ID is not registered for the
	// user.
	ErrNotFound = errors.New("device not found")
	// ErrStoreUnavailable indicates the Redis backend is unreachable.
	ErrStoreUnavailable = errors.New("device store unavailable")
)

// Info is the metadata captured when a device is admitted.
type Info struct {
	DeviceID   string
	Name       string
	IP         string
	UserAgent  string
	Trusted    bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	// RefreshJTI is the jti of the refresh token currently bound to this
	// device. It is what gets revoked when the device is evicted.
	RefreshJTI string
}

// Eviction reports the device removed to make room for a new admission.
type Eviction struct {
	DeviceID   string
	RefreshJTI string
}

// admitScript admits one device under the cap in a single atomic step. When
// the user is at the cap it either rejects (ARGV[2] == "reject") or pops
// exactly the one oldest device and reports what was evicted, so the caller
// can revoke the evicted refresh token.
const admitScript = `
local count = redis.call("ZCARD", KEYS[1])
local evictedId = ""
local evictedJti = ""
if count >= tonumber(ARGV[1]) then
  if ARGV[2] == "reject" then
    return {"reject", "", ""}
  end
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0)
  if oldest[1] then
    evictedId = oldest[1]
    local hkey = KEYS[2] .. evictedId
    evictedJti = redis.call("HGET", hkey, "rjti") or ""
    redis.call("DEL", hkey)
    redis.call("ZREM", KEYS[1], evictedId)
  end
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("HSET", KEYS[2] .. ARGV[4],
  "name", ARGV[5], "ip", ARGV[6], "ua", ARGV[7],
  "trusted", "0", "created", ARGV[3], "last", ARGV[3], "rjti", ARGV[8])
return {"ok", evictedId, evictedJti}
`

var admitLua = redis.NewScript(admitScript)

// removeScript deletes one device and returns its bound refresh jti.
const removeScript = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 0 then
  return false
end
local jti = redis.call("HGET", KEYS[2] .. ARGV[1], "rjti") or ""
redis.call("DEL", KEYS[2] .. ARGV[1])
return jti
`

var removeLua = redis.NewScript(removeScript)

// touchScript rebinds a known device to a new refresh jti and returns the
// jti that was bound before, so the caller can revoke it. The admission
// score is untouched.
const touchScript = `
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return false
end
local hkey = KEYS[2] .. ARGV[1]
local prev = redis.call("HGET", hkey, "rjti") or ""
redis.call("HSET", hkey, "last", ARGV[2], "rjti", ARGV[3])
if ARGV[4] ~= "" then
  redis.call("HSET", hkey, "ip", ARGV[4])
end
if ARGV[5] ~= "" then
  redis.call("HSET", hkey, "ua", ARGV[5])
end
return prev
`

var touchLua = redis.NewScript(touchScript)

// Store keeps one sorted set per user, scored by admission time, plus one
// hash per device. Admission order, not last use, decides who is oldest.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) setKey(userID string) string { return s.prefix + ":dev:" + userID }
func (s *Store) hashPrefix(userID string) string {
	return s.prefix + ":devh:" + userID + ":"
}

// Known reports whether deviceID is already admitted for the user.
func (s *Store) Known(ctx context.Context, userID, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}
	_, err := s.redis.ZScore(ctx, s.setKey(userID), deviceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

// Admit registers a new device under the cap. rejectAtCap selects the
// reject-new policy; otherwise the oldest device is evicted and returned so
// its refresh token can be revoked. Callers must route already-known
// devices through [Store.Touch] instead.
func (s *Store) Admit(ctx context.Context, userID string, info Info, cap int, rejectAtCap bool) (*Eviction, error) {
	policy := "evict"
	if rejectAtCap {
		policy = "reject"
	}
	now := info.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	keys := []string{s.setKey(userID), s.hashPrefix(userID)}
	argv := []interface{}{
		cap, policy,
		strconv.FormatInt(now.UnixMilli(), 10),
		info.DeviceID, info.Name, info.IP, info.UserAgent, info.RefreshJTI,
	}

	res, err := admitLua.Run(ctx, s.redis, keys, argv...).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrStoreUnavailable)
	}

	status, _ := res[0].(string)
	if status == "reject" {
		return nil, ErrLimitExceeded
	}

	evictedID, _ := res[1].(string)
	if evictedID == "" {
		return nil, nil
	}
	evictedJTI, _ := res[2].(string)
	return &Eviction{DeviceID: evictedID, RefreshJTI: evictedJTI}, nil
}

// Touch updates a known device after a login or rotation: last-used time,
// current network metadata, and the newly bound refresh jti. It returns
// the jti that was bound before the rebind; a device holds at most one
// live refresh token, so the caller must revoke the returned jti. The
// admission score is left alone so eviction order stays FIFO.
func (s *Store) Touch(ctx context.Context, userID, deviceID, ip, userAgent, refreshJTI string) (string, error) {
	keys := []string{s.setKey(userID), s.hashPrefix(userID)}
	argv := []interface{}{
		deviceID,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		refreshJTI, ip, userAgent,
	}

	res, err := touchLua.Run(ctx, s.redis, keys, argv...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	prev, _ := res.(string)
	return prev, nil
}

// Remove deletes one device and returns the refresh jti that was bound to
// it, empty when none was recorded.
func (s *Store) Remove(ctx context.Context, userID, deviceID string) (string, error) {
	res, err := removeLua.Run(ctx, s.redis, []string{s.setKey(userID), s.hashPrefix(userID)}, deviceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	jti, _ := res.(string)
	return jti, nil
}

// RemoveAll deletes every device for the user and returns the refresh jtis
// that were bound to them.
func (s *Store) RemoveAll(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.ZRange(ctx, s.setKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	jtis := make([]string, 0, len(ids))
	for _, id := range ids {
		jti, err := s.Remove(ctx, userID, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return jtis, err
		}
		if jti != "" {
			jtis = append(jtis, jti)
		}
	}
	return jtis, nil
}

// SetTrusted flags or unflags a device as trusted.
func (s *Store) SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) error {
	known, err := s.Known(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !known {
		return ErrNotFound
	}

	val := "0"
	if trusted {
		val = "1"
	}
	if err := s.redis.HSet(ctx, s.hashPrefix(userID)+deviceID, "trusted", val).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get loads one device.
func (s *Store) Get(ctx context.Context, userID, deviceID string) (*Info, error) {
	fields, err := s.redis.HGetAll(ctx, s.hashPrefix(userID)+deviceID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return infoFromFields(deviceID, fields), nil
}

// List returns every admitted device, oldest admission first.
func (s *Store) List(ctx context.Context, userID string) ([]Info, error) {
	ids, err := s.redis.ZRange(ctx, s.setKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, userID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Count reports how many devices the user currently has admitted.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	n, err := s.redis.ZCard(ctx, s.setKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(n), nil
}

func infoFromFields(deviceID string, fields map[string]string) *Info {
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	last, _ := strconv.ParseInt(fields["last"], 10, 64)
	return &Info{
		DeviceID:   deviceID,
		Name:       fields["name"],
		IP:         fields["ip"],
		UserAgent:  fields["ua"],
		Trusted:    fields["trusted"] == "1",
		CreatedAt:  time.UnixMilli(created),
		LastUsedAt: time.UnixMilli(last),
		RefreshJTI: fields["rjti"],
	}
}
