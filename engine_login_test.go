package authcore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testPassword = "Sup3r-Secret!"

func TestLoginSuccessIssuesPair(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	user := seedUser(t, engine, "alice@example.com", testPassword)

	ctx := WithClientIP(context.Background(), "10.0.0.1")
	result, err := engine.Login(ctx, "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.TwoFactorRequired {
		t.Fatal("unexpected two-factor pause")
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if result.UserID != user.ID {
		t.Fatalf("UserID = %q, want %q", result.UserID, user.ID)
	}
	if result.DeviceID == "" {
		t.Fatal("expected a device ID")
	}

	info, err := engine.ValidateAccess(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if info.UserID != user.ID {
		t.Fatalf("access UserID = %q, want %q", info.UserID, user.ID)
	}
	if info.DeviceID != result.DeviceID {
		t.Fatalf("access DeviceID = %q, want %q", info.DeviceID, result.DeviceID)
	}
}

func TestLoginEmailIsCaseInsensitive(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	seedUser(t, engine, "Alice@Example.COM", testPassword)

	if _, err := engine.Login(context.Background(), "  ALICE@example.com ", testPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	seedUser(t, engine, "alice@example.com", testPassword)

	_, err := engine.Login(context.Background(), "alice@example.com", "wrong-pass-1!A")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newFakeUserStore())

	_, err := engine.Login(context.Background(), "nobody@example.com", testPassword)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	user := seedUser(t, engine, "alice@example.com", testPassword)

	record := store.get(user.ID)
	record.Active = false
	store.add(&record)

	_, err := engine.Login(context.Background(), "alice@example.com", testPassword)
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("err = %v, want ErrAccountInactive", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	seedUser(t, engine, "alice@example.com", testPassword)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := engine.Login(ctx, "alice@example.com", "wrong-pass-1!A")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// even the correct password is rejected while locked
	_, err := engine.Login(ctx, "alice@example.com", testPassword)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}

	locked, ok := AsLocked(err)
	if !ok {
		t.Fatal("expected a LockedError")
	}
	if locked.Until.Before(time.Now()) {
		t.Fatalf("Until = %v, want a future deadline", locked.Until)
	}
}

func TestLockoutExpiresAfterWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	seedUser(t, engine, "alice@example.com", testPassword)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = engine.Login(ctx, "alice@example.com", "wrong-pass-1!A")
	}
	if _, err := engine.Login(ctx, "alice@example.com", testPassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}

	mr.FastForward(16 * time.Minute)

	if _, err := engine.Login(ctx, "alice@example.com", testPassword); err != nil {
		t.Fatalf("Login after window failed: %v", err)
	}
}

func TestLoginSuccessResetsFailureCounter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	seedUser(t, engine, "alice@example.com", testPassword)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = engine.Login(ctx, "alice@example.com", "wrong-pass-1!A")
	}
	if _, err := engine.Login(ctx, "alice@example.com", testPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// counter must be back at zero: four more failures do not lock
	for i := 0; i < 4; i++ {
		_, err := engine.Login(ctx, "alice@example.com", "wrong-pass-1!A")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d after reset: err = %v", i+1, err)
		}
	}
	if _, err := engine.Login(ctx, "alice@example.com", testPassword); err != nil {
		t.Fatalf("Login after reset failed: %v", err)
	}
}

func TestDeviceCapEvictsOldest(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	user := seedUser(t, engine, "alice@example.com", testPassword)

	results := make([]*LoginResult, 0, 4)
	for i := 0; i < 4; i++ {
		ctx := WithDeviceID(context.Background(), fmt.Sprintf("device-%d", i))
		res, err := engine.Login(ctx, "alice@example.com", testPassword)
		if err != nil {
			t.Fatalf("login %d failed: %v", i, err)
		}
		results = append(results, res)
	}

	sessions, err := engine.Sessions(context.Background(), user.ID, "")
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	for _, s := range sessions {
		if s.DeviceID == "device-0" {
			t.Fatal("oldest device should have been evicted")
		}
	}

	// the evicted device's refresh token no longer rotates
	_, err = engine.Refresh(context.Background(), results[0].RefreshToken)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("evicted refresh: err = %v, want ErrTokenRevoked", err)
	}

	// survivors still rotate
	if _, err := engine.Refresh(context.Background(), results[3].RefreshToken); err != nil {
		t.Fatalf("survivor refresh failed: %v", err)
	}
}

func TestDeviceCapRejectNewPolicy(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store, func(cfg *Config) {
		cfg.Device.Eviction = RejectNew
	})
	seedUser(t, engine, "alice@example.com", testPassword)

	for i := 0; i < 3; i++ {
		ctx := WithDeviceID(context.Background(), fmt.Sprintf("device-%d", i))
		if _, err := engine.Login(ctx, "alice@example.com", testPassword); err != nil {
			t.Fatalf("login %d failed: %v", i, err)
		}
	}

	ctx := WithDeviceID(context.Background(), "device-3")
	_, err := engine.Login(ctx, "alice@example.com", testPassword)
	if !errors.Is(err, ErrDeviceLimit) {
		t.Fatalf("err = %v, want ErrDeviceLimit", err)
	}
}

func TestKnownDeviceDoesNotEvict(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newFakeUserStore()
	engine := newTestEngine(t, rdb, store)
	user := seedUser(t, engine, "alice@example.com", testPassword)

	for i := 0; i < 3; i++ {
		ctx := WithDeviceID(context.Background(), fmt.Sprintf("device-%d", i))
		if _, err := engine.Login(ctx, "alice@example.com", testPassword); err != nil {
			t.Fatalf("login %d failed: %v", i, err)
		}
	}

	// a repeat login from a known device reuses its slot
	ctx := WithDeviceID(context.Background(), "device-1")
	if _, err := engine.Login(ctx, "alice@example.com", testPassword); err != nil {
		t.Fatalf("repeat login failed: %v", err)
	}

	sessions, err := engine.Sessions(context.Background(), user.ID, "device-1")
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}

	var sawCurrent bool
	for _, s := range sessions {
		if s.DeviceID == "device-1" && s.Current {
			sawCurrent = true
		}
	}
	if !sawCurrent {
		t.Fatal("device-1 should be listed and marked current")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newFakeUserStore())
	seedUser(t, engine, "alice@example.com", testPassword)

	_, err := engine.Register(context.Background(), "alice@example.com", testPassword, "member")
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("err = %v, want ErrEmailExists", err)
	}
}

func TestRegisterWeakPassword(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newFakeUserStore())

	_, err := engine.Register(context.Background(), "bob@example.com", "short", "member")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("err = %v, want ErrWeakPassword", err)
	}

	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatal("expected a PolicyError")
	}
	if len(policyErr.Violations) == 0 {
		t.Fatal("expected violations to be listed")
	}
}
