package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.Issuer = "authcore-test"
	// minimum-cost argon2 so the suite stays fast
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEngine(t *testing.T, rdb *redis.Client, store UserStore, opts ...func(*Config)) *Engine {
	t.Helper()

	cfg := testConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(store).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]*UserRecord
	byEmail map[string]string
	codes   map[string]map[[32]byte]bool

	createErr error

	commitPasswordCalls int
	updateHashCalls     int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:   make(map[string]*UserRecord),
		byEmail: make(map[string]string),
		codes:   make(map[string]map[[32]byte]bool),
	}
}

func (f *fakeUserStore) add(user *UserRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *user
	f.users[user.ID] = &clone
	f.byEmail[user.Email] = user.ID
}

func (f *fakeUserStore) get(userID string) UserRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[userID]
}

func (f *fakeUserStore) GetByEmail(ctx context.Context, email string) (*UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *f.users[id]
	return &clone, nil
}

func (f *fakeUserStore) GetByID(ctx context.Context, userID string) (*UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (f *fakeUserStore) Create(ctx context.Context, user *UserRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.byEmail[user.Email]; exists {
		return ErrEmailExists
	}
	clone := *user
	f.users[user.ID] = &clone
	f.byEmail[user.Email] = user.ID
	return nil
}

func (f *fakeUserStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateHashCalls++
	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = hash
	return nil
}

func (f *fakeUserStore) CommitPassword(ctx context.Context, userID, hash string, history []string, changedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commitPasswordCalls++
	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = hash
	user.PasswordHistory = history
	user.PasswordChangedAt = changedAt
	user.ForcePasswordChange = false
	return nil
}

func (f *fakeUserStore) SetTwoFactor(ctx context.Context, userID string, state TwoFactorState, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.TwoFactor = state
	user.TwoFactorSecret = secret
	return nil
}

func (f *fakeUserStore) SetEmailVerified(ctx context.Context, userID string, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.EmailVerified = verified
	return nil
}

func (f *fakeUserStore) ReplaceBackupCodes(ctx context.Context, userID string, hashes [][32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := make(map[[32]byte]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	f.codes[userID] = set
	return nil
}

func (f *fakeUserStore) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := f.codes[userID]
	if !set[hash] {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

func (f *fakeUserStore) BackupCodeCount(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes[userID]), nil
}

// seedUser registers an account through the engine so the stored hash uses
// the engine's own parameters.
func seedUser(t *testing.T, e *Engine, email, pass string) *UserRecord {
	t.Helper()

	user, err := e.Register(context.Background(), email, pass, "member")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return user
}
