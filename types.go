package authcore

import (
	"context"
	"time"
)

// TwoFactorState tracks the enrollment state machine for a user's second
// factor. A secret generated during setup does not protect the account until
// the user proves possession with one valid code.
type TwoFactorState uint8

const (
	// TwoFactorOff means no second factor is configured.
	TwoFactorOff TwoFactorState = iota
	// TwoFactorPending means a secret has been generated but not yet
	// confirmed. Logins do not require a code in this state.
	TwoFactorPending
	// TwoFactorEnabled means setup was confirmed; logins require a code.
	TwoFactorEnabled
)

func (s TwoFactorState) String() string {
	switch s {
	case TwoFactorOff:
		return "off"
	case TwoFactorPending:
		return "pending"
	case TwoFactorEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// UserRecord is the engine's view of a stored account. The application owns
// persistence; the engine reads and writes through [UserStore].
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string

	Active bool
	// Locked is the administrative lock flag. It is independent of the
	// failure-driven lockout window, which lives in Redis.
	Locked bool

	TwoFactor       TwoFactorState
	TwoFactorSecret string

	EmailVerified bool

	// PasswordChangedAt drives the expiry check. Zero means unknown and
	// is treated as not expired.
	PasswordChangedAt time.Time
	// PasswordHistory holds previous password hashes, most recent first.
	// The current hash is not duplicated here.
	PasswordHistory []string
	// ForcePasswordChange requires a password change before the next
	// token issuance.
	ForcePasswordChange bool
}

// UserStore is the persistence contract the application implements. All
// methods must be safe for concurrent use. Implementations should wrap
// backend failures so they surface as ErrStoreUnavailable; ConsumeBackupCode
// must be atomic per code.
type UserStore interface {
	// GetByEmail looks up an account by address. The engine lowercases and
	// trims every submitted address before calling, so implementations may
	// match exactly against the normalized form they stored at Create.
	GetByEmail(ctx context.Context, email string) (*UserRecord, error)
	GetByID(ctx context.Context, userID string) (*UserRecord, error)
	Create(ctx context.Context, user *UserRecord) error

	// UpdatePasswordHash replaces only the stored hash. The engine uses it
	// for transparent rehashing after a successful verify; history and
	// PasswordChangedAt are untouched.
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	// CommitPassword installs a new password: hash, rotated history, and
	// changed-at timestamp, in one write.
	CommitPassword(ctx context.Context, userID, hash string, history []string, changedAt time.Time) error

	SetTwoFactor(ctx context.Context, userID string, state TwoFactorState, secret string) error
	SetEmailVerified(ctx context.Context, userID string, verified bool) error

	// ReplaceBackupCodes overwrites the user's backup-code hashes.
	// An empty slice clears them.
	ReplaceBackupCodes(ctx context.Context, userID string, hashes [][32]byte) error
	// ConsumeBackupCode atomically deletes the given hash if present and
	// reports whether it was. A second consume of the same hash must
	// return false.
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
	BackupCodeCount(ctx context.Context, userID string) (int, error)
}

// LoginResult is returned by Login and ConfirmLogin.
type LoginResult struct {
	// TwoFactorRequired is set when the flow paused for a second factor.
	// Only ChallengeToken is populated in that case.
	TwoFactorRequired bool
	// ChallengeToken is a short-lived token the client echoes back to
	// ConfirmLogin together with a code.
	ChallengeToken string

	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time

	UserID   string
	DeviceID string

	// PasswordExpired is advisory: the password aged past the configured
	// maximum. Tokens are still issued.
	PasswordExpired bool
	// PasswordDaysRemaining is days until expiry, negative once past it.
	// Zero when expiry is disabled.
	PasswordDaysRemaining int
}

// TokenPair is an access/refresh pair issued outside the login flow, e.g.
// after a rotation.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	DeviceID         string
}

// Session describes one admitted device session for listing.
type Session struct {
	DeviceID   string
	Name       string
	IP         string
	UserAgent  string
	Trusted    bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	// Current marks the device the querying token belongs to.
	Current bool
}

// TwoFactorSetup is returned by BeginTwoFactorSetup.
type TwoFactorSetup struct {
	// Secret is the base32 TOTP secret, for manual entry.
	Secret string
	// URI is the otpauth:// provisioning URI for QR rendering.
	URI string
}

// SecurityReport summarizes an account's security posture.
type SecurityReport struct {
	UserID            string
	EmailVerified     bool
	TwoFactorEnabled  bool
	BackupCodesLeft   int
	PasswordAgeDays   int
	PasswordExpired   bool
	ActiveSessions    int
	ForcePasswordNext bool
}
