package authcore

import (
	"errors"
	"strings"
	"time"
)

// Config holds every tunable of the engine. Zero fields are filled from
// defaults during Build; set only what you need to change. Once Build
// returns, the config is treated as immutable.
type Config struct {
	Token    TokenConfig
	Lockout  LockoutConfig
	Device   DeviceConfig
	TOTP     TOTPConfig
	Password PasswordConfig
	Events   EventsConfig
	Metrics  MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls signing and lifetimes for every token type the
// engine issues.
type TokenConfig struct {
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// ResetTTL bounds RESET_PASSWORD tokens.
	ResetTTL time.Duration
	// VerifyTTL bounds VERIFY_EMAIL tokens.
	VerifyTTL time.Duration
	// ChallengeTTL bounds the TWO_FACTOR token issued when a login pauses
	// for a code.
	ChallengeTTL time.Duration

	RedisPrefix string
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the failed-login counter.
type LockoutConfig struct {
	// MaxFailures is the attempt count that trips the lock.
	MaxFailures int
	// Window is both the rolling failure window and the lock duration.
	Window time.Duration
	RedisPrefix string
	// FailTwoFactor counts rejected second-factor codes toward the lock.
	FailTwoFactor bool
}

/*
====================================
DEVICE CONFIG
====================================
*/

// EvictionPolicy selects what happens when a login arrives from a new
// device while the user is at MaxPerUser.
type EvictionPolicy int

const (
	// EvictOldest removes the least recently admitted device and revokes
	// its refresh token.
	EvictOldest EvictionPolicy = iota
	// RejectNew refuses the login with ErrDeviceLimit.
	RejectNew
)

// DeviceConfig controls device-session tracking.
type DeviceConfig struct {
	MaxPerUser  int
	Eviction    EvictionPolicy
	RedisPrefix string
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls the second factor. Digits/Period/Skew follow RFC 6238
// conventions; changing them breaks codes issued under previous values.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string // SHA1 (default), SHA256, SHA512

	BackupCodeCount  int
	BackupCodeLength int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters and the acceptance policy.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool

	MinLength int
	// RequireClasses demands lowercase, uppercase, digit, and symbol when
	// true.
	RequireClasses bool
	// HistoryDepth is how many passwords (current included) a new one may
	// not repeat. Zero disables the reuse check.
	HistoryDepth int
	// MaxAge flags passwords older than this as expired. Zero disables
	// expiry.
	MaxAge time.Duration
}

/*
====================================
EVENTS CONFIG
====================================
*/

// EventsConfig controls the async security-event dispatcher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events rather than blocking callers when the
	// buffer is full. Dropped events are counted.
	DropIfFull bool
}

// MetricsConfig controls the in-process counter set.
type MetricsConfig struct {
	Enabled bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			SigningMethod: "ed25519",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			ResetTTL:      30 * time.Minute,
			VerifyTTL:     24 * time.Hour,
			ChallengeTTL:  3 * time.Minute,
			RedisPrefix:   "ac",
		},
		Lockout: LockoutConfig{
			MaxFailures:   5,
			Window:        15 * time.Minute,
			RedisPrefix:   "ac",
			FailTwoFactor: true,
		},
		Device: DeviceConfig{
			MaxPerUser:  3,
			Eviction:    EvictOldest,
			RedisPrefix: "ac",
		},
		TOTP: TOTPConfig{
			Issuer:           "",
			Digits:           6,
			Period:           30,
			Skew:             1,
			Algorithm:        "SHA1",
			BackupCodeCount:  10,
			BackupCodeLength: 8,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
			MinLength:      8,
			RequireClasses: true,
			HistoryDepth:   5,
			MaxAge:         90 * 24 * time.Hour,
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	// Token
	if c.Token.SigningMethod != "ed25519" && c.Token.SigningMethod != "hs256" {
		return errors.New("unsupported Token SigningMethod")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if c.Token.SigningMethod == "hs256" && len(c.Token.PrivateKey) < 32 {
		return errors.New("hs256 requires PrivateKey of at least 32 bytes")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token AccessTTL must be > 0")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("Token RefreshTTL must be > 0")
	}
	if c.Token.RefreshTTL < c.Token.AccessTTL {
		return errors.New("Token RefreshTTL must be >= AccessTTL")
	}
	if c.Token.ResetTTL <= 0 {
		return errors.New("Token ResetTTL must be > 0")
	}
	if c.Token.VerifyTTL <= 0 {
		return errors.New("Token VerifyTTL must be > 0")
	}
	if c.Token.ChallengeTTL <= 0 {
		return errors.New("Token ChallengeTTL must be > 0")
	}

	// Lockout
	if c.Lockout.MaxFailures <= 0 {
		return errors.New("Lockout MaxFailures must be > 0")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout Window must be > 0")
	}

	// Device
	if c.Device.MaxPerUser <= 0 {
		return errors.New("Device MaxPerUser must be > 0")
	}
	switch c.Device.Eviction {
	case EvictOldest, RejectNew:
		// valid
	default:
		return errors.New("Device Eviction is invalid")
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period < 15 {
		return errors.New("TOTP Period must be >= 15 seconds")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("TOTP Skew must be between 0 and 2")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
		// valid (empty treated as SHA1)
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TOTP.BackupCodeCount <= 0 {
		return errors.New("TOTP BackupCodeCount must be > 0")
	}
	if c.TOTP.BackupCodeLength < 8 {
		return errors.New("TOTP BackupCodeLength must be >= 8")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}
	if c.Password.HistoryDepth < 0 {
		return errors.New("Password HistoryDepth must be >= 0")
	}
	if c.Password.MaxAge < 0 {
		return errors.New("Password MaxAge must be >= 0")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0 when events are enabled")
	}

	return nil
}
