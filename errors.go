package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/mwielder/authcore/device"
	"github.com/mwielder/authcore/token"
)

var (
	// ErrInvalidCredentials is returned on a failed email/password check.
	// It never reveals which of the two fields was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when a user lookup by ID fails.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailExists is returned by Register for a duplicate email.
	ErrEmailExists = errors.New("email already registered")
	// ErrAccountLocked is returned while a lockout window is active or the
	// administrative lock flag is set. Use [AsLocked] to read the deadline.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountInactive is returned for a deactivated account.
	ErrAccountInactive = errors.New("account inactive")

	// ErrTwoFactorRequired is not a failure: ConfirmLogin returns it when
	// no code was submitted, leaving the challenge token and the lockout
	// counter untouched.
	ErrTwoFactorRequired = errors.New("two-factor code required")
	// ErrTwoFactorInvalid is returned when both the TOTP code and the
	// backup-code fallback were rejected.
	ErrTwoFactorInvalid = errors.New("invalid two-factor code")
	// ErrTwoFactorNotEnabled is returned by operations that require an
	// enabled second factor.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrTwoFactorNotPending is returned by ConfirmTwoFactorSetup when no
	// enrollment is in progress.
	ErrTwoFactorNotPending = errors.New("two-factor setup not pending")

	// ErrWeakPassword is matched by [PolicyError] values carrying strength
	// violations.
	ErrWeakPassword = errors.New("password policy violation")
	// ErrPasswordReuse is matched by [PolicyError] values carrying a reuse
	// violation.
	ErrPasswordReuse = errors.New("password recently used")

	// ErrEngineNotReady is returned when a method is called on an engine
	// that was not built through [Builder.Build].
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrStoreUnavailable wraps credential-store and Redis backend failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// Token errors are declared in the token package and re-exported here so
// callers can branch on the whole taxonomy with one import.
var (
	// ErrTokenInvalid is returned for a bad signature, malformed payload,
	// wrong signing key, or wrong token type.
	ErrTokenInvalid = token.ErrInvalid
	// ErrTokenExpired is returned for a structurally valid token past its
	// expiry.
	ErrTokenExpired = token.ErrExpired
	// ErrTokenRevoked is returned for a blacklisted token, including the
	// second use of a rotated refresh token.
	ErrTokenRevoked = token.ErrRevoked
)

// ErrDeviceLimit is returned at the device cap when the engine is configured
// with [RejectNew] instead of oldest-eviction.
var ErrDeviceLimit = device.ErrLimitExceeded

// LockedError carries the lockout deadline. It matches ErrAccountLocked
// under errors.Is.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	if e.Until.IsZero() {
		return "account locked"
	}
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// AsLocked extracts the lockout deadline from an error chain, if present.
func AsLocked(err error) (*LockedError, bool) {
	var le *LockedError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// PolicyError carries the full list of password-policy violations so a caller
// can report them together. It matches ErrWeakPassword, ErrPasswordReuse, or
// both under errors.Is, depending on which violations are present.
type PolicyError struct {
	// Violations are human-readable strength failures (length, character
	// classes). Empty when only reuse was detected.
	Violations []string
	// Reused reports that the candidate matched the current password or
	// one in the retained history.
	Reused bool
}

func (e *PolicyError) Error() string {
	switch {
	case e.Reused && len(e.Violations) == 0:
		return "password rejected: recently used"
	case len(e.Violations) == 1:
		return "password rejected: " + e.Violations[0]
	default:
		return fmt.Sprintf("password rejected: %d violations", len(e.Violations))
	}
}

func (e *PolicyError) Unwrap() []error {
	out := make([]error, 0, 2)
	if len(e.Violations) > 0 {
		out = append(out, ErrWeakPassword)
	}
	if e.Reused {
		out = append(out, ErrPasswordReuse)
	}
	return out
}
