package authcore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwielder/authcore/device"
	"github.com/mwielder/authcore/password"
	"github.com/mwielder/authcore/token"
	"github.com/mwielder/authcore/totp"
)

// Engine is the account-security core: login orchestration, token
// lifecycle, device sessions, lockout, 2FA, and password policy. Build one
// through [New]; all methods are safe for concurrent use.
type Engine struct {
	config  Config
	users   UserStore
	tokens  *token.Store
	devices *device.Store
	lockout *LockoutGuard
	hasher  *password.Hasher
	policy  password.Policy
	totp    *totp.Verifier

	metrics    *Metrics
	dispatcher *eventDispatcher
	ready      bool
}

// Close flushes and stops the event dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.dispatcher.close()
}

// EventsDropped reports how many security events were dropped because the
// dispatcher buffer was full.
func (e *Engine) EventsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dispatcher.droppedCount()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) emitEvent(ctx context.Context, eventType string, success bool, userID, email, deviceID string, opErr error, metaFn func() map[string]string) {
	if e == nil || e.dispatcher == nil {
		return
	}

	event := SecurityEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		UserID:    userID,
		Email:     email,
		DeviceID:  deviceID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	if metaFn != nil {
		event.Metadata = metaFn()
	}

	e.dispatcher.emit(ctx, event)
}

func (e *Engine) checkReady() error {
	if e == nil || !e.ready {
		return ErrEngineNotReady
	}
	return nil
}

/*
====================================
REGISTRATION
====================================
*/

// normalizeEmail is applied to every submitted address before storage,
// lookup, or lockout accounting, so casing and stray whitespace never make
// two spellings of one account.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account after running the candidate password through
// the full policy. The stored record starts active, unverified, with 2FA
// off.
func (e *Engine) Register(ctx context.Context, email, candidate, role string) (*UserRecord, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}

	if violations := e.policy.CheckStrength(candidate); len(violations) > 0 {
		return nil, &PolicyError{Violations: violations}
	}

	hash, err := e.hasher.Hash(candidate)
	if err != nil {
		return nil, err
	}

	user := &UserRecord{
		ID:                uuid.NewString(),
		Email:             email,
		PasswordHash:      hash,
		Role:              role,
		Active:            true,
		PasswordChangedAt: time.Now(),
	}
	if err := e.users.Create(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

/*
====================================
LOGIN
====================================
*/

// Login runs the credential phase of the login state machine. On success it
// either returns a full token pair, or pauses with TwoFactorRequired set
// and a challenge token to hand to [Engine.ConfirmLogin].
//
// Attach client metadata with [WithClientIP], [WithUserAgent],
// [WithDeviceID], and [WithDeviceName] before calling.
func (e *Engine) Login(ctx context.Context, email, candidate string) (*LoginResult, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	email = normalizeEmail(email)

	locked, until, err := e.lockout.Check(ctx, email)
	if err != nil {
		return nil, err
	}
	if locked {
		e.metricInc(MetricLoginLocked)
		e.emitEvent(ctx, EventRateLimitExceeded, false, "", email, "", ErrAccountLocked, nil)
		return nil, &LockedError{Until: until}
	}

	user, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// count attempts against unknown accounts too
			return nil, e.failLogin(ctx, "", email, ErrInvalidCredentials)
		}
		return nil, err
	}

	match, err := e.hasher.Verify(candidate, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, e.failLogin(ctx, user.ID, email, ErrInvalidCredentials)
	}

	if !user.Active {
		e.emitEvent(ctx, EventLoginFailure, false, user.ID, email, "", ErrAccountInactive, nil)
		return nil, ErrAccountInactive
	}
	if user.Locked {
		e.emitEvent(ctx, EventLoginFailure, false, user.ID, email, "", ErrAccountLocked, nil)
		return nil, &LockedError{}
	}

	e.maybeUpgradeHash(ctx, user, candidate)

	if user.TwoFactor == TwoFactorEnabled {
		challenge, _, err := e.tokens.Issue(ctx, token.TypeChallenge, user.ID, "", e.config.Token.ChallengeTTL)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricTwoFactorRequired)
		return &LoginResult{
			TwoFactorRequired: true,
			ChallengeToken:    challenge,
			UserID:            user.ID,
		}, nil
	}

	return e.finishLogin(ctx, user)
}

func (e *Engine) failLogin(ctx context.Context, userID, email string, cause error) error {
	e.metricInc(MetricLoginFailure)

	tripped, err := e.lockout.RecordFailure(ctx, email)
	if err != nil {
		// fail closed: if the counter cannot be recorded, neither can
		// the login proceed
		return err
	}

	e.emitEvent(ctx, EventLoginFailure, false, userID, email, "", cause, nil)
	if tripped {
		e.metricInc(MetricLockoutTripped)
		e.emitEvent(ctx, EventLockout, false, userID, email, "", nil, func() map[string]string {
			return map[string]string{
				"window":       e.config.Lockout.Window.String(),
				"max_failures": strconv.Itoa(e.config.Lockout.MaxFailures),
			}
		})
	}

	return cause
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, user *UserRecord, candidate string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	upgrade, err := e.hasher.NeedsUpgrade(user.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	newHash, err := e.hasher.Hash(candidate)
	if err != nil {
		return
	}
	// best effort; the old hash still verifies if this write is lost
	if err := e.users.UpdatePasswordHash(ctx, user.ID, newHash); err == nil {
		user.PasswordHash = newHash
	}
}

// finishLogin is the TOKEN_ISSUANCE phase: device admission, pair issuance,
// lockout reset, and events. Reached directly for accounts without 2FA and
// from ConfirmLogin otherwise.
func (e *Engine) finishLogin(ctx context.Context, user *UserRecord) (*LoginResult, error) {
	deviceID := deviceIDFromContext(ctx)
	newDevice := false
	if deviceID == "" {
		deviceID = uuid.NewString()
		newDevice = true
	} else {
		known, err := e.devices.Known(ctx, user.ID, deviceID)
		if err != nil {
			return nil, err
		}
		newDevice = !known
	}

	pair, err := e.issuePair(ctx, user.ID, deviceID)
	if err != nil {
		return nil, err
	}

	refreshClaims, err := e.tokens.Manager().Verify(pair.RefreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}

	if newDevice {
		eviction, err := e.devices.Admit(ctx, user.ID, device.Info{
			DeviceID:   deviceID,
			Name:       deviceNameFromContext(ctx),
			IP:         clientIPFromContext(ctx),
			UserAgent:  userAgentFromContext(ctx),
			RefreshJTI: refreshClaims.ID,
		}, e.config.Device.MaxPerUser, e.config.Device.Eviction == RejectNew)
		if err != nil {
			if errors.Is(err, device.ErrLimitExceeded) {
				// walk back the pair issued above
				_ = e.revokePair(ctx, pair)
				e.metricInc(MetricDeviceRejected)
				e.emitEvent(ctx, EventLoginFailure, false, user.ID, user.Email, deviceID, ErrDeviceLimit, nil)
				return nil, ErrDeviceLimit
			}
			return nil, err
		}
		if eviction != nil {
			if eviction.RefreshJTI != "" {
				if _, err := e.tokens.RevokeIfActive(ctx, eviction.RefreshJTI); err != nil {
					return nil, err
				}
			}
			e.metricInc(MetricDeviceEvicted)
			e.emitEvent(ctx, EventDeviceRemoved, true, user.ID, user.Email, eviction.DeviceID, nil, func() map[string]string {
				return map[string]string{"reason": "evicted"}
			})
		}
		e.metricInc(MetricDeviceAdmitted)
		e.emitEvent(ctx, EventDeviceAdded, true, user.ID, user.Email, deviceID, nil, nil)
	} else {
		prevJTI, err := e.devices.Touch(ctx, user.ID, deviceID, clientIPFromContext(ctx), userAgentFromContext(ctx), refreshClaims.ID)
		if err != nil {
			return nil, err
		}
		// the rebind orphans the refresh token from the previous login;
		// a device holds at most one live refresh token
		if prevJTI != "" && prevJTI != refreshClaims.ID {
			if _, err := e.tokens.RevokeIfActive(ctx, prevJTI); err != nil {
				return nil, err
			}
		}
	}

	if err := e.lockout.RecordSuccess(ctx, user.Email); err != nil {
		return nil, err
	}

	expired, days := e.policy.Expired(user.PasswordChangedAt, time.Now())
	if user.ForcePasswordChange {
		expired = true
	}

	e.metricInc(MetricLoginSuccess)
	e.emitEvent(ctx, EventLoginSuccess, true, user.ID, user.Email, deviceID, nil, nil)

	return &LoginResult{
		AccessToken:           pair.AccessToken,
		AccessExpiresAt:       pair.AccessExpiresAt,
		RefreshToken:          pair.RefreshToken,
		RefreshExpiresAt:      pair.RefreshExpiresAt,
		UserID:                user.ID,
		DeviceID:              deviceID,
		PasswordExpired:       expired,
		PasswordDaysRemaining: days,
	}, nil
}

func (e *Engine) issuePair(ctx context.Context, userID, deviceID string) (*TokenPair, error) {
	access, accessRec, err := e.tokens.Issue(ctx, token.TypeAccess, userID, deviceID, e.config.Token.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshRec, err := e.tokens.Issue(ctx, token.TypeRefresh, userID, deviceID, e.config.Token.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessRec.ExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshRec.ExpiresAt,
		DeviceID:         deviceID,
	}, nil
}

func (e *Engine) revokePair(ctx context.Context, pair *TokenPair) error {
	for _, tok := range []string{pair.AccessToken, pair.RefreshToken} {
		claims, err := e.tokens.Manager().Verify(tok, token.TypeAccess)
		if err != nil {
			claims, err = e.tokens.Manager().Verify(tok, token.TypeRefresh)
		}
		if err != nil {
			continue
		}
		if err := e.tokens.Revoke(ctx, claims.ID); err != nil {
			return err
		}
	}
	return nil
}

/*
====================================
TOKEN VALIDATION AND ROTATION
====================================
*/

// AccessInfo is what a verified access token asserts.
type AccessInfo struct {
	UserID    string
	DeviceID  string
	TokenID   string
	ExpiresAt time.Time
}

// ValidateAccess verifies an access token end to end: signature, expiry,
// then server-side revocation state.
func (e *Engine) ValidateAccess(ctx context.Context, tokenStr string) (*AccessInfo, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	claims, rec, err := e.tokens.Verify(ctx, tokenStr, token.TypeAccess)
	if err != nil {
		return nil, err
	}

	return &AccessInfo{
		UserID:    claims.Subject,
		DeviceID:  claims.DeviceID,
		TokenID:   claims.ID,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old token is revoked and a new pair
// is issued, bound to the same device. A refresh token works exactly once;
// the second presentation fails with ErrTokenRevoked no matter how the
// calls interleave.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	claims, err := e.tokens.Manager().Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	won, err := e.tokens.RevokeIfActive(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// replay of a rotated or revoked token
		e.metricInc(MetricRefreshReuseDetected)
		e.emitEvent(ctx, EventSuspiciousActivity, false, claims.Subject, "", claims.DeviceID, token.ErrRevoked, func() map[string]string {
			return map[string]string{"reason": "refresh_reuse"}
		})
		return nil, ErrTokenRevoked
	}

	pair, err := e.issuePair(ctx, claims.Subject, claims.DeviceID)
	if err != nil {
		return nil, err
	}

	newClaims, err := e.tokens.Manager().Verify(pair.RefreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.DeviceID != "" {
		prevJTI, err := e.devices.Touch(ctx, claims.Subject, claims.DeviceID, clientIPFromContext(ctx), userAgentFromContext(ctx), newClaims.ID)
		if err != nil && !errors.Is(err, device.ErrNotFound) {
			return nil, err
		}
		// normally the rotated token itself; anything else was bound by an
		// interleaved login and is stale now
		if prevJTI != "" && prevJTI != claims.ID && prevJTI != newClaims.ID {
			if _, err := e.tokens.RevokeIfActive(ctx, prevJTI); err != nil {
				return nil, err
			}
		}
	}

	e.metricInc(MetricRefreshSuccess)
	return pair, nil
}

/*
====================================
LOGOUT
====================================
*/

// Logout revokes the presented refresh token and removes its device
// session. Expired or already-revoked tokens still log out cleanly.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	claims, err := e.tokens.Manager().Verify(refreshToken, token.TypeRefresh)
	if err != nil && !errors.Is(err, token.ErrExpired) {
		return err
	}
	if claims == nil {
		return ErrTokenInvalid
	}

	if err := e.tokens.Revoke(ctx, claims.ID); err != nil {
		return err
	}
	if claims.DeviceID != "" {
		if _, err := e.devices.Remove(ctx, claims.Subject, claims.DeviceID); err != nil && !errors.Is(err, device.ErrNotFound) {
			return err
		}
	}

	e.metricInc(MetricLogout)
	e.emitEvent(ctx, EventLogout, true, claims.Subject, "", claims.DeviceID, nil, nil)
	return nil
}

// LogoutAll revokes every token the user holds and removes every device
// session.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	if _, err := e.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.devices.RemoveAll(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricLogoutAll)
	e.emitEvent(ctx, EventLogout, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"scope": "all"}
	})
	return nil
}

/*
====================================
MAINTENANCE
====================================
*/

// SweepExpiredTokens reclaims token records past expiry. Run it from a
// periodic job; a failed sweep is retried on the next run, never fatal.
func (e *Engine) SweepExpiredTokens(ctx context.Context) (int, error) {
	if err := e.checkReady(); err != nil {
		return 0, err
	}
	return e.tokens.SweepExpired(ctx, time.Now())
}
