package authcore

import (
	"context"
	"strconv"
	"time"

	"github.com/mwielder/authcore/token"
	"github.com/mwielder/authcore/totp"
)

/*
====================================
ENROLLMENT
====================================
*/

// BeginTwoFactorSetup generates a fresh secret and stores it in the pending
// state. The account is not protected until [Engine.ConfirmTwoFactorSetup]
// succeeds; calling Begin again replaces the pending secret.
func (e *Engine) BeginTwoFactorSetup(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactor == TwoFactorEnabled {
		return nil, ErrTwoFactorInvalid
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := e.users.SetTwoFactor(ctx, userID, TwoFactorPending, secret); err != nil {
		return nil, err
	}

	return &TwoFactorSetup{
		Secret: secret,
		URI:    e.totp.ProvisioningURI(user.Email, secret),
	}, nil
}

// ConfirmTwoFactorSetup enables 2FA after the user proves possession of the
// pending secret with one valid code. It returns the freshly generated
// backup codes; they are shown once and stored only as hashes.
func (e *Engine) ConfirmTwoFactorSetup(ctx context.Context, userID, code string) ([]string, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactor != TwoFactorPending {
		return nil, ErrTwoFactorNotPending
	}

	if !e.totp.Verify(code, user.TwoFactorSecret, time.Now()) {
		e.metricInc(MetricTwoFactorFailure)
		return nil, ErrTwoFactorInvalid
	}

	codes, err := e.generateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.users.SetTwoFactor(ctx, userID, TwoFactorEnabled, user.TwoFactorSecret); err != nil {
		return nil, err
	}

	e.metricInc(MetricTwoFactorSuccess)
	e.emitEvent(ctx, EventTwoFactorEnabled, true, userID, user.Email, "", nil, nil)
	return codes, nil
}

// DisableTwoFactor turns 2FA off and wipes the secret and backup codes.
// It demands a valid current code or backup code; knowing the account
// password is not enough to strip the second factor.
func (e *Engine) DisableTwoFactor(ctx context.Context, userID, code string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactor != TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if err := e.verifySecondFactor(ctx, user, code); err != nil {
		return err
	}

	if err := e.users.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return err
	}
	if err := e.users.SetTwoFactor(ctx, userID, TwoFactorOff, ""); err != nil {
		return err
	}

	e.emitEvent(ctx, EventTwoFactorDisabled, true, userID, user.Email, "", nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the outstanding backup codes with a fresh
// set. Requires a valid code first, same as disabling.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactor != TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	if err := e.verifySecondFactor(ctx, user, code); err != nil {
		return nil, err
	}

	codes, err := e.generateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricBackupCodeRegenerated)
	return codes, nil
}

func (e *Engine) generateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.TOTP.BackupCodeCount
	length := e.config.TOTP.BackupCodeLength

	hashes := make([][32]byte, 0, count)
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw, err := newBackupCode(length)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, backupCodeHash(userID, raw))
		codes = append(codes, formatBackupCode(raw))
	}

	if err := e.users.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

/*
====================================
VERIFICATION
====================================
*/

// verifySecondFactor accepts a TOTP code first, then falls back to backup
// codes. Backup codes are alphanumeric so a 6-digit TOTP can never collide
// with one; a consumed backup code never works twice.
func (e *Engine) verifySecondFactor(ctx context.Context, user *UserRecord, code string) error {
	if e.totp.Verify(code, user.TwoFactorSecret, time.Now()) {
		e.metricInc(MetricTwoFactorSuccess)
		return nil
	}

	canonical := canonicalizeBackupCode(code)
	if canonical != "" {
		ok, err := e.users.ConsumeBackupCode(ctx, user.ID, backupCodeHash(user.ID, canonical))
		if err != nil {
			return err
		}
		if ok {
			e.metricInc(MetricBackupCodeUsed)
			e.emitEvent(ctx, EventTwoFactorVerified, true, user.ID, user.Email, "", nil, func() map[string]string {
				return map[string]string{"method": "backup_code"}
			})
			return nil
		}
		e.metricInc(MetricBackupCodeFailed)
	}

	e.metricInc(MetricTwoFactorFailure)
	return ErrTwoFactorInvalid
}

/*
====================================
LOGIN CONFIRMATION
====================================
*/

// ConfirmLogin completes a login that paused for a second factor. The
// challenge token is single-use: it is revoked on success, and a rejected
// code counts toward the lockout window when configured to.
func (e *Engine) ConfirmLogin(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	claims, _, err := e.tokens.Verify(ctx, challengeToken, token.TypeChallenge)
	if err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user.TwoFactor != TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	// no code submitted is a pause, not a failed attempt; it never counts
	// toward the lockout window
	if code == "" {
		e.metricInc(MetricTwoFactorRequired)
		return nil, ErrTwoFactorRequired
	}

	if err := e.verifySecondFactor(ctx, user, code); err != nil {
		if e.config.Lockout.FailTwoFactor {
			if failErr := e.failLogin(ctx, user.ID, user.Email, ErrTwoFactorInvalid); failErr != nil {
				return nil, failErr
			}
		}
		return nil, err
	}

	// consume the challenge; a second confirm with the same token fails
	won, err := e.tokens.RevokeIfActive(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrTokenRevoked
	}

	e.emitEvent(ctx, EventTwoFactorVerified, true, user.ID, user.Email, "", nil, nil)

	result, err := e.finishLogin(ctx, user)
	if err != nil {
		return nil, err
	}

	if remaining, err := e.users.BackupCodeCount(ctx, user.ID); err == nil && remaining <= 2 {
		e.emitEvent(ctx, EventSuspiciousActivity, true, user.ID, user.Email, "", nil, func() map[string]string {
			return map[string]string{
				"reason":            "backup_codes_low",
				"backup_codes_left": strconv.Itoa(remaining),
			}
		})
	}

	return result, nil
}
