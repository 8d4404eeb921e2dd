package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/mwielder/authcore/token"
)

/*
====================================
PASSWORD CHANGE
====================================
*/

// ChangePassword verifies the old password, runs the candidate through the
// full policy, and commits it. Every outstanding session is revoked: a
// password change is the user's lever against a compromised credential.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	match, err := e.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !match {
		e.metricInc(MetricPasswordChangeRejected)
		return ErrInvalidCredentials
	}

	if err := e.acceptCandidate(ctx, user, newPassword); err != nil {
		e.metricInc(MetricPasswordChangeRejected)
		return err
	}

	if err := e.commitPassword(ctx, user, newPassword); err != nil {
		return err
	}

	if err := e.LogoutAll(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitEvent(ctx, EventPasswordChange, true, userID, user.Email, "", nil, nil)
	return nil
}

// acceptCandidate collects every policy violation so the caller can report
// them together rather than one at a time.
func (e *Engine) acceptCandidate(ctx context.Context, user *UserRecord, candidate string) error {
	violations := e.policy.CheckStrength(candidate)

	reused, err := e.policy.CheckReuse(ctx, e.hasher, candidate, user.PasswordHash, user.PasswordHistory)
	if err != nil {
		return err
	}

	if len(violations) > 0 || reused {
		return &PolicyError{Violations: violations, Reused: reused}
	}
	return nil
}

func (e *Engine) commitPassword(ctx context.Context, user *UserRecord, candidate string) error {
	hash, err := e.hasher.Hash(candidate)
	if err != nil {
		return err
	}

	history := e.policy.RotateHistory(user.PasswordHash, user.PasswordHistory)
	if err := e.users.CommitPassword(ctx, user.ID, hash, history, time.Now()); err != nil {
		return err
	}

	user.PasswordHash = hash
	user.PasswordHistory = history
	user.PasswordChangedAt = time.Now()
	user.ForcePasswordChange = false
	return nil
}

/*
====================================
PASSWORD RESET
====================================
*/

// RequestPasswordReset issues a RESET_PASSWORD token for the account.
// Delivery (email) is the application's job. Unknown emails return an empty
// token and no error, so callers cannot probe which addresses exist.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if err := e.checkReady(); err != nil {
		return "", err
	}

	user, err := e.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil
		}
		return "", err
	}

	reset, _, err := e.tokens.Issue(ctx, token.TypeReset, user.ID, "", e.config.Token.ResetTTL)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitEvent(ctx, EventPasswordResetRequest, true, user.ID, user.Email, "", nil, nil)
	return reset, nil
}

// ConfirmPasswordReset consumes a reset token and installs the new
// password. The token is single-use, the candidate faces the full policy,
// and every outstanding session is revoked.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	claims, _, err := e.tokens.Verify(ctx, resetToken, token.TypeReset)
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		return err
	}

	user, err := e.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return err
	}

	if err := e.acceptCandidate(ctx, user, newPassword); err != nil {
		e.metricInc(MetricPasswordResetFailure)
		return err
	}

	won, err := e.tokens.RevokeIfActive(ctx, claims.ID)
	if err != nil {
		return err
	}
	if !won {
		e.metricInc(MetricPasswordResetFailure)
		return ErrTokenRevoked
	}

	if err := e.commitPassword(ctx, user, newPassword); err != nil {
		return err
	}
	if err := e.LogoutAll(ctx, user.ID); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitEvent(ctx, EventPasswordChange, true, user.ID, user.Email, "", nil, func() map[string]string {
		return map[string]string{"via": "reset"}
	})
	return nil
}

// PasswordExpiry reports the expiry status for an account without touching
// anything.
func (e *Engine) PasswordExpiry(ctx context.Context, userID string) (bool, int, error) {
	if err := e.checkReady(); err != nil {
		return false, 0, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return false, 0, err
	}

	expired, days := e.policy.Expired(user.PasswordChangedAt, time.Now())
	if user.ForcePasswordChange {
		expired = true
	}
	return expired, days, nil
}
