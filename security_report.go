package authcore

import (
	"context"
	"time"
)

// SecurityReportFor summarizes an account's security posture: verification
// state, second factor, remaining backup codes, password age, and active
// sessions.
func (e *Engine) SecurityReportFor(ctx context.Context, userID string) (*SecurityReport, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessions, err := e.devices.Count(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &SecurityReport{
		UserID:            user.ID,
		EmailVerified:     user.EmailVerified,
		TwoFactorEnabled:  user.TwoFactor == TwoFactorEnabled,
		ActiveSessions:    sessions,
		ForcePasswordNext: user.ForcePasswordChange,
	}

	if report.TwoFactorEnabled {
		remaining, err := e.users.BackupCodeCount(ctx, userID)
		if err != nil {
			return nil, err
		}
		report.BackupCodesLeft = remaining
	}

	now := time.Now()
	if !user.PasswordChangedAt.IsZero() {
		report.PasswordAgeDays = int(now.Sub(user.PasswordChangedAt).Hours() / 24)
	}
	report.PasswordExpired, _ = e.policy.Expired(user.PasswordChangedAt, now)

	return report, nil
}
