package authcore

import (
	"context"

	"github.com/mwielder/authcore/token"
)

/*
====================================
EMAIL VERIFICATION
====================================
*/

// RequestEmailVerification issues a VERIFY_EMAIL token for the account.
// Delivery is the application's job.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string) (string, error) {
	if err := e.checkReady(); err != nil {
		return "", err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.EmailVerified {
		return "", nil
	}

	verify, _, err := e.tokens.Issue(ctx, token.TypeVerify, user.ID, "", e.config.Token.VerifyTTL)
	if err != nil {
		return "", err
	}
	return verify, nil
}

// ConfirmEmailVerification consumes a verification token and marks the
// account's email verified. The token is single-use.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, verifyToken string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	claims, _, err := e.tokens.Verify(ctx, verifyToken, token.TypeVerify)
	if err != nil {
		return err
	}

	won, err := e.tokens.RevokeIfActive(ctx, claims.ID)
	if err != nil {
		return err
	}
	if !won {
		return ErrTokenRevoked
	}

	user, err := e.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return err
	}
	if !user.EmailVerified {
		if err := e.users.SetEmailVerified(ctx, user.ID, true); err != nil {
			return err
		}
	}

	e.metricInc(MetricEmailVerified)
	e.emitEvent(ctx, EventEmailVerified, true, user.ID, user.Email, "", nil, nil)
	return nil
}
