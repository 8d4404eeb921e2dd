// Package pgstore implements authcore.UserStore on PostgreSQL through
// database/sql and the lib/pq driver.
//
// Expected schema:
//
//	CREATE TABLE users (
//	    id                    UUID PRIMARY KEY,
//	    email                 TEXT NOT NULL UNIQUE,
//	    password_hash         TEXT NOT NULL,
//	    role                  TEXT NOT NULL DEFAULT '',
//	    active                BOOLEAN NOT NULL DEFAULT TRUE,
//	    locked                BOOLEAN NOT NULL DEFAULT FALSE,
//	    two_factor_state      SMALLINT NOT NULL DEFAULT 0,
//	    two_factor_secret     TEXT NOT NULL DEFAULT '',
//	    email_verified        BOOLEAN NOT NULL DEFAULT FALSE,
//	    password_changed_at   TIMESTAMPTZ,
//	    password_history      TEXT[] NOT NULL DEFAULT '{}',
//	    force_password_change BOOLEAN NOT NULL DEFAULT FALSE
//	);
//
//	CREATE TABLE backup_codes (
//	    user_id   UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
//	    code_hash BYTEA NOT NULL,
//	    PRIMARY KEY (user_id, code_hash)
//	);
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mwielder/authcore"
)

// UserStore is the PostgreSQL-backed credential store.
type UserStore struct {
	db *sql.DB
}

func New(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, password_hash, role, active, locked,
	two_factor_state, two_factor_secret, email_verified,
	COALESCE(password_changed_at, 'epoch'::timestamptz), password_history, force_password_change`

func (s *UserStore) scanUser(row *sql.Row) (*authcore.UserRecord, error) {
	var (
		user      authcore.UserRecord
		state     int16
		changedAt time.Time
		history   pq.StringArray
	)

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Active,
		&user.Locked,
		&state,
		&user.TwoFactorSecret,
		&user.EmailVerified,
		&changedAt,
		&history,
		&user.ForcePasswordChange,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}

	user.TwoFactor = authcore.TwoFactorState(state)
	if changedAt.Year() > 1970 {
		user.PasswordChangedAt = changedAt
	}
	user.PasswordHistory = []string(history)
	return &user, nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*authcore.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

func (s *UserStore) GetByID(ctx context.Context, userID string) (*authcore.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, userID))
}

func (s *UserStore) Create(ctx context.Context, user *authcore.UserRecord) error {
	query := `
		INSERT INTO users (id, email, password_hash, role, active, locked,
			two_factor_state, two_factor_secret, email_verified,
			password_changed_at, password_history, force_password_change)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var changedAt interface{}
	if !user.PasswordChangedAt.IsZero() {
		changedAt = user.PasswordChangedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.PasswordHash,
		user.Role,
		user.Active,
		user.Locked,
		int16(user.TwoFactor),
		user.TwoFactorSecret,
		user.EmailVerified,
		changedAt,
		pq.StringArray(user.PasswordHistory),
		user.ForcePasswordChange,
	)
	if err != nil {
		var pqErr *pq.Error
		// 23505 = unique_violation
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return authcore.ErrEmailExists
		}
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *UserStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.execOne(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
}

func (s *UserStore) CommitPassword(ctx context.Context, userID, hash string, history []string, changedAt time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $2,
		    password_history = $3,
		    password_changed_at = $4,
		    force_password_change = FALSE
		WHERE id = $1
	`
	return s.execOne(ctx, query, userID, hash, pq.StringArray(history), changedAt)
}

func (s *UserStore) SetTwoFactor(ctx context.Context, userID string, state authcore.TwoFactorState, secret string) error {
	query := `UPDATE users SET two_factor_state = $2, two_factor_secret = $3 WHERE id = $1`
	return s.execOne(ctx, query, userID, int16(state), secret)
}

func (s *UserStore) SetEmailVerified(ctx context.Context, userID string, verified bool) error {
	return s.execOne(ctx, `UPDATE users SET email_verified = $2 WHERE id = $1`, userID, verified)
}

func (s *UserStore) ReplaceBackupCodes(ctx context.Context, userID string, hashes [][32]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	for _, h := range hashes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (user_id, code_hash) VALUES ($1, $2)`,
			userID, h[:])
		if err != nil {
			return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

// ConsumeBackupCode deletes the hash if present. The DELETE's row count is
// the consume-once guarantee: two racing calls hit the same row and exactly
// one sees it deleted.
func (s *UserStore) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE user_id = $1 AND code_hash = $2`,
		userID, hash[:])
	if err != nil {
		return false, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

func (s *UserStore) BackupCodeCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return count, nil
}

func (s *UserStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if n == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}
