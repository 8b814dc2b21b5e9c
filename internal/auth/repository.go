package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `
	id, username, email, password_hash, is_active, is_admin,
	mfa_enabled, mfa_secret, failed_attempts, locked_until, last_login,
	created_at, updated_at
`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var mfaSecret sql.NullString
	var lockedUntil, lastLogin sql.NullTime
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsActive, &user.IsAdmin, &user.MFAEnabled, &mfaSecret,
		&user.FailedAttempts, &lockedUntil, &lastLogin,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	if mfaSecret.Valid {
		user.MFASecret = &mfaSecret.String
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		user.LockedUntil = &value
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		user.LastLogin = &value
	}

	return user, nil
}

func (r *Repository) getUserBy(ctx context.Context, column, value string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by %s: %w", column, err)
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return r.getUserBy(ctx, "username", username)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return r.getUserBy(ctx, "email", email)
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	return r.getUserBy(ctx, "id", id)
}

func (r *Repository) CreateUser(ctx context.Context, username, email, passwordHash string, isAdmin bool) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	user := User{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		IsActive:     true,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_active, is_admin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $6)
	`, user.ID, username, email, passwordHash, isAdmin, now)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) ListUsers(ctx context.Context, offset, limit int) ([]User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at ASC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

// RegisterFailedAttempt does the read-increment-compare under FOR UPDATE so
// concurrent failures for the same account cannot miss the lock threshold.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed attempt tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&failed, &lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	// The counter only resets on a successful login, so once the threshold
	// is reached any further failure re-locks immediately, even after the
	// previous window has elapsed.
	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, userID, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("update failed attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed attempt tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginState(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0, locked_until = NULL, last_login = $2, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("reset login state: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin password change tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, userID, passwordHash, now); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE
	`, userID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit password change tx: %w", err)
	}

	return nil
}

func (r *Repository) SetPendingMFASecret(ctx context.Context, userID, secret string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET mfa_secret = $2, mfa_enabled = FALSE, updated_at = $3 WHERE id = $1
	`, userID, secret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store pending mfa secret: %w", err)
	}

	return nil
}

func (r *Repository) EnableMFA(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET mfa_enabled = TRUE, updated_at = $2 WHERE id = $1 AND mfa_secret IS NOT NULL
	`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}

	return nil
}

func (r *Repository) DisableMFA(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET mfa_enabled = FALSE, mfa_secret = NULL, updated_at = $2 WHERE id = $1
	`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}

	return nil
}

// ReplaceRefreshToken enforces the one-live-token-per-user invariant. Two
// racing logins both commit; the later insert is the surviving token.
func (r *Repository) ReplaceRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh token tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE
	`, userID); err != nil {
		return fmt.Errorf("revoke prior refresh tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, id.String(), userID, tokenHash, expiresAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh token tx: %w", err)
	}

	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, tokenHash string) (RefreshTokenRecord, error) {
	var record RefreshTokenRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, revoked, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&record.ID, &record.UserID, &record.ExpiresAt, &record.Revoked, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, err
		}
		return RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}

	return record, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1 AND revoked = FALSE
	`, tokenHash)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows affected: %w", err)
	}

	return affected > 0, nil
}

// PurgeStaleRefreshTokens deletes tokens that are expired, or revoked longer
// ago than the retention window. Audit rows are never touched here.
func (r *Repository) PurgeStaleRefreshTokens(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < NOW() OR (revoked AND created_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}
