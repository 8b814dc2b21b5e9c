// Package audit persists the append-only security trail. Entries are never
// updated or deleted; a failed insert propagates to the caller because a
// silently lost record would blind any later forensic review.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action tags recorded by the engine.
const (
	ActionUserRegistered      = "USER_REGISTERED"
	ActionRegisterFailed      = "REGISTER_FAILED"
	ActionLoginSuccess        = "LOGIN_SUCCESS"
	ActionLoginFailed         = "LOGIN_FAILED"
	ActionLogout              = "LOGOUT"
	ActionTokenRefreshed      = "TOKEN_REFRESHED"
	ActionTokenRefreshFailed  = "TOKEN_REFRESH_FAILED"
	ActionAuthFailed          = "AUTH_FAILED"
	ActionPasswordChanged     = "PASSWORD_CHANGED"
	ActionPasswordChangeFail  = "PASSWORD_CHANGE_FAILED"
	ActionMFAEnabled          = "MFA_ENABLED"
	ActionMFADisabled         = "MFA_DISABLED"
	ActionMFAFailed           = "MFA_FAILED"
	ActionMFASetupFailed      = "MFA_SETUP_FAILED"
	ActionMFADisableFailed    = "MFA_DISABLE_FAILED"
	ActionCreateAttendee      = "CREATE_ATTENDEE"
	ActionCreateAttendeeFail  = "CREATE_ATTENDEE_FAILED"
	ActionReadAttendees       = "READ_ATTENDEES"
	ActionUpdateAttendee      = "UPDATE_ATTENDEE"
	ActionUpdateAttendeeFail  = "UPDATE_ATTENDEE_FAILED"
	ActionDeleteAttendee      = "DELETE_ATTENDEE"
	ActionDeleteAttendeeFail  = "DELETE_ATTENDEE_FAILED"
)

type Entry struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder appends one immutable entry per security-relevant event.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

type SQLRecorder struct {
	db *sql.DB
}

func NewSQLRecorder(db *sql.DB) *SQLRecorder {
	return &SQLRecorder{db: db}
}

func (r *SQLRecorder) Record(ctx context.Context, entry Entry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate audit log id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, resource, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)
	`, id.String(), entry.UserID, entry.Action, entry.Resource, entry.IPAddress, entry.UserAgent, entry.Details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

// List returns entries newest-first for the admin review endpoint.
func (r *SQLRecorder) List(ctx context.Context, offset, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, action, COALESCE(resource, ''), COALESCE(ip_address, ''),
		       COALESCE(user_agent, ''), COALESCE(details, ''), created_at
		FROM audit_logs
		ORDER BY created_at DESC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.Resource, &e.IPAddress, &e.UserAgent, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if userID.Valid {
			e.UserID = &userID.String
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}

	return entries, nil
}
