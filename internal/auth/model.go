package auth

import "time"

type User struct {
	ID             string
	Username       string
	Email          string
	PasswordHash   string
	IsActive       bool
	IsAdmin        bool
	MFAEnabled     bool
	MFASecret      *string
	FailedAttempts int
	LockedUntil    *time.Time
	LastLogin      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type RefreshTokenRecord struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Principal is the authenticated identity carried by a verified access token.
// Scopes are frozen at issue time and do not reflect later privilege changes
// until the token expires and is reissued.
type Principal struct {
	UserID   string
	Username string
	Scopes   []string
}

func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type UserSummary struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsActive   bool       `json:"is_active"`
	IsAdmin    bool       `json:"is_admin"`
	MFAEnabled bool       `json:"mfa_enabled"`
	LastLogin  *time.Time `json:"last_login"`
	CreatedAt  time.Time  `json:"created_at"`
}

func summarize(u User) UserSummary {
	return UserSummary{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		IsActive:   u.IsActive,
		IsAdmin:    u.IsAdmin,
		MFAEnabled: u.MFAEnabled,
		LastLogin:  u.LastLogin,
		CreatedAt:  u.CreatedAt,
	}
}
