package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"attendee-api/internal/audit"
)

const (
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInactiveUser        = errors.New("inactive user")
	ErrUsernameTaken       = errors.New("username already registered")
	ErrEmailTaken          = errors.New("email already registered")
	ErrWrongPassword       = errors.New("current password is incorrect")
	ErrMFACodeRequired     = errors.New("mfa code required")
	ErrInvalidMFACode      = errors.New("invalid mfa code")
	ErrMFAUnavailable      = errors.New("mfa is not enabled on this server")
	ErrMFAAlreadyEnabled   = errors.New("mfa is already enabled")
	ErrMFANotEnabled       = errors.New("mfa is not enabled")
	ErrMFANotInitiated     = errors.New("mfa setup not initiated")
)

// ErrAccountLocked is returned while a lockout window is in effect.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

// Store is the transactional persistence boundary for users and refresh
// tokens. Implementations must report missing rows as sql.ErrNoRows.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, username, email, passwordHash string, isAdmin bool) (User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]User, error)

	// RegisterFailedAttempt increments the user's failure counter inside a
	// transaction and returns the lock expiry if the threshold was crossed
	// (or an earlier lock is still in effect).
	RegisterFailedAttempt(ctx context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	// ResetLoginState zeroes the counter, clears the lock, and stamps the
	// last-login time.
	ResetLoginState(ctx context.Context, userID string, now time.Time) error

	// UpdatePassword swaps the stored hash and revokes every refresh token
	// for the user in one transaction.
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	SetPendingMFASecret(ctx context.Context, userID, secret string) error
	EnableMFA(ctx context.Context, userID string) error
	DisableMFA(ctx context.Context, userID string) error

	// ReplaceRefreshToken revokes all live refresh tokens for the user and
	// inserts the new one as a single transaction, so at most one live
	// token exists per user afterward.
	ReplaceRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, tokenHash string) (RefreshTokenRecord, error)
	// RevokeRefreshToken marks the token revoked and reports whether a row
	// was affected. Idempotent.
	RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error)
}

// RequestMeta carries the client attribution attached to audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type LoginInput struct {
	Username string
	Password string
	MFACode  string
}

type Service struct {
	store        Store
	hasher       Hasher
	issuer       *TokenIssuer
	totp         TOTPEngine
	audit        audit.Recorder
	refreshTTL   time.Duration
	maxAttempts  int
	lockDuration time.Duration
	mfaEnabled   bool
}

func NewService(store Store, hasher Hasher, issuer *TokenIssuer, totp TOTPEngine, recorder audit.Recorder) *Service {
	return &Service{
		store:        store,
		hasher:       hasher,
		issuer:       issuer,
		totp:         totp,
		audit:        recorder,
		refreshTTL:   defaultRefreshTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		mfaEnabled:   true,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, refreshTTL time.Duration, mfaEnabled bool) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	s.mfaEnabled = mfaEnabled
}

func (s *Service) Register(ctx context.Context, username, email, password string, isAdmin bool, meta RequestMeta) (User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	email = strings.TrimSpace(strings.ToLower(email))

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		if err := s.record(ctx, nil, audit.ActionRegisterFailed, "", meta, "username already exists: "+username); err != nil {
			return User{}, err
		}
		return User{}, ErrUsernameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		if err := s.record(ctx, nil, audit.ActionRegisterFailed, "", meta, "email already exists: "+email); err != nil {
			return User{}, err
		}
		return User{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, err
	}

	user, err := s.store.CreateUser(ctx, username, email, hash, isAdmin)
	if err != nil {
		return User{}, err
	}

	if err := s.record(ctx, &user.ID, audit.ActionUserRegistered, "", meta, "user registered: "+username); err != nil {
		return User{}, err
	}

	return user, nil
}

// Login runs the full authentication flow: lock check, password check, MFA
// check, lockout bookkeeping, token issuance. Both password and MFA failures
// feed the same failure counter.
func (s *Service) Login(ctx context.Context, input LoginInput, meta RequestMeta) (Tokens, error) {
	username := strings.TrimSpace(strings.ToLower(input.Username))
	password := strings.TrimSpace(input.Password)
	if username == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.record(ctx, nil, audit.ActionLoginFailed, "", meta, "invalid credentials for: "+username); err != nil {
				return Tokens{}, err
			}
			return Tokens{}, ErrInvalidCredentials
		}
		return Tokens{}, err
	}

	// A standing lock rejects the attempt before the password is even
	// compared.
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		if err := s.record(ctx, &user.ID, audit.ActionLoginFailed, "", meta, "account locked - too many failed attempts"); err != nil {
			return Tokens{}, err
		}
		return Tokens{}, ErrAccountLocked{Until: *user.LockedUntil}
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		lockedUntil, regErr := s.store.RegisterFailedAttempt(ctx, user.ID, s.maxAttempts, s.lockDuration, now)
		if regErr != nil {
			return Tokens{}, regErr
		}
		if err := s.record(ctx, &user.ID, audit.ActionLoginFailed, "", meta, "invalid credentials for: "+username); err != nil {
			return Tokens{}, err
		}
		if lockedUntil != nil {
			return Tokens{}, ErrAccountLocked{Until: *lockedUntil}
		}
		return Tokens{}, ErrInvalidCredentials
	}

	if !user.IsActive {
		if err := s.record(ctx, &user.ID, audit.ActionLoginFailed, "", meta, "inactive user attempted login"); err != nil {
			return Tokens{}, err
		}
		return Tokens{}, ErrInactiveUser
	}

	if s.mfaEnabled && user.MFAEnabled {
		if strings.TrimSpace(input.MFACode) == "" {
			return Tokens{}, ErrMFACodeRequired
		}
		if user.MFASecret == nil || !s.totp.Verify(*user.MFASecret, strings.TrimSpace(input.MFACode)) {
			lockedUntil, regErr := s.store.RegisterFailedAttempt(ctx, user.ID, s.maxAttempts, s.lockDuration, now)
			if regErr != nil {
				return Tokens{}, regErr
			}
			if err := s.record(ctx, &user.ID, audit.ActionMFAFailed, "", meta, "invalid mfa code"); err != nil {
				return Tokens{}, err
			}
			if lockedUntil != nil {
				return Tokens{}, ErrAccountLocked{Until: *lockedUntil}
			}
			return Tokens{}, ErrInvalidMFACode
		}
	}

	if err := s.store.ResetLoginState(ctx, user.ID, now); err != nil {
		return Tokens{}, err
	}

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return Tokens{}, err
	}

	if err := s.record(ctx, &user.ID, audit.ActionLoginSuccess, "", meta, "user logged in successfully"); err != nil {
		return Tokens{}, err
	}

	return tokens, nil
}

// Refresh redeems a refresh token for a fresh access token. The refresh
// token itself is deliberately not rotated: it stays valid until its own
// expiry, explicit revocation, or a superseding login. A stricter design
// would rotate here.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta RequestMeta) (Tokens, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	now := time.Now().UTC()
	record, err := s.store.GetRefreshToken(ctx, hashRefreshToken(rawToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, s.refreshFailed(ctx, meta, "unknown refresh token")
		}
		return Tokens{}, err
	}
	if record.Revoked || now.After(record.ExpiresAt) {
		return Tokens{}, s.refreshFailed(ctx, meta, "revoked or expired refresh token")
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, s.refreshFailed(ctx, meta, "refresh token owner missing")
		}
		return Tokens{}, err
	}
	if !user.IsActive {
		return Tokens{}, s.refreshFailed(ctx, meta, "refresh token owner inactive")
	}

	access, expiresIn, err := s.issuer.IssueAccessToken(user, ScopesFor(user))
	if err != nil {
		return Tokens{}, err
	}

	if err := s.record(ctx, &user.ID, audit.ActionTokenRefreshed, "", meta, "access token refreshed"); err != nil {
		return Tokens{}, err
	}

	return Tokens{AccessToken: access, TokenType: "bearer", ExpiresIn: expiresIn}, nil
}

func (s *Service) refreshFailed(ctx context.Context, meta RequestMeta, detail string) error {
	if err := s.record(ctx, nil, audit.ActionTokenRefreshFailed, "", meta, detail); err != nil {
		return err
	}
	return ErrInvalidRefreshToken
}

// Logout revokes the refresh token. Idempotent: revoking an unknown or
// already-revoked token is not an error.
func (s *Service) Logout(ctx context.Context, principal Principal, rawToken string, meta RequestMeta) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken != "" {
		if _, err := s.store.RevokeRefreshToken(ctx, hashRefreshToken(rawToken)); err != nil {
			return err
		}
	}

	return s.record(ctx, &principal.UserID, audit.ActionLogout, "", meta, "user logged out")
}

func (s *Service) ChangePassword(ctx context.Context, principal Principal, currentPassword, newPassword string, meta RequestMeta) error {
	user, err := s.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		return err
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		if err := s.record(ctx, &user.ID, audit.ActionPasswordChangeFail, "", meta, "invalid current password"); err != nil {
			return err
		}
		return ErrWrongPassword
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	// Hash swap and refresh-token revocation commit together; a failure
	// rolls both back.
	if err := s.store.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	return s.record(ctx, &user.ID, audit.ActionPasswordChanged, "", meta, "password changed successfully")
}

type MFASetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCodeURL       string `json:"qr_code_url"`
}

// SetupMFA provisions an unconfirmed secret. The MFA flag stays false until
// the user proves possession via VerifyMFA, so a mistyped secret can never
// lock anyone out.
func (s *Service) SetupMFA(ctx context.Context, principal Principal) (MFASetup, error) {
	if !s.mfaEnabled {
		return MFASetup{}, ErrMFAUnavailable
	}

	user, err := s.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		return MFASetup{}, err
	}
	if user.MFAEnabled {
		return MFASetup{}, ErrMFAAlreadyEnabled
	}

	key, err := s.totp.GenerateSecret(user.Username)
	if err != nil {
		return MFASetup{}, err
	}
	qr, err := s.totp.QRCodeDataURL(key)
	if err != nil {
		return MFASetup{}, err
	}

	if err := s.store.SetPendingMFASecret(ctx, user.ID, key.Secret()); err != nil {
		return MFASetup{}, err
	}

	return MFASetup{Secret: key.Secret(), ProvisioningURI: key.URL(), QRCodeURL: qr}, nil
}

func (s *Service) VerifyMFA(ctx context.Context, principal Principal, code string, meta RequestMeta) error {
	user, err := s.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		return err
	}
	if user.MFASecret == nil {
		return ErrMFANotInitiated
	}

	if !s.totp.Verify(*user.MFASecret, strings.TrimSpace(code)) {
		if err := s.record(ctx, &user.ID, audit.ActionMFASetupFailed, "", meta, "invalid mfa verification code"); err != nil {
			return err
		}
		return ErrInvalidMFACode
	}

	if err := s.store.EnableMFA(ctx, user.ID); err != nil {
		return err
	}

	return s.record(ctx, &user.ID, audit.ActionMFAEnabled, "", meta, "mfa enabled for user")
}

func (s *Service) DisableMFA(ctx context.Context, principal Principal, code string, meta RequestMeta) error {
	user, err := s.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		return ErrMFANotEnabled
	}

	if !s.totp.Verify(*user.MFASecret, strings.TrimSpace(code)) {
		if err := s.record(ctx, &user.ID, audit.ActionMFADisableFailed, "", meta, "invalid mfa code for disable attempt"); err != nil {
			return err
		}
		return ErrInvalidMFACode
	}

	if err := s.store.DisableMFA(ctx, user.ID); err != nil {
		return err
	}

	return s.record(ctx, &user.ID, audit.ActionMFADisabled, "", meta, "mfa disabled for user")
}

func (s *Service) CurrentUser(ctx context.Context, principal Principal) (UserSummary, error) {
	user, err := s.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		return UserSummary{}, err
	}
	return summarize(user), nil
}

func (s *Service) ListUsers(ctx context.Context, offset, limit int) ([]UserSummary, error) {
	users, err := s.store.ListUsers(ctx, offset, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, summarize(u))
	}
	return summaries, nil
}

// BootstrapAdmin ensures an administrator account exists at startup. No-op
// when both env values are empty or the username is already taken.
func (s *Service) BootstrapAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	_, err = s.store.CreateUser(ctx, username, username+"@localhost", hash, true)
	return err
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, error) {
	access, expiresIn, err := s.issuer.IssueAccessToken(user, ScopesFor(user))
	if err != nil {
		return Tokens{}, err
	}

	refresh, err := newRefreshTokenValue()
	if err != nil {
		return Tokens{}, err
	}
	expiresAt := time.Now().UTC().Add(s.refreshTTL)
	if err := s.store.ReplaceRefreshToken(ctx, user.ID, hashRefreshToken(refresh), expiresAt); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) record(ctx context.Context, userID *string, action, resource string, meta RequestMeta, detail string) error {
	err := s.audit.Record(ctx, audit.Entry{
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		Details:   detail,
	})
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// hashRefreshToken is the at-rest form of the opaque value; lookups match on
// the hash so a leaked table never exposes redeemable tokens.
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
