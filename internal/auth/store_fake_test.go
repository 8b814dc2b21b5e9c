package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an in-memory Store mirroring the repository's transactional
// semantics, used by the service flow tests.
type fakeStore struct {
	mu     sync.Mutex
	users  map[string]*User
	tokens map[string]*RefreshTokenRecord
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*User),
		tokens: make(map[string]*RefreshTokenRecord),
	}
}

func (s *fakeStore) user(id string) (*User, bool) {
	u, ok := s.users[id]
	return u, ok
}

func (s *fakeStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return *u, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *fakeStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *fakeStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.user(id); ok {
		return *u, nil
	}
	return User{}, sql.ErrNoRows
}

func (s *fakeStore) CreateUser(_ context.Context, username, email, passwordHash string, isAdmin bool) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	u := User{
		ID:           fmt.Sprintf("user-%d", s.nextID),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		IsActive:     true,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = &u
	return u, nil
}

func (s *fakeStore) ListUsers(_ context.Context, offset, limit int) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	return users, nil
}

func (s *fakeStore) RegisterFailedAttempt(_ context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.user(userID)
	if !ok {
		return nil, sql.ErrNoRows
	}

	if u.LockedUntil != nil && now.Before(*u.LockedUntil) {
		until := *u.LockedUntil
		return &until, nil
	}

	u.FailedAttempts++
	if u.FailedAttempts >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		u.LockedUntil = &until
		return &until, nil
	}

	return nil, nil
}

func (s *fakeStore) ResetLoginState(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.user(userID)
	if !ok {
		return sql.ErrNoRows
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	lastLogin := now.UTC()
	u.LastLogin = &lastLogin
	return nil
}

func (s *fakeStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.user(userID)
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = passwordHash
	for _, record := range s.tokens {
		if record.UserID == userID {
			record.Revoked = true
		}
	}
	return nil
}

func (s *fakeStore) SetPendingMFASecret(_ context.Context, userID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.user(userID)
	if !ok {
		return sql.ErrNoRows
	}
	u.MFASecret = &secret
	u.MFAEnabled = false
	return nil
}

func (s *fakeStore) EnableMFA(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.user(userID)
	if !ok {
		return sql.ErrNoRows
	}
	if u.MFASecret != nil {
		u.MFAEnabled = true
	}
	return nil
}

func (s *fakeStore) DisableMFA(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.user(userID)
	if !ok {
		return sql.ErrNoRows
	}
	u.MFAEnabled = false
	u.MFASecret = nil
	return nil
}

func (s *fakeStore) ReplaceRefreshToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.tokens {
		if record.UserID == userID && !record.Revoked {
			record.Revoked = true
		}
	}

	s.nextID++
	s.tokens[tokenHash] = &RefreshTokenRecord{
		ID:        fmt.Sprintf("token-%d", s.nextID),
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *fakeStore) GetRefreshToken(_ context.Context, tokenHash string) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.tokens[tokenHash]; ok {
		return *record, nil
	}
	return RefreshTokenRecord{}, sql.ErrNoRows
}

func (s *fakeStore) RevokeRefreshToken(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[tokenHash]
	if !ok || record.Revoked {
		return false, nil
	}
	record.Revoked = true
	return true, nil
}

// mutateUser applies fn to the stored user under the lock; test-only
// backdoor for expiring locks and similar setups.
func (s *fakeStore) mutateUser(userID string, fn func(*User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.user(userID); ok {
		fn(u)
	}
}
