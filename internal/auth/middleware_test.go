package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"attendee-api/internal/audit"
)

// memoryRecorder collects audit entries in memory for assertions.
type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	fail    error
}

func (r *memoryRecorder) Record(_ context.Context, entry audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memoryRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func okHandler(gotPrincipal *Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, ok := PrincipalFromContext(r.Context()); ok && gotPrincipal != nil {
			*gotPrincipal = principal
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuard_MissingToken(t *testing.T) {
	t.Parallel()

	recorder := &memoryRecorder{}
	guard := NewGuard(NewTokenIssuer("secret", time.Minute), recorder)

	req := httptest.NewRequest(http.MethodGet, "/attendees", nil)
	res := httptest.NewRecorder()
	guard.RequireScope(ScopeReadAttendees, okHandler(nil)).ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if got := recorder.actions(); len(got) != 1 || got[0] != audit.ActionAuthFailed {
		t.Fatalf("expected one AUTH_FAILED entry, got %v", got)
	}
}

func TestGuard_InvalidToken(t *testing.T) {
	t.Parallel()

	recorder := &memoryRecorder{}
	guard := NewGuard(NewTokenIssuer("secret", time.Minute), recorder)

	req := httptest.NewRequest(http.MethodGet, "/attendees", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	res := httptest.NewRecorder()
	guard.RequireScope(ScopeReadAttendees, okHandler(nil)).ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestGuard_InsufficientScope(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer("secret", time.Minute)
	recorder := &memoryRecorder{}
	guard := NewGuard(issuer, recorder)

	user := User{ID: "user-1", Username: "bob", IsActive: true}
	raw, _, err := issuer.IssueAccessToken(user, ScopesFor(user))
	if err != nil {
		t.Fatalf("IssueAccessToken error: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/attendees/x", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	res := httptest.NewRecorder()
	guard.RequireScope(ScopeDeleteAttendees, okHandler(nil)).ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin delete, got %d", res.Code)
	}

	// Scope denials land in the audit trail attributed to the caller.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.entries) != 1 || recorder.entries[0].Action != audit.ActionAuthFailed {
		t.Fatalf("expected one AUTH_FAILED entry, got %+v", recorder.entries)
	}
	if recorder.entries[0].UserID == nil || *recorder.entries[0].UserID != "user-1" {
		t.Fatalf("expected entry attributed to user-1, got %+v", recorder.entries[0].UserID)
	}
}

func TestGuard_ValidTokenInjectsPrincipal(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer("secret", time.Minute)
	guard := NewGuard(issuer, &memoryRecorder{})

	user := User{ID: "user-1", Username: "alice", IsActive: true, IsAdmin: true}
	raw, _, err := issuer.IssueAccessToken(user, ScopesFor(user))
	if err != nil {
		t.Fatalf("IssueAccessToken error: %v", err)
	}

	var principal Principal
	req := httptest.NewRequest(http.MethodDelete, "/attendees/x", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	res := httptest.NewRecorder()
	guard.RequireScope(ScopeDeleteAttendees, okHandler(&principal)).ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if principal.Username != "alice" || !principal.HasScope(ScopeAdmin) {
		t.Fatalf("principal not injected: %+v", principal)
	}
}

func TestGuard_AuditFailureAborts(t *testing.T) {
	t.Parallel()

	recorder := &memoryRecorder{fail: errors.New("storage down")}
	guard := NewGuard(NewTokenIssuer("secret", time.Minute), recorder)

	req := httptest.NewRequest(http.MethodGet, "/attendees", nil)
	res := httptest.NewRecorder()
	guard.RequireScope(ScopeReadAttendees, okHandler(nil)).ServeHTTP(res, req)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the audit trail cannot be written, got %d", res.Code)
	}
}
