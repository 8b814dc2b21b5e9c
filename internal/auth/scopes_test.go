package auth

import (
	"slices"
	"testing"
)

func TestScopesFor_NonAdmin(t *testing.T) {
	t.Parallel()

	scopes := ScopesFor(User{IsAdmin: false})
	if !slices.Contains(scopes, ScopeReadAttendees) || !slices.Contains(scopes, ScopeWriteAttendees) {
		t.Fatalf("expected read and write scopes, got %v", scopes)
	}
	if slices.Contains(scopes, ScopeDeleteAttendees) || slices.Contains(scopes, ScopeAdmin) {
		t.Fatalf("non-admin must never receive delete or admin scopes, got %v", scopes)
	}
}

func TestScopesFor_Admin(t *testing.T) {
	t.Parallel()

	scopes := ScopesFor(User{IsAdmin: true})
	for _, want := range []string{ScopeReadAttendees, ScopeWriteAttendees, ScopeDeleteAttendees, ScopeAdmin} {
		if !slices.Contains(scopes, want) {
			t.Fatalf("expected admin scopes to contain %s, got %v", want, scopes)
		}
	}
}
