package auth

const (
	ScopeReadAttendees   = "read:attendees"
	ScopeWriteAttendees  = "write:attendees"
	ScopeDeleteAttendees = "delete:attendees"
	ScopeAdmin           = "admin"
)

// ScopesFor maps a user to the scopes embedded in their access tokens.
// Every user can read and write attendee records; delete and admin are
// reserved for administrators.
func ScopesFor(user User) []string {
	scopes := []string{ScopeReadAttendees, ScopeWriteAttendees}
	if user.IsAdmin {
		scopes = append(scopes, ScopeDeleteAttendees, ScopeAdmin)
	}
	return scopes
}
