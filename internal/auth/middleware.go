package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"attendee-api/internal/audit"
)

type contextKey struct{}

var principalKey contextKey

// PrincipalFromContext returns the authenticated principal installed by the
// Guard.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// Guard authenticates protected routes and gate-checks required scopes.
type Guard struct {
	issuer   *TokenIssuer
	recorder audit.Recorder
}

func NewGuard(issuer *TokenIssuer, recorder audit.Recorder) *Guard {
	return &Guard{issuer: issuer, recorder: recorder}
}

// RequireScope extracts the bearer token, verifies it, checks set-membership
// of the required scope against the token's embedded scope list, and injects
// the principal into the request context. Missing or invalid tokens yield
// 401, a valid token without the scope yields 403; every rejection leaves an
// AUTH_FAILED audit entry.
func (g *Guard) RequireScope(requiredScope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			if !g.auditAuthFailure(w, r, nil, "missing authorization header") {
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		principal, err := g.issuer.VerifyAccessToken(raw)
		if err != nil {
			if !g.auditAuthFailure(w, r, nil, "invalid token") {
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if requiredScope != "" && !principal.HasScope(requiredScope) {
			if !g.auditAuthFailure(w, r, &principal.UserID, "insufficient scope: "+requiredScope) {
				return
			}
			writeError(w, http.StatusForbidden, "required scope: "+requiredScope)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth passes any valid access token regardless of scope.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return g.RequireScope("", next)
}

// auditAuthFailure records the rejection. Losing the record is treated as a
// persistence failure for the whole request, so on error it writes a 500 and
// reports false.
func (g *Guard) auditAuthFailure(w http.ResponseWriter, r *http.Request, userID *string, detail string) bool {
	err := g.recorder.Record(r.Context(), audit.Entry{
		UserID:    userID,
		Action:    audit.ActionAuthFailed,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Details:   detail,
	})
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}
