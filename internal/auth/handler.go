package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/getsentry/sentry-go"

	"attendee-api/internal/audit"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const maxJSONBodyBytes = 1 << 20

// AuditLister exposes the append-only trail for the admin review endpoint.
type AuditLister interface {
	List(ctx context.Context, offset, limit int) ([]audit.Entry, error)
}

type Handler struct {
	service *Service
	audits  AuditLister
}

func NewHandler(service *Service, audits AuditLister) *Handler {
	return &Handler{service: service, audits: audits}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type mfaCodeRequest struct {
	MFACode string `json:"mfa_code"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if msg, ok := checkPasswordPolicy(body.Password); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	user, err := h.service.Register(r.Context(), body.Username, body.Email, body.Password, body.IsAdmin, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrEmailTaken):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to register user")
		}
		return
	}

	writeJSON(w, http.StatusCreated, summarize(user))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Login(r.Context(), LoginInput{
		Username: body.Username,
		Password: body.Password,
		MFACode:  body.MFACode,
	}, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidMFACode):
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "incorrect username or password")
		case errors.Is(err, ErrInactiveUser):
			writeError(w, http.StatusForbidden, "inactive user")
		case errors.Is(err, ErrMFACodeRequired):
			writeError(w, http.StatusBadRequest, "mfa code required")
		default:
			var locked ErrAccountLocked
			if errors.As(err, &locked) {
				w.Header().Set("Retry-After", retryAfterSeconds(locked.Until))
				writeError(w, http.StatusLocked, "account temporarily locked due to too many failed login attempts")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken, requestMeta(r))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout always answers 200 for well-formed requests; revocation is
// idempotent and prior validity of the token is not disclosed.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.Logout(r.Context(), principal, body.RefreshToken, requestMeta(r)); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "successfully logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	user, err := h.service.CurrentUser(r.Context(), principal)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg, ok := checkPasswordPolicy(body.NewPassword); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.service.ChangePassword(r.Context(), principal, body.CurrentPassword, body.NewPassword, requestMeta(r)); err != nil {
		if errors.Is(err, ErrWrongPassword) {
			writeError(w, http.StatusBadRequest, "current password is incorrect")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed successfully"})
}

func (h *Handler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	setup, err := h.service.SetupMFA(r.Context(), principal)
	if err != nil {
		switch {
		case errors.Is(err, ErrMFAUnavailable), errors.Is(err, ErrMFAAlreadyEnabled):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to set up mfa")
		}
		return
	}

	writeJSON(w, http.StatusOK, setup)
}

func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	h.mfaCodeEndpoint(w, r, h.service.VerifyMFA, "mfa enabled successfully")
}

func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	h.mfaCodeEndpoint(w, r, h.service.DisableMFA, "mfa disabled successfully")
}

func (h *Handler) mfaCodeEndpoint(w http.ResponseWriter, r *http.Request, op func(context.Context, Principal, string, RequestMeta) error, success string) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var body mfaCodeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.MFACode) == "" {
		writeError(w, http.StatusBadRequest, "mfa code required")
		return
	}

	if err := op(r.Context(), principal, body.MFACode, requestMeta(r)); err != nil {
		switch {
		case errors.Is(err, ErrInvalidMFACode), errors.Is(err, ErrMFANotInitiated), errors.Is(err, ErrMFANotEnabled):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to update mfa")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": success})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	users, err := h.service.ListUsers(r.Context(), offset, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	entries, err := h.audits.List(r.Context(), offset, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func checkPasswordPolicy(password string) (string, bool) {
	if len(password) < 8 || len(password) > 200 {
		return "password must be between 8 and 200 characters", false
	}

	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return "password must contain an uppercase letter, a lowercase letter, and a digit", false
	}

	return "", true
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return offset, limit
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func retryAfterSeconds(until time.Time) string {
	seconds := int(time.Until(until).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
