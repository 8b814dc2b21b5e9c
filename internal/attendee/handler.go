package attendee

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"attendee-api/internal/audit"
	"attendee-api/internal/auth"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var documentTypes = map[string]bool{
	"DNI":                  true,
	"Pasaporte":            true,
	"Carné de Extranjería": true,
	"Otros":                true,
}

const maxJSONBodyBytes = 1 << 20
const resourceName = "attendees"

type Handler struct {
	repo     *Repository
	recorder audit.Recorder
}

func NewHandler(repo *Repository, recorder audit.Recorder) *Handler {
	return &Handler{repo: repo, recorder: recorder}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	attendees, err := h.repo.List(r.Context(), offset, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list attendees")
		return
	}

	detail := fmt.Sprintf("retrieved %d attendees (skip: %d, limit: %d)", len(attendees), offset, limit)
	if !h.record(w, r, audit.ActionReadAttendees, detail) {
		return
	}

	writeJSON(w, http.StatusOK, attendees)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "attendee not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load attendee")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) SearchByDocument(w http.ResponseWriter, r *http.Request) {
	documentType := r.PathValue("document_type")
	documentNumber := r.PathValue("document_number")

	a, err := h.repo.GetByDocument(r.Context(), documentType, documentNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "attendee not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to search attendee")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) SearchByEmail(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(strings.ToLower(r.PathValue("email")))

	a, err := h.repo.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "attendee not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to search attendee")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	a, err := h.repo.Create(r.Context(), input)
	if err != nil {
		if errors.Is(err, ErrDuplicateDocument) {
			detail := fmt.Sprintf("duplicate document: %s - %s", input.DocumentType, input.DocumentNumber)
			if !h.record(w, r, audit.ActionCreateAttendeeFail, detail) {
				return
			}
			writeError(w, http.StatusBadRequest, "attendee with this document already exists")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create attendee")
		return
	}

	if !h.record(w, r, audit.ActionCreateAttendee, fmt.Sprintf("created attendee: %s (id: %s)", a.Name, a.ID)) {
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	a, err := h.repo.Update(r.Context(), id, input)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "attendee not found")
		case errors.Is(err, ErrDuplicateDocument):
			detail := fmt.Sprintf("duplicate document on update: %s - %s", input.DocumentType, input.DocumentNumber)
			if !h.record(w, r, audit.ActionUpdateAttendeeFail, detail) {
				return
			}
			writeError(w, http.StatusBadRequest, "another attendee with this document already exists")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to update attendee")
		}
		return
	}

	if !h.record(w, r, audit.ActionUpdateAttendee, fmt.Sprintf("updated attendee: %s (id: %s)", a.Name, a.ID)) {
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.repo.Delete(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "attendee not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete attendee")
		return
	}

	if !h.record(w, r, audit.ActionDeleteAttendee, fmt.Sprintf("deleted attendee: %s (id: %s)", a.Name, a.ID)) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("attendee %s deleted successfully", a.Name)})
}

// record appends an audit entry attributed to the request's principal. A
// failed append aborts the response with 500: the trail must stay complete.
func (h *Handler) record(w http.ResponseWriter, r *http.Request, action, detail string) bool {
	var userID *string
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		userID = &principal.UserID
	}

	err := h.recorder.Record(r.Context(), audit.Entry{
		UserID:    userID,
		Action:    action,
		Resource:  resourceName,
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

func parseInput(w http.ResponseWriter, r *http.Request) (Input, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input Input
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return Input{}, false
	}

	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))
	input.DocumentNumber = strings.TrimSpace(input.DocumentNumber)
	input.PhoneNumber = strings.TrimSpace(input.PhoneNumber)
	input.Address = strings.TrimSpace(input.Address)
	if input.DocumentType == "" {
		input.DocumentType = "DNI"
	}

	if msg, ok := validateInput(input); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return Input{}, false
	}

	return input, true
}

func validateInput(input Input) (string, bool) {
	if input.Name == "" || len(input.Name) > 255 {
		return "name is required and must be at most 255 characters", false
	}
	if !emailRegex.MatchString(input.Email) {
		return "email format is invalid", false
	}
	if !documentTypes[input.DocumentType] {
		return "document type is invalid", false
	}
	if input.DocumentNumber == "" || len(input.DocumentNumber) > 100 {
		return "document number is required and must be at most 100 characters", false
	}
	if input.PhoneNumber == "" || len(input.PhoneNumber) > 100 {
		return "phone number is required and must be at most 100 characters", false
	}
	if len(input.Address) > 255 {
		return "address must be at most 255 characters", false
	}
	if input.Gender != "" && input.Gender != "M" && input.Gender != "F" && input.Gender != "O" {
		return "gender must be one of M, F, O", false
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
