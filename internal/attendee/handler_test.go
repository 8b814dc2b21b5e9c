package attendee

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() Input {
	return Input{
		Name:           "María López",
		Email:          "maria@example.com",
		DocumentType:   "DNI",
		DocumentNumber: "12345678",
		PhoneNumber:    "+51 999 888 777",
		Gender:         "F",
	}
}

func TestValidateInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Input)
		wantOK bool
	}{
		{"valid", func(i *Input) {}, true},
		{"missing name", func(i *Input) { i.Name = "" }, false},
		{"name too long", func(i *Input) { i.Name = strings.Repeat("a", 256) }, false},
		{"bad email", func(i *Input) { i.Email = "not-an-email" }, false},
		{"email missing domain", func(i *Input) { i.Email = "maria@" }, false},
		{"unknown document type", func(i *Input) { i.DocumentType = "Cedula" }, false},
		{"passport accepted", func(i *Input) { i.DocumentType = "Pasaporte" }, true},
		{"foreigner card accepted", func(i *Input) { i.DocumentType = "Carné de Extranjería" }, true},
		{"missing document number", func(i *Input) { i.DocumentNumber = "" }, false},
		{"document number too long", func(i *Input) { i.DocumentNumber = strings.Repeat("9", 101) }, false},
		{"missing phone", func(i *Input) { i.PhoneNumber = "" }, false},
		{"address too long", func(i *Input) { i.Address = strings.Repeat("x", 256) }, false},
		{"empty gender accepted", func(i *Input) { i.Gender = "" }, true},
		{"other gender accepted", func(i *Input) { i.Gender = "O" }, true},
		{"invalid gender", func(i *Input) { i.Gender = "X" }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			input := validInput()
			tc.mutate(&input)
			msg, ok := validateInput(input)
			assert.Equal(t, tc.wantOK, ok, "message: %s", msg)
			if !tc.wantOK {
				assert.NotEmpty(t, msg)
			}
		})
	}
}

func TestParseInput_Normalizes(t *testing.T) {
	t.Parallel()

	body := `{
		"name": "  María López  ",
		"email": "  MARIA@Example.COM ",
		"document_number": " 12345678 ",
		"phone_number": " +51 999 888 777 "
	}`
	req := httptest.NewRequest(http.MethodPost, "/attendees", strings.NewReader(body))
	res := httptest.NewRecorder()

	input, ok := parseInput(res, req)
	require.True(t, ok, "body: %s", res.Body.String())
	assert.Equal(t, "María López", input.Name)
	assert.Equal(t, "maria@example.com", input.Email)
	assert.Equal(t, "12345678", input.DocumentNumber)
	assert.Equal(t, "DNI", input.DocumentType, "document type defaults to DNI")
}

func TestParseInput_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	body := `{"name": "a", "email": "a@b.c", "document_number": "1", "phone_number": "1", "is_admin": true}`
	req := httptest.NewRequest(http.MethodPost, "/attendees", strings.NewReader(body))
	res := httptest.NewRecorder()

	_, ok := parseInput(res, req)
	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestParseInput_RejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/attendees", strings.NewReader("{not json"))
	res := httptest.NewRecorder()

	_, ok := parseInput(res, req)
	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestPagination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query      string
		wantOffset int
		wantLimit  int
	}{
		{"", 0, 100},
		{"?skip=20&limit=50", 20, 50},
		{"?skip=-5&limit=0", 0, 100},
		{"?limit=9999", 0, 100},
		{"?skip=abc&limit=xyz", 0, 100},
	}

	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/attendees"+tc.query, nil)
		offset, limit := pagination(req)
		assert.Equal(t, tc.wantOffset, offset, "query %q", tc.query)
		assert.Equal(t, tc.wantLimit, limit, "query %q", tc.query)
	}
}

func TestClientIP_Precedence(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	assert.Equal(t, "9.9.9.9:1234", clientIP(req))

	req.Header.Set("X-Real-IP", "8.8.8.8")
	assert.Equal(t, "8.8.8.8", clientIP(req))

	req.Header.Set("X-Forwarded-For", "7.7.7.7, 8.8.8.8")
	assert.Equal(t, "7.7.7.7", clientIP(req))
}
