package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// fireSanitized sends one request through the sanitize middleware and a
// catch-all OK handler.
func fireSanitized(logger zerolog.Logger, target string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(SanitizeWithLogger(logger))
	e.Any("/*", okHandler)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func assertBlocked(t *testing.T, rec *httptest.ResponseRecorder, label string) {
	t.Helper()
	if rec.Code != http.StatusBadRequest {
		t.Errorf("%s: expected 400, got %d", label, rec.Code)
		return
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: unmarshal response: %v", label, err)
	}
	if body["error"] == "" {
		t.Errorf("%s: expected a reason in the error body, got %v", label, body)
	}
}

func TestSanitize_BlocksHostilePaths(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"dot dot", "/../../etc/passwd"},
		{"encoded dot dot", "/%2e%2e/%2e%2e/etc/passwd"},
		{"double encoded", "/%252e%252e/etc/passwd"},
		{"null byte", "/file%00.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fireSanitized(zerolog.Nop(), tt.target)
			assertBlocked(t, rec, tt.name)
		})
	}
}

func TestSanitize_BlocksHostileHeaders(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"crlf", "value\r\nInjected: header"},
		{"cr", "value\rinjected"},
		{"lf", "value\ninjected"},
		{"oversized", strings.Repeat("A", maxHeaderValueSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fireSanitized(zerolog.Nop(), "/api/v1/coding-records", func(req *http.Request) {
				req.Header.Set("X-Custom", tt.value)
			})
			assertBlocked(t, rec, tt.name)
		})
	}
}

func TestSanitize_BlocksScriptFragmentsInQuery(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"script tag", "<script>alert(1)</script>"},
		{"javascript uri", "javascript:alert(1)"},
		{"event handler", "onload=alert(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := url.Values{}
			q.Set("note", tt.value)
			rec := fireSanitized(zerolog.Nop(), "/api/v1/coding-records?"+q.Encode())
			assertBlocked(t, rec, tt.name)
		})
	}
}

func TestSanitize_NullByteInQueryBlocked(t *testing.T) {
	rec := fireSanitized(zerolog.Nop(), "/api/v1/coding-records?coder=c%00-9")
	assertBlocked(t, rec, "null byte query")
}

func TestSanitize_InjectionShapedFiltersLogButPass(t *testing.T) {
	probes := []string{
		"'; DROP TABLE coding_records;--",
		"1 UNION SELECT * FROM users",
		"' OR 1=1--",
		"1=1",
	}
	for _, probe := range probes {
		var buf bytes.Buffer
		q := url.Values{}
		q.Set("patient_ref", probe)
		rec := fireSanitized(zerolog.New(&buf), "/api/v1/coding-records?"+q.Encode())

		if rec.Code != http.StatusOK {
			t.Errorf("probe %q: expected pass-through, got %d", probe, rec.Code)
		}
		if !bytes.Contains(buf.Bytes(), []byte("potential SQL injection")) {
			t.Errorf("probe %q: expected a warning logged", probe)
		}
	}
}

func TestSanitize_WorkflowTrafficPassesThrough(t *testing.T) {
	paths := []string{
		"/api/v1/coding-records?status=coded&coder=c-9",
		"/api/v1/coding-records/number/COD2026082400001",
		"/api/v1/coding-records/5f0c8c9e-2f63-4b55-8a3c-2b1f6f6f4a11/audit",
		"/api/v1/bills?limit=20&offset=40",
		"/health",
	}
	for _, p := range paths {
		rec := fireSanitized(zerolog.Nop(), p, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer some-token")
		})
		if rec.Code != http.StatusOK {
			t.Errorf("path %s: expected 200, got %d (%s)", p, rec.Code, rec.Body.String())
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"null bytes stripped", "code\x0099213", "code99213"},
		{"control chars stripped", "query\x01text\x07here\x1Bend", "querytexthereend"},
		{"line breaks kept", "line1\nline2\ttab\rreturn", "line1\nline2\ttab\rreturn"},
		{"clinical text unchanged", "Dr. Patel (Cardiology) - confirm modifier 25 for 99213", "Dr. Patel (Cardiology) - confirm modifier 25 for 99213"},
		{"whitespace trimmed", "   missing second modifier   ", "missing second modifier"},
		{"empty", "", ""},
		{"only nulls", "\x00\x00\x00", ""},
		{"unicode kept", "jornada médica: examen de sangre", "jornada médica: examen de sangre"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeString(tt.input); got != tt.want {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
