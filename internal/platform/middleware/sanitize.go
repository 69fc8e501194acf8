package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxHeaderValueSize bounds any single header value (8KB).
const maxHeaderValueSize = 8 << 10

var (
	// sqlPattern flags classic injection probes in list filters. Matches
	// are logged, never blocked: the store runs parameterized queries
	// only, and clinical free text may legitimately contain quote runs.
	sqlPattern = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	// scriptPattern blocks markup smuggled through the query string.
	scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests whose path, headers, or query string carry
// traversal sequences, null bytes, or script fragments. Rejections are
// 400s with the reason in the body.
func Sanitize() echo.MiddlewareFunc {
	return SanitizeWithLogger(zerolog.Nop())
}

// SanitizeWithLogger is Sanitize with a logger attached for the
// non-blocking injection warnings.
func SanitizeWithLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if reason := vetPath(req.URL.Path, req.URL.RawPath); reason != "" {
				return reject(c, reason)
			}
			if reason := vetHeaders(req.Header); reason != "" {
				return reject(c, reason)
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if hasNullByte(key) || hasNullByte(v) {
						return reject(c, "null byte in query parameter")
					}
					if scriptPattern.MatchString(key) || scriptPattern.MatchString(v) {
						return reject(c, "script fragment in query parameter")
					}
					if sqlPattern.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", req.URL.Path).
							Str("remote_ip", c.RealIP()).
							Msg("potential SQL injection shape in query parameter")
					}
				}
			}

			return next(c)
		}
	}
}

// vetPath screens both the decoded and the raw path; encoded traversal
// sequences only survive in the raw form.
func vetPath(path, rawPath string) string {
	if rawPath == "" {
		rawPath = path
	}
	for _, p := range []string{path, rawPath} {
		if hasTraversal(p) {
			return "path traversal sequence detected"
		}
		if hasNullByte(p) {
			return "null byte in path"
		}
	}
	return ""
}

func vetHeaders(h http.Header) string {
	for name, values := range h {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header value exceeds maximum size: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "newline in header value: " + name
			}
		}
	}
	return ""
}

// hasTraversal catches dot-dot sequences raw, percent-encoded, and
// double-encoded.
func hasTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "..") ||
		strings.Contains(lower, "%2e%2e") ||
		strings.Contains(lower, "%252e")
}

func hasNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') ||
		strings.Contains(strings.ToLower(s), "%00")
}

func reject(c echo.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": reason})
}

// SanitizeString strips null bytes and non-printing control characters,
// keeping tabs and line breaks, and trims surrounding whitespace.
// Free-text fields such as coder query text, clinician answers, and
// return reasons pass through this before storage.
func SanitizeString(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\x00':
			return -1
		case unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t':
			return -1
		default:
			return r
		}
	}, input)
	return strings.TrimSpace(cleaned)
}
