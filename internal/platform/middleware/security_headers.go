package middleware

import (
	"github.com/labstack/echo/v4"
)

// baseSecurityHeaders go on every response. The service speaks JSON to
// coding and billing clients only, so the content policy denies all
// resource loading and embedding, and responses carrying PHI must never
// land in a shared cache.
var baseSecurityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store, private"},
	{"Pragma", "no-cache"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets hardening headers on every response.
// Strict-Transport-Security is only emitted when the request arrived over
// TLS, either directly or via a terminating proxy that sets
// X-Forwarded-Proto.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range baseSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			req := c.Request()
			if req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
