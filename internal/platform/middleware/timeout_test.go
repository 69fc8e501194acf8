package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_AllowsFastHandlers(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/api/v1/coding-records")

	var sawDeadline bool
	h := RequestTimeout(5 * time.Second)(func(c echo.Context) error {
		_, sawDeadline = c.Request().Context().Deadline()
		return c.String(http.StatusOK, "ok")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawDeadline {
		t.Error("expected the handler to run under a deadline")
	}
}

func TestRequestTimeout_SlowHandlerGets504(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/api/v1/coding-records")

	h := RequestTimeout(30 * time.Millisecond)(func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "too late")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})

	// The 504 is written to the response, not returned as an error.
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal 504 body: %v", err)
	}
	if body["error"] == "" {
		t.Errorf("expected an error reason in the body, got %v", body)
	}
}

func TestRequestTimeout_ClientCancelIsNot504(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/api/v1/coding-records")
	ctx, cancel := context.WithCancel(c.Request().Context())
	c.SetRequest(c.Request().WithContext(ctx))

	h := RequestTimeout(5 * time.Second)(func(c echo.Context) error {
		cancel() // the client goes away mid-request
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})

	if err := h(c); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rec.Code == http.StatusGatewayTimeout {
		t.Error("expected no 504 for a client cancellation")
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/api/v1/coding-records/123")

	h := RequestTimeout(5 * time.Second)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})

	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}
