package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"2M", 2 << 20},
		{"10M", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"garbage", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseSize(tt.input); got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimitPassesSmallBody(t *testing.T) {
	e := echo.New()
	body := strings.NewReader(`{"resourceType":"PlanDefinition","status":"draft"}`)
	req := httptest.NewRequest(http.MethodPost, "/fhir/PlanDefinition", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1M", "10M")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected the body to pass through intact")
		}
		called = true
		return c.String(http.StatusCreated, "created")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected the handler to run")
	}
}

func TestBodyLimitRejectsByContentLength(t *testing.T) {
	e := echo.New()
	body := bytes.Repeat([]byte("x"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/fhir/PlanDefinition", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("1K", "10M")(func(c echo.Context) error {
		t.Error("handler must not run for an oversized body")
		return nil
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected an OperationOutcome body, got %v", outcome["resourceType"])
	}
}

// $apply payloads carry data bundles, so those routes get the larger cap.
func TestBodyLimitApplyRoutesGetLargerCap(t *testing.T) {
	e := echo.New()
	body := bytes.Repeat([]byte("x"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/fhir/PlanDefinition/p1/$apply", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1K", "10M")(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected a 2K body to pass on an $apply route with a 10M cap")
	}
}

func TestBodyLimitRejectsOversizedApplyPayload(t *testing.T) {
	e := echo.New()
	body := bytes.Repeat([]byte("x"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/fhir/ActivityDefinition/ad1/$apply", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("512", "1K")(func(c echo.Context) error {
		t.Error("handler must not run for an oversized $apply payload")
		return nil
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimitSkipsEmptyBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/PlanDefinition/p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1M", "10M")(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected the handler to run for a bodyless request")
	}
}

// Without a Content-Length header the cap is enforced while the handler
// reads, not up front.
func TestBodyLimitEnforcesCapDuringRead(t *testing.T) {
	e := echo.New()
	body := bytes.Repeat([]byte("a"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/fhir/PlanDefinition", bytes.NewReader(body))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("512", "10M")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})

	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from the capped reader, got %v", err)
	}
}
