package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t, Options{AllowedOrigin: "https://pos.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://pos.example.com" {
		t.Fatalf("expected configured origin, got %q", got)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t, Options{})
	handler := api.Handler()
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		handler.ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestGeneralRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t, Options{RequestsPerMinute: 3})
	handler := api.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sales", nil)
		req.RemoteAddr = "10.0.0.7:4100"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
		if i < 3 && last.Code != http.StatusUnauthorized {
			t.Fatalf("request %d expected 401 before limit, got %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.Code)
	}
	if !strings.Contains(last.Body.String(), apperror.CodeRateLimited) || last.Header().Get("Retry-After") == "" {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED with Retry-After, got %s", last.Body.String())
	}

	// Health checks are never throttled.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.7:4100"
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected healthz to bypass the limiter, got %d", res.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t, Options{})
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "request body too large") {
		t.Fatalf("expected too-large message, got %s", res.Body.String())
	}
}

func TestStateChangingRequestsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t, Options{})
	c := newClient(t, api)
	c.login("cashier", "cashier123")

	for _, token := range []string{"", "deadbeef"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cash-sessions/open", strings.NewReader(`{"opening_amount":"10"}`))
		req.Header.Set("Authorization", "Bearer "+c.token)
		if token != "" {
			req.Header.Set("X-CSRF-Token", token)
		}
		res := httptest.NewRecorder()
		c.handler.ServeHTTP(res, req)
		if res.Code != http.StatusForbidden {
			t.Fatalf("token %q: expected 403, got %d", token, res.Code)
		}
	}

	rec, resp := c.do(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token endpoint: %d", rec.Code)
	}
	var issued struct {
		Token string `json:"csrf_token"`
	}
	if err := json.Unmarshal(resp.Data, &issued); err != nil || !api.validateCSRFToken(issued.Token) {
		t.Fatalf("expected a valid issued token, got %q (%v)", issued.Token, err)
	}
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.3:5432: connection refused")

	for _, development := range []bool{false, true} {
		api := newTestAPI(t, Options{Development: development})
		res := httptest.NewRecorder()
		api.writeError(res, cause)

		if res.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", res.Code)
		}
		leaked := strings.Contains(res.Body.String(), "connection refused")
		if leaked != development {
			t.Fatalf("development=%v: cause leaked=%v in %s", development, leaked, res.Body.String())
		}
	}

	api := newTestAPI(t, Options{})
	res := httptest.NewRecorder()
	api.writeError(res, apperror.Conflict(apperror.CodeCreditLimitExceeded, "credit limit exceeded"))
	if res.Code != http.StatusConflict || !strings.Contains(res.Body.String(), "credit limit exceeded") {
		t.Fatalf("expected domain message on 409, got %d %s", res.Code, res.Body.String())
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	cases := map[string]string{
		"192.168.1.20:53211": "192.168.1.20",
		"[::1]:8080":         "::1",
		"":                   "unknown",
		"pos-terminal":       "pos-terminal",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := clientKey(req); got != want {
			t.Fatalf("clientKey(%q) = %q, want %q", remote, got, want)
		}
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 100); got != 100 {
		t.Fatalf("expected capped limit 100, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 100); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 100); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}
