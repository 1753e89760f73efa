package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/metrics"
	"possale/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin string
	// Development exposes 5xx causes to clients.
	Development       bool
	RequestsPerMinute int
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	development   bool
	logger        *zap.Logger
	metrics       *metrics.Metrics
	clientLimiter *clientLimiter
	loginLimiter  *clientLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestsPerMinute < 1 {
		opts.RequestsPerMinute = 100
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		opts.Logger.Fatal("generate csrf secret", zap.Error(err))
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		development:   opts.Development,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		clientLimiter: newClientLimiter(opts.RequestsPerMinute, time.Minute),
		loginLimiter:  newClientLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.observe)
	r.Use(a.withMiddleware)
	r.Use(a.rateLimit)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeFailure(w, http.StatusNotFound, apperror.CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeFailure(w, http.StatusMethodNotAllowed, apperror.CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))

			r.Post("/sales", a.handleCreateSale)
			r.Get("/sales", a.handleListSales)
			r.Get("/sales/{id}", a.handleGetSale)

			r.Post("/cash-sessions/open", a.handleOpenCashSession)
			r.Post("/cash-sessions/close", a.handleCloseCashSession)
			r.Get("/cash-sessions/current", a.handleCurrentCashSession)
			r.Get("/cash-sessions/{id}/movements", a.handleCashSessionMovements)

			r.Get("/customers/{id}/balance", a.handleCustomerBalance)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))

			r.Post("/sales/{id}/cancel", a.handleCancelSale)
			r.Get("/outbox/pending", a.handlePendingOutbox)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeFailure(w, http.StatusUnauthorized, apperror.CodeUnauthorized, "missing bearer token")
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				a.writeFailure(w, http.StatusUnauthorized, apperror.CodeUnauthorized, err.Error())
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
				a.writeFailure(w, http.StatusForbidden, apperror.CodeForbidden, "role not allowed")
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

// withMiddleware sets the security and CORS headers, caps JSON bodies and
// enforces CSRF tokens on state-changing requests.
func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.clientLimiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			a.writeFailure(w, http.StatusTooManyRequests, apperror.CodeRateLimited, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs one line per request and records its latency under the
// matched route pattern.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(startedAt)
		a.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		)
	})
}

// csrfTokenForHour computes the HMAC token of an hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour)
	for _, bucket := range []time.Time{current, current.Add(-time.Hour)} {
		if hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket.Unix()))) {
			return true
		}
	}
	return false
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return true
	}
	if r.URL.Path == "/api/v1/auth/login" {
		return true
	}
	if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
		a.writeFailure(w, http.StatusForbidden, apperror.CodeForbidden, "missing or invalid CSRF token")
		return false
	}
	return true
}

// decodeJSON reads a single JSON value. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, dest any, optional bool) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.Validation(apperror.CodeInvalidRequest, "request body too large")
		}
		return apperror.Validation(apperror.CodeInvalidRequest, "invalid JSON body: "+err.Error())
	}
	return nil
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError renders err with the status of its classification. Unclassified
// errors are internal. Causes of 5xx responses stay in the log unless the API
// runs in development.
func (a *API) writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperror.From(err)
	if !ok {
		appErr = apperror.Infrastructure(apperror.CodeInternal, "internal server error", err)
	}
	status := appErr.HTTPStatus()
	message := appErr.Message
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("code", appErr.Code), zap.Error(err))
		if a.development {
			message = appErr.Error()
		}
	}
	a.writeFailure(w, status, appErr.Code, message)
}

func (a *API) writeFailure(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Code: code, Message: message})
}
