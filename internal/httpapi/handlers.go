package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.service.Ping(ctx); err != nil {
		a.logger.Warn("health check ping failed", zap.Error(err))
		a.writeFailure(w, http.StatusServiceUnavailable, apperror.CodeInternal, "datastore unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeFailure(w, http.StatusTooManyRequests, apperror.CodeRateLimited, "too many login attempts")
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.writeError(w, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	switch {
	case errors.Is(err, ErrInactiveAccount):
		a.writeFailure(w, http.StatusForbidden, apperror.CodeForbidden, err.Error())
		return
	case errors.Is(err, ErrInvalidCredentials):
		a.writeFailure(w, http.StatusUnauthorized, apperror.CodeUnauthorized, err.Error())
		return
	case err != nil:
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a token valid for the current hour bucket.
// Clients send it in X-CSRF-Token on every POST except login.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": a.generateCSRFToken()})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.writeError(w, err)
		return
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelSaleRequest
	if err := decodeJSON(r, &req, true); err != nil {
		a.writeError(w, err)
		return
	}
	req.SaleID = chi.URLParam(r, "id")

	resp, err := a.service.CancelSale(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := a.service.ListSales(r.Context(), domain.SaleListQuery{
		StartDate:     q.Get("start_date"),
		EndDate:       q.Get("end_date"),
		PaymentMethod: q.Get("payment_method"),
		Status:        q.Get("status"),
		CustomerID:    q.Get("customer_id"),
		Search:        q.Get("search"),
		Page:          q.Get("page"),
		Limit:         q.Get("limit"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleOpenCashSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CashSessionOpenRequest
	if err := decodeJSON(r, &req, true); err != nil {
		a.writeError(w, err)
		return
	}

	resp, err := a.service.OpenCashSession(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleCloseCashSession(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.CloseCashSession(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCurrentCashSession(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.CurrentCashSession(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCashSessionMovements(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.CashSessionMovements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCustomerBalance(w http.ResponseWriter, r *http.Request) {
	customerID := strings.TrimSpace(chi.URLParam(r, "id"))
	balance, err := a.service.CustomerBalance(r.Context(), customerID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"balance":     balance,
	})
}

func (a *API) handlePendingOutbox(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.service.ListPendingOutbox(r.Context(), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 100))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}
