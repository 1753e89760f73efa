package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"possale/backend/internal/domain"
	"possale/backend/internal/metrics"
	"possale/backend/internal/outbox"
	"possale/backend/internal/service"
	"possale/backend/internal/store/memory"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

// newTestAPI builds a full API over the seeded memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T, opts Options) *API {
	t.Helper()

	repo := memory.NewSeeded(nil)
	svc := service.New(repo, service.Options{Metrics: opts.Metrics})
	svc.SetDispatcher(outbox.New(repo, outbox.Config{}, nil, opts.Metrics))
	auth := NewAuthManager(testSecret, time.Hour, repo, nil)
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return New(svc, auth, opts)
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type client struct {
	t       *testing.T
	api     *API
	handler http.Handler
	token   string
}

func newClient(t *testing.T, api *API) *client {
	return &client{t: t, api: api, handler: api.Handler()}
}

func (c *client) do(method string, path string, body any) (*httptest.ResponseRecorder, response) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method == http.MethodPost {
		req.Header.Set("X-CSRF-Token", c.api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			c.t.Fatalf("decode %s %s response: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

func (c *client) login(username string, password string) {
	c.t.Helper()
	rec, resp := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		c.t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var login domain.LoginResponse
	if err := json.Unmarshal(resp.Data, &login); err != nil {
		c.t.Fatalf("decode login: %v", err)
	}
	c.token = login.AccessToken
}

func (c *client) openSession() {
	c.t.Helper()
	rec, _ := c.do(http.MethodPost, "/api/v1/cash-sessions/open", map[string]any{"opening_amount": "100"})
	if rec.Code != http.StatusCreated {
		c.t.Fatalf("open cash session: %d %s", rec.Code, rec.Body.String())
	}
}

func saleBody() map[string]any {
	return map[string]any{
		"items": []map[string]any{
			{"product_id": "prod-001", "quantity": "2", "unit_price": "10.50"},
		},
		"subtotal":       "21",
		"tax":            "0",
		"total":          "21",
		"payment_method": "cash",
	}
}

func TestHandleHealth(t *testing.T) {
	c := newClient(t, newTestAPI(t, Options{}))

	rec, resp := c.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200 success, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin(t *testing.T) {
	c := newClient(t, newTestAPI(t, Options{}))

	rec, resp := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if rec.Code != http.StatusUnauthorized || resp.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %s", rec.Code, rec.Body.String())
	}

	c.login("admin", "admin123")
	if c.token == "" {
		t.Fatalf("expected access token")
	}
}

func TestSalesRequireAuth(t *testing.T) {
	c := newClient(t, newTestAPI(t, Options{}))

	rec, resp := c.do(http.MethodGet, "/api/v1/sales", nil)
	if rec.Code != http.StatusUnauthorized || resp.Success {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	c.token = "not-a-jwt"
	rec, _ = c.do(http.MethodGet, "/api/v1/sales", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestCreateSaleRequiresOpenCashSession(t *testing.T) {
	c := newClient(t, newTestAPI(t, Options{}))
	c.login("cashier", "cashier123")

	rec, resp := c.do(http.MethodPost, "/api/v1/sales", saleBody())
	if rec.Code != http.StatusBadRequest || resp.Code != "CASH_CLOSED" {
		t.Fatalf("expected 400 CASH_CLOSED, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, Options{})
	cashier := newClient(t, api)
	cashier.login("cashier", "cashier123")
	cashier.openSession()

	rec, resp := cashier.do(http.MethodPost, "/api/v1/sales", saleBody())
	if rec.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
	}
	var sale domain.SaleDetail
	if err := json.Unmarshal(resp.Data, &sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if sale.ID == "" || sale.PaymentMethodDisplay != "Cash" || len(sale.ItemDetails) != 1 {
		t.Fatalf("unexpected sale %+v", sale)
	}
	if sale.ItemDetails[0].ProductName != "Yerba Mate 1kg" {
		t.Fatalf("expected product name on item, got %q", sale.ItemDetails[0].ProductName)
	}

	rec, resp = cashier.do(http.MethodGet, "/api/v1/sales/"+sale.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: %d %s", rec.Code, rec.Body.String())
	}

	rec, resp = cashier.do(http.MethodGet, "/api/v1/sales?payment_method=cash&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list sales: %d %s", rec.Code, rec.Body.String())
	}
	var list domain.SaleListResponse
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Pagination.Total != 1 || list.Pagination.Limit != 10 || list.Pagination.Pages != 1 {
		t.Fatalf("unexpected pagination %+v", list.Pagination)
	}

	rec, resp = cashier.do(http.MethodGet, "/api/v1/cash-sessions/current", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current session: %d %s", rec.Code, rec.Body.String())
	}
	var session domain.CashSessionResponse
	if err := json.Unmarshal(resp.Data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if len(session.Movements) != 1 || session.Balance.String() != "121" {
		t.Fatalf("expected one delivered cash movement and balance 121, got %d / %s", len(session.Movements), session.Balance)
	}

	rec, resp = cashier.do(http.MethodPost, "/api/v1/sales/"+sale.ID+"/cancel", map[string]string{"reason": "test"})
	if rec.Code != http.StatusForbidden || resp.Code != "FORBIDDEN" {
		t.Fatalf("cashier cancel: expected 403, got %d %s", rec.Code, rec.Body.String())
	}

	admin := newClient(t, api)
	admin.handler = cashier.handler
	admin.login("admin", "admin123")
	rec, resp = admin.do(http.MethodPost, "/api/v1/sales/"+sale.ID+"/cancel", map[string]string{"reason": "customer changed mind"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin cancel: %d %s", rec.Code, rec.Body.String())
	}
	var cancelled map[string]any
	if err := json.Unmarshal(resp.Data, &cancelled); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if cancelled["saleId"] != sale.ID || cancelled["stockRestored"] != float64(1) || cancelled["reason"] != "customer changed mind" {
		t.Fatalf("unexpected cancel payload %v", cancelled)
	}

	rec, resp = admin.do(http.MethodPost, "/api/v1/sales/"+sale.ID+"/cancel", nil)
	if rec.Code != http.StatusNotFound || resp.Code != "SALE_NOT_FOUND_OR_CANCELLED" {
		t.Fatalf("second cancel: expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSaleErrorsMapToStatusAndCode(t *testing.T) {
	c := newClient(t, newTestAPI(t, Options{}))
	c.login("admin", "admin123")
	c.openSession()

	tooMuch := saleBody()
	tooMuch["items"] = []map[string]any{{"product_id": "prod-001", "quantity": "60", "unit_price": "1"}}
	tooMuch["subtotal"], tooMuch["total"] = "60", "60"

	mismatch := saleBody()
	delete(mismatch, "payment_method")
	mismatch["payment_methods"] = []map[string]any{{"method": "cash", "amount": "10"}, {"method": "credit_card", "amount": "10"}}

	unknownField := saleBody()
	unknownField["discount"] = "5"

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient stock", http.MethodPost, "/api/v1/sales", tooMuch, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{"split mismatch", http.MethodPost, "/api/v1/sales", mismatch, http.StatusBadRequest, "PAYMENT_AMOUNT_MISMATCH"},
		{"unknown field", http.MethodPost, "/api/v1/sales", unknownField, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad date", http.MethodGet, "/api/v1/sales?start_date=2025/01/01", nil, http.StatusBadRequest, "INVALID_DATE"},
		{"bad status", http.MethodGet, "/api/v1/sales?status=void", nil, http.StatusBadRequest, "INVALID_STATUS"},
		{"bad sale id", http.MethodGet, "/api/v1/sales/xyz", nil, http.StatusBadRequest, "INVALID_SALE_ID"},
		{"missing sale", http.MethodGet, "/api/v1/sales/sale-00000000-0000-0000-0000-000000000000", nil, http.StatusNotFound, "SALE_NOT_FOUND"},
		{"cancel missing sale", http.MethodPost, "/api/v1/sales/sale-00000000-0000-0000-0000-000000000000/cancel", nil, http.StatusNotFound, "SALE_NOT_FOUND_OR_CANCELLED"},
		{"second session", http.MethodPost, "/api/v1/cash-sessions/open", map[string]any{"opening_amount": "1"}, http.StatusConflict, "CASH_SESSION_ALREADY_OPEN"},
		{"unknown customer balance", http.MethodGet, "/api/v1/customers/cust-missing/balance", nil, http.StatusNotFound, "CUSTOMER_NOT_FOUND"},
		{"unknown route", http.MethodGet, "/api/v1/nothing-here", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c.t = t
			rec, resp := c.do(tc.method, tc.path, tc.body)
			if rec.Code != tc.status || resp.Code != tc.code || resp.Success {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCustomerBalanceAndOutboxEndpoints(t *testing.T) {
	api := newTestAPI(t, Options{})
	c := newClient(t, api)
	c.login("admin", "admin123")
	c.openSession()

	body := saleBody()
	body["payment_method"] = "on_account"
	body["customer_id"] = "cust-001"
	if rec, _ := c.do(http.MethodPost, "/api/v1/sales", body); rec.Code != http.StatusCreated {
		t.Fatalf("on-account sale: %d %s", rec.Code, rec.Body.String())
	}

	rec, resp := c.do(http.MethodGet, "/api/v1/customers/cust-001/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", rec.Code, rec.Body.String())
	}
	var balance struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp.Data, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != "21" {
		t.Fatalf("balance = %s, want 21", balance.Balance)
	}

	rec, resp = c.do(http.MethodGet, "/api/v1/outbox/pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending outbox: %d %s", rec.Code, rec.Body.String())
	}
	var pending struct {
		Tasks []domain.OutboxTask `json:"tasks"`
	}
	if err := json.Unmarshal(resp.Data, &pending); err != nil {
		t.Fatalf("decode outbox: %v", err)
	}
	if len(pending.Tasks) != 0 {
		t.Fatalf("expected every task delivered, got %d pending", len(pending.Tasks))
	}
}

func TestMetricsEndpointRecordsRequests(t *testing.T) {
	c := newClient(t, newTestAPI(t, Options{Metrics: metrics.New()}))

	c.do(http.MethodGet, "/healthz", nil)
	rec, _ := c.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `route="/healthz"`) {
		t.Fatalf("expected healthz latency sample in metrics output")
	}
}
