package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SaleCreated()
	m.SaleCreated()
	m.SaleCancelled()
	m.SaleRejected("create", "CASH_CLOSED")
	m.OutboxDelivered(3)
	m.OutboxFailed(true)
	m.ObserveHTTP(http.MethodPost, "/api/v1/sales", http.StatusCreated, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.salesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.salesCancelled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saleRejections.WithLabelValues("create", "CASH_CLOSED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outboxDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxFailures.WithLabelValues("dead")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "possale_sales_created_total 2"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SaleCreated()
		m.SaleRejected("cancel", "SALE_NOT_FOUND_OR_CANCELLED")
		m.OutboxFailed(false)
		m.ObserveHTTP(http.MethodGet, "/", http.StatusOK, time.Millisecond)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
