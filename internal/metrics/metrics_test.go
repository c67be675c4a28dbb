package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx",
		201: "2xx",
		304: "3xx",
		402: "4xx",
		409: "4xx",
		429: "4xx",
		503: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "status %d", code)
	}
}

func TestHandler_ExposesDomainCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	PlatformFeesKES.Add(417)
	LedgerAnomaliesTotal.WithLabelValues("milestone_revert").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "gigledger_event_queue_depth")
	assert.Contains(t, body, "gigledger_platform_fees_kes_total")
	assert.Contains(t, body, `gigledger_ledger_anomalies_total{operation="milestone_revert"}`)
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrow/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	route := HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrow/:id", "4xx")
	unmatched := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	routeBefore, unmatchedBefore := testutil.ToFloat64(route), testutil.ToFloat64(unmatched)

	for _, path := range []string{"/v1/escrow/esc_1", "/v1/escrow/esc_2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	assert.Equal(t, routeBefore+2, testutil.ToFloat64(route))
	assert.Equal(t, unmatchedBefore+1, testutil.ToFloat64(unmatched))
}
