package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPrediction(t *testing.T) {
	m := NewManager(WithNamespace("test"))

	m.RecordPrediction("Parasitized", true, 20*time.Millisecond)
	m.RecordPrediction("Uninfected", false, 10*time.Millisecond)
	m.RecordPredictionFailure("backend_unavailable")

	if got := testutil.ToFloat64(m.predictions.WithLabelValues("Parasitized")); got != 1 {
		t.Fatalf("expected 1 parasitized prediction, got %v", got)
	}
	if got := testutil.ToFloat64(m.stageRuns); got != 1 {
		t.Fatalf("expected 1 stage run, got %v", got)
	}
	if got := testutil.ToFloat64(m.predictionFailures.WithLabelValues("backend_unavailable")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
}

func TestRecordPayoutAddsAmountOnSuccessOnly(t *testing.T) {
	m := NewManager()

	m.RecordPayout(OutcomeSuccess, 0.075, time.Second)
	m.RecordPayout(OutcomeRefused, 0.5, 0)

	if got := testutil.ToFloat64(m.payoutAmount); got != 0.075 {
		t.Fatalf("expected amount 0.075, got %v", got)
	}
	if got := testutil.ToFloat64(m.payouts.WithLabelValues(OutcomeRefused)); got != 1 {
		t.Fatalf("expected 1 refused payout, got %v", got)
	}
}

func TestManagersUseSeparateRegistries(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewManager(WithRegistry(registry))
	second := NewManager()

	if first.Registry() != registry {
		t.Fatalf("expected provided registry")
	}
	if second.Registry() == registry {
		t.Fatalf("expected a fresh registry per manager")
	}
}

func TestGinMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager()

	router := gin.New()
	router.Use(m.GinMiddleware())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `malcare_http_requests_total{method="GET",route="/health",status_code="200"} 1`) {
		t.Fatalf("expected health request counted, got:\n%s", rec.Body.String())
	}
}
