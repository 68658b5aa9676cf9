package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInitDisabled(t *testing.T) {
	prov, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, prov)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, WrapHandler(h, nil))
}

func TestInitEnabledServesMetrics(t *testing.T) {
	ctx := context.Background()
	prov, err := Init(ctx, Config{Enabled: true, Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, prov)
	defer func() { _ = prov.Shutdown(ctx) }()

	spanCtx, span := StartPageSpan(ctx, PageSpanInfo{JobID: "job", PageID: "page", PageType: "keyword-location", Attempt: 1, Source: "pool"})
	RecordPage(spanCtx, PageMetrics{PageType: "keyword-location", Status: "completed", Duration: 120 * time.Millisecond})
	RecordClaim(spanCtx, "pool", true)
	RecordClaim(spanCtx, "pool", false)
	RecordJobFinalized(spanCtx, "keyword-location", "completed", 12)
	span.End()

	rec := httptest.NewRecorder()
	prov.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "pagegen_page_total")
	assert.Contains(t, body, "pagegen_claim_total")
	assert.Contains(t, body, "pagegen_job_finalized")
	assert.Contains(t, body, "go_goroutines")
}

func TestRecordersWithoutInit(t *testing.T) {
	active.Store(nil)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		RecordPage(ctx, PageMetrics{PageType: "keyword-location", Status: "failed"})
		RecordClaim(ctx, "remote", false)
		RecordJobFinalized(ctx, "keyword-location", "failed", 3)
		_, span := StartPageSpan(ctx, PageSpanInfo{JobID: "job"})
		span.End()
	})
}

func TestWrapHandlerSkipsHealthAndStream(t *testing.T) {
	ctx := context.Background()
	prov, err := Init(ctx, Config{Enabled: true, Environment: "test"})
	require.NoError(t, err)
	defer func() { _ = prov.Shutdown(ctx) }()

	var traced []bool
	h := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traced = append(traced, trace.SpanContextFromContext(r.Context()).IsValid())
	}), prov)

	for _, path := range []string{"/health", "/v1/jobs/j-1/stream", "/v1/businesses"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Equal(t, []bool{false, false, true}, traced)
}

func TestGetOTLPEndpointOption(t *testing.T) {
	assert.NotNil(t, getOTLPEndpointOption("https://otel.example.com/v1/traces"))
	assert.NotNil(t, getOTLPEndpointOption("otel.example.com:4318"))
}
