package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountersAndUnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "hello") })
	r.GET("/statusonly", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/ok", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404"))

	for _, p := range []string{"/ok", "/does-not-exist", "/another-miss", "/statusonly"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/ok", "200")); got != baseOK+1 {
		t.Fatalf("counter /ok 200 = %v; want %v", got, baseOK+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404")); got != base404+2 {
		t.Fatalf("unmatched routes must share one label, got %v want %v", got, base404+2)
	}
	if inFlight := testutil.ToFloat64(httpInflight); inFlight != 0 {
		t.Fatalf("httpInflight = %v; want 0", inFlight)
	}
}

func TestMetrics_EventStreams(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.POST("/sessions/:id/messages", func(c *gin.Context) {
		if got := testutil.ToFloat64(sseStreams); got < 1 {
			t.Errorf("stream gauge = %v while streaming", got)
		}
		c.Header("Content-Type", "text/event-stream")
		c.String(http.StatusOK, "event: outcome\ndata: {}\n\n")
	})

	before := testutil.CollectAndCount(sseDuration)
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/messages", nil)
	req.Header.Set("Accept", "text/event-stream")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(sseStreams); got != 0 {
		t.Fatalf("stream gauge = %v after stream ended", got)
	}
	if after := testutil.CollectAndCount(sseDuration); after < 1 || after < before {
		t.Fatalf("stream duration not observed: before=%d after=%d", before, after)
	}
}
