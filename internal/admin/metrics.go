package admin

import (
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetproxy/frontdoor/internal/metrics"
)

// gatherMetrics renders m's registry in Prometheus text exposition format
// via promhttp.HandlerFor, the same handler a net/http-based service would
// mount at /metrics. Driving it through an httptest.ResponseRecorder lets
// the admin HTTP binding reuse promhttp's content negotiation without
// running an actual net/http.Server.
func gatherMetrics(m *metrics.Metrics) (body []byte, contentType string, err error) {
	handler := promhttp.HandlerFor(m.GetRegistry(), promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	data, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		return nil, "", err
	}
	return data, rec.Header().Get("Content-Type"), nil
}
