package admin

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/config"
	"github.com/fleetproxy/frontdoor/internal/health"
	"github.com/fleetproxy/frontdoor/internal/httpparser"
	"github.com/fleetproxy/frontdoor/internal/metrics"
	"github.com/fleetproxy/frontdoor/internal/ratelimit"
	"github.com/fleetproxy/frontdoor/internal/router"
)

func testSnapshot(auth config.AdminAuthConfig) *config.Snapshot {
	return &config.Snapshot{
		Routes: map[string][]string{},
		Admin:  config.AdminConfig{Enabled: true, Authentication: auth},
	}
}

func serveOnce(t *testing.T, a *Admin, req *httpparser.Request, body string) string {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go a.ServeAdmin(serverConn, req, strings.NewReader(body))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(clientConn)
	var out strings.Builder
	buf := make([]byte, 4096)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	out.WriteString(statusLine)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return out.String()
}

func newReq(method, path string, headers httpparser.Header) *httpparser.Request {
	if headers == nil {
		headers = httpparser.Header{}
	}
	return &httpparser.Request{Method: method, Path: path, Version: "HTTP/1.1", Headers: headers}
}

func TestNoAuthConfiguredAllowsHealth(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	checker := health.New(health.Config{}, nil)
	a := New(Deps{Store: store, Health: checker, Router: router.New(store)})

	resp := serveOnce(t, a, newReq("GET", "/admin/health", nil), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("resp = %q, want 200 prefix", resp)
	}
}

func TestAPIKeyRejectsWrongKey(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{APIKey: "secret"}))
	a := New(Deps{Store: store, Router: router.New(store)})

	resp := serveOnce(t, a, newReq("GET", "/admin/health", httpparser.Header{"x-api-key": "wrong"}), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 401") {
		t.Errorf("resp = %q, want 401 prefix", resp)
	}
}

func TestAPIKeyAcceptsCorrectKey(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{APIKey: "secret"}))
	checker := health.New(health.Config{}, nil)
	a := New(Deps{Store: store, Health: checker, Router: router.New(store)})

	resp := serveOnce(t, a, newReq("GET", "/admin/health", httpparser.Header{"x-api-key": "secret"}), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("resp = %q, want 200 prefix", resp)
	}
}

func TestBasicAuthAcceptsKnownUser(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{Users: map[string]string{"ops": "hunter2"}}))
	checker := health.New(health.Config{}, nil)
	a := New(Deps{Store: store, Health: checker, Router: router.New(store)})

	creds := base64.StdEncoding.EncodeToString([]byte("ops:hunter2"))
	resp := serveOnce(t, a, newReq("GET", "/admin/health", httpparser.Header{"authorization": "Basic " + creds}), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("resp = %q, want 200 prefix", resp)
	}
}

func TestBasicAuthRejectsWrongPassword(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{Users: map[string]string{"ops": "hunter2"}}))
	a := New(Deps{Store: store, Router: router.New(store)})

	creds := base64.StdEncoding.EncodeToString([]byte("ops:wrong"))
	resp := serveOnce(t, a, newReq("GET", "/admin/health", httpparser.Header{"authorization": "Basic " + creds}), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 401") {
		t.Errorf("resp = %q, want 401 prefix", resp)
	}
}

func TestReloadPublishesNewSnapshot(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	r := router.New(store)
	a := New(Deps{Store: store, Router: r})

	body := `{"routes":{"/api/":["http://127.0.0.1:9999"]}}`
	resp := serveOnce(t, a, newReq("POST", "/admin/reload", nil), body)
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("resp = %q, want 200 prefix", resp)
	}
	if got := r.Resolve("", "/api/x"); len(got) != 1 || got[0] != "http://127.0.0.1:9999" {
		t.Errorf("Resolve after reload = %v", got)
	}
}

func TestReloadRejectsInvalidJSON(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	a := New(Deps{Store: store, Router: router.New(store)})

	resp := serveOnce(t, a, newReq("POST", "/admin/reload", nil), "not json")
	if !strings.HasPrefix(resp, "HTTP/1.1 400") {
		t.Errorf("resp = %q, want 400 prefix", resp)
	}
}

func TestCircuitResetAllAndOne(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1})
	a := New(Deps{Store: store, Router: router.New(store), Breakers: registry})

	resp := serveOnce(t, a, newReq("POST", "/admin/circuit/reset", nil), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("resp = %q, want 200 prefix", resp)
	}

	resp = serveOnce(t, a, newReq("POST", "/admin/circuit/reset?backend=http://b", nil), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("resp = %q, want 200 prefix", resp)
	}
}

func TestRateLimitReset(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	limiter := ratelimit.New(ratelimit.Config{})
	defer limiter.Stop()
	a := New(Deps{Store: store, Router: router.New(store), Limiter: limiter})

	resp := serveOnce(t, a, newReq("POST", "/admin/ratelimit/reset", nil), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Errorf("resp = %q, want 200 prefix", resp)
	}
}

func TestMetricsEndpointReturnsPrometheusExposition(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	m := metrics.New()
	m.RequestsTotal.Inc()
	a := New(Deps{Store: store, Router: router.New(store), Metrics: m})

	resp := serveOnce(t, a, newReq("GET", "/admin/metrics", nil), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("resp = %q, want 200 prefix", resp)
	}
	if !strings.Contains(resp, "frontdoor_requests_total") {
		t.Errorf("resp missing metric name: %q", resp)
	}
}

func TestUnknownAdminPathReturns404(t *testing.T) {
	store := config.NewStore(testSnapshot(config.AdminAuthConfig{}))
	a := New(Deps{Store: store, Router: router.New(store)})

	resp := serveOnce(t, a, newReq("GET", "/admin/does-not-exist", nil), "")
	if !strings.HasPrefix(resp, "HTTP/1.1 404") {
		t.Errorf("resp = %q, want 404 prefix", resp)
	}
}
