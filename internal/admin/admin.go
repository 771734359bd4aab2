// Package admin gives the operator-facing contract of spec section 6 a
// thin, concrete HTTP binding: health snapshot, config reload, circuit
// breaker and rate limiter resets, and a Prometheus exposition endpoint.
// The teacher's balancer.startAdminServer was an unimplemented TODO stub;
// this package is the first real caller of the core operations it was
// meant to invoke.
package admin

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"strings"

	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/config"
	"github.com/fleetproxy/frontdoor/internal/health"
	"github.com/fleetproxy/frontdoor/internal/httpparser"
	"github.com/fleetproxy/frontdoor/internal/metrics"
	"github.com/fleetproxy/frontdoor/internal/ratelimit"
	"github.com/fleetproxy/frontdoor/internal/router"
)

// Deps bundles the components the admin surface invokes. Store and Router
// are required; a nil Breakers, Limiter, Health or Metrics makes the
// endpoint that uses it answer 404.
type Deps struct {
	Store    *config.Store
	Router   *router.Router
	Breakers *circuitbreaker.Registry
	Limiter  *ratelimit.Limiter
	Health   *health.Checker
	Metrics  *metrics.Metrics
}

// Admin implements acceptor.AdminHandler.
type Admin struct {
	deps Deps
}

// New creates an Admin over deps.
func New(deps Deps) *Admin {
	return &Admin{deps: deps}
}

// ServeAdmin dispatches one request under the /admin/ prefix after
// checking it against the configured authentication policy.
func (a *Admin) ServeAdmin(conn net.Conn, req *httpparser.Request, bodyReader io.Reader) {
	snap := a.deps.Store.Get()

	if !authorized(req, conn, snap.Admin.Authentication) {
		writeResponse(conn, 401, statusText(401), map[string]string{"WWW-Authenticate": `Basic realm="admin"`}, nil)
		return
	}

	path := req.Path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	switch {
	case req.Method == "GET" && path == "/admin/health":
		a.handleHealth(conn)
	case req.Method == "POST" && path == "/admin/reload":
		a.handleReload(conn, bodyReader)
	case req.Method == "POST" && path == "/admin/circuit/reset":
		a.handleCircuitReset(conn, req.Path)
	case req.Method == "POST" && path == "/admin/ratelimit/reset":
		a.handleRateLimitReset(conn)
	case req.Method == "GET" && path == "/admin/metrics":
		a.handleMetrics(conn)
	default:
		writeResponse(conn, 404, statusText(404), nil, nil)
	}
}

func (a *Admin) handleHealth(conn net.Conn) {
	if a.deps.Health == nil {
		writeResponse(conn, 404, statusText(404), nil, nil)
		return
	}
	body, err := json.Marshal(a.deps.Health.SnapshotAll())
	if err != nil {
		writeResponse(conn, 502, statusText(502), nil, nil)
		return
	}
	writeResponse(conn, 200, statusText(200), map[string]string{"Content-Type": "application/json"}, body)
}

func (a *Admin) handleReload(conn net.Conn, bodyReader io.Reader) {
	raw, err := io.ReadAll(bodyReader)
	if err != nil {
		writeResponse(conn, 400, statusText(400), nil, nil)
		return
	}
	if err := a.deps.Router.ReloadConfig(raw); err != nil {
		writeResponse(conn, 400, statusText(400), map[string]string{"Content-Type": "text/plain"}, []byte(err.Error()))
		return
	}
	writeResponse(conn, 200, statusText(200), map[string]string{"Content-Type": "application/json"}, []byte(`{"status":"reloaded"}`))
}

func (a *Admin) handleCircuitReset(conn net.Conn, rawPath string) {
	if a.deps.Breakers == nil {
		writeResponse(conn, 404, statusText(404), nil, nil)
		return
	}
	backend := queryParam(rawPath, "backend")
	if backend == "" {
		a.deps.Breakers.ResetAll()
	} else {
		a.deps.Breakers.ResetOne(backend)
	}
	writeResponse(conn, 200, statusText(200), map[string]string{"Content-Type": "application/json"}, []byte(`{"status":"reset"}`))
}

func (a *Admin) handleRateLimitReset(conn net.Conn) {
	if a.deps.Limiter == nil {
		writeResponse(conn, 404, statusText(404), nil, nil)
		return
	}
	a.deps.Limiter.Reset()
	writeResponse(conn, 200, statusText(200), map[string]string{"Content-Type": "application/json"}, []byte(`{"status":"reset"}`))
}

func (a *Admin) handleMetrics(conn net.Conn) {
	if a.deps.Metrics == nil {
		writeResponse(conn, 404, statusText(404), nil, nil)
		return
	}
	body, contentType, err := gatherMetrics(a.deps.Metrics)
	if err != nil {
		writeResponse(conn, 502, statusText(502), nil, nil)
		return
	}
	writeResponse(conn, 200, statusText(200), map[string]string{"Content-Type": contentType}, body)
}

func queryParam(rawPath, key string) string {
	i := strings.IndexByte(rawPath, '?')
	if i < 0 {
		return ""
	}
	query := rawPath[i+1:]
	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}
	return ""
}

func authorized(req *httpparser.Request, conn net.Conn, auth config.AdminAuthConfig) bool {
	if auth.APIKey == "" && len(auth.Users) == 0 && len(auth.IPWhitelist) == 0 {
		return true
	}

	if len(auth.IPWhitelist) > 0 {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			host = conn.RemoteAddr().String()
		}
		for _, allowed := range auth.IPWhitelist {
			if allowed == host {
				return true
			}
		}
	}

	if auth.APIKey != "" {
		if key := req.Headers.Get("x-api-key"); constantTimeEqual(key, auth.APIKey) {
			return true
		}
	}

	if len(auth.Users) > 0 {
		user, pass, ok := basicAuth(req)
		if ok {
			if want, exists := auth.Users[user]; exists && constantTimeEqual(pass, want) {
				return true
			}
		}
	}

	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func basicAuth(req *httpparser.Request) (user, pass string, ok bool) {
	header := req.Headers.Get("authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decodedBytes, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decodedBytes), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
