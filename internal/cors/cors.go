// Package cors computes CORS response headers from an
// internal/config.CORSConfig and a parsed request's headers. It has no
// teacher analogue; the policy follows the spec's configured-origin-set
// model rather than net/http's CORS middleware conventions.
package cors

import (
	"strconv"
	"strings"

	"github.com/fleetproxy/frontdoor/internal/config"
)

// Policy evaluates one route's CORS configuration against individual
// requests. Construction rejects allow_credentials combined with a
// wildcard origin; internal/config already enforces this at parse time,
// so New only re-asserts it defensively for callers that build a Policy
// directly.
type Policy struct {
	cfg config.CORSConfig
}

// New builds a Policy from cfg. It returns an error if allow_credentials
// is set together with a wildcard origin, which cookies-bearing preflight
// responses must never advertise.
func New(cfg config.CORSConfig) (*Policy, error) {
	if cfg.AllowCredentials && cfg.AllowAllOrigins {
		return nil, errWildcardWithCredentials
	}
	return &Policy{cfg: cfg}, nil
}

var errWildcardWithCredentials = &wildcardCredentialsError{}

type wildcardCredentialsError struct{}

func (*wildcardCredentialsError) Error() string {
	return "cors: allow_credentials cannot be combined with a wildcard origin"
}

// IsPreflight reports whether a request is a CORS preflight: method
// OPTIONS with both Origin and Access-Control-Request-Method present.
func IsPreflight(method string, headers map[string]string) bool {
	if !strings.EqualFold(method, "OPTIONS") {
		return false
	}
	_, hasOrigin := headers["origin"]
	_, hasACRM := headers["access-control-request-method"]
	return hasOrigin && hasACRM
}

// Response is the set of CORS headers to attach to an HTTP response.
// A zero-value Response (Headers == nil) means no CORS headers apply —
// the origin was not allowed, or CORS is disabled.
type Response struct {
	Headers map[string]string
}

func (r Response) empty() bool {
	return len(r.Headers) == 0
}

// Preflight computes the full response for a preflight request, given the
// Origin, Access-Control-Request-Headers, and Access-Control-Request-Method
// header values already extracted by the caller.
func (p *Policy) Preflight(origin, requestHeaders, requestMethod string) Response {
	if !p.cfg.Enabled || !p.originAllowed(origin) {
		return Response{}
	}

	headers := map[string]string{}
	headers["Access-Control-Allow-Origin"] = p.allowOriginValue(origin)
	if p.cfg.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}

	if len(p.cfg.AllowedMethods) > 0 {
		headers["Access-Control-Allow-Methods"] = strings.Join(p.cfg.AllowedMethods, ", ")
	} else {
		headers["Access-Control-Allow-Methods"] = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}

	if len(p.cfg.AllowedHeaders) > 0 {
		headers["Access-Control-Allow-Headers"] = strings.Join(p.cfg.AllowedHeaders, ", ")
	} else if requestHeaders != "" {
		headers["Access-Control-Allow-Headers"] = requestHeaders
	}

	if p.cfg.MaxAgeSeconds > 0 {
		headers["Access-Control-Max-Age"] = strconv.Itoa(p.cfg.MaxAgeSeconds)
	}

	return Response{Headers: headers}
}

// Simple computes the headers to attach to a non-preflight response when
// origin is present and allowed.
func (p *Policy) Simple(origin string) Response {
	if !p.cfg.Enabled || origin == "" || !p.originAllowed(origin) {
		return Response{}
	}

	headers := map[string]string{}
	headers["Access-Control-Allow-Origin"] = p.allowOriginValue(origin)
	if p.cfg.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}
	if len(p.cfg.ExposedHeaders) > 0 {
		headers["Access-Control-Expose-Headers"] = strings.Join(p.cfg.ExposedHeaders, ", ")
	}
	if !p.cfg.AllowAllOrigins {
		headers["Vary"] = "Origin"
	}
	return Response{Headers: headers}
}

// allowOriginValue returns "*" when every origin is allowed and
// credentials aren't in play (New already rejects that combination), and
// the literal origin otherwise — reflecting the origin is required once
// credentials or an explicit allow-list are involved.
func (p *Policy) allowOriginValue(origin string) string {
	if p.cfg.AllowAllOrigins {
		return "*"
	}
	return origin
}

func (p *Policy) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if p.cfg.AllowAllOrigins {
		return true
	}
	for _, o := range p.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}
