// Package config parses the JSON routing configuration document into an
// immutable Snapshot and publishes it to all readers through a Store.
//
// rawConfig below mirrors the full JSON option table.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadBalancerAlgorithm names the three supported backend-selection
// strategies.
type LoadBalancerAlgorithm string

const (
	RoundRobin       LoadBalancerAlgorithm = "round-robin"
	LeastConnections LoadBalancerAlgorithm = "least-connections"
	IPHash           LoadBalancerAlgorithm = "ip-hash"
)

// RateLimitStrategy names the three interchangeable rate-limit algorithms.
type RateLimitStrategy string

const (
	TokenBucket   RateLimitStrategy = "token-bucket"
	SlidingWindow RateLimitStrategy = "sliding-window"
	FixedWindow   RateLimitStrategy = "fixed-window"
)

// RateLimiterConfig holds the rate limiter's tuning knobs.
type RateLimiterConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	Strategy          RateLimitStrategy
	PerPath           bool // key by client_ip+path instead of client_ip alone
}

// CircuitBreakerConfig holds the circuit breaker's tuning knobs.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	OpenTimeoutMS    int
	ResetTimeoutMS   int
	HalfOpenProbes   int
}

// HealthCheckConfig holds the active health checker's tuning knobs.
type HealthCheckConfig struct {
	Enabled          bool
	IntervalSeconds  int
	TimeoutSeconds   int
	FailureThreshold int
	SuccessThreshold int
	Path             string
	ExpectedStatusMin int
	ExpectedStatusMax int
}

// CORSConfig holds the CORS policy's tuning knobs.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowAllOrigins  bool
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// AdminAuthConfig holds the admin surface's authentication knobs.
type AdminAuthConfig struct {
	APIKey      string
	Users       map[string]string // username -> password
	IPWhitelist []string
}

// AdminConfig gates the admin HTTP surface.
type AdminConfig struct {
	Enabled        bool
	Authentication AdminAuthConfig
}

// TimeoutsConfig holds the connection/request/idle/keep-alive timeouts, all
// in milliseconds.
type TimeoutsConfig struct {
	ConnectionMS int
	RequestMS    int
	IdleMS       int
	KeepAliveMS  int
}

// LimitsConfig holds byte-size limits.
type LimitsConfig struct {
	MaxRequestBytes  int64
	MaxResponseBytes int64
	BufferBytes      int
}

// AutoHTTPSConfig holds the auto-HTTPS / ACME block.
type AutoHTTPSConfig struct {
	Enabled             bool
	ACMEEmail           string
	Staging             bool
	CertDir             string
	AllowedDomains      []string
	HTTPSPort           int
	HTTPToHTTPSRedirect bool
}

// Snapshot is an immutable configuration value. Once built by Parse/Load it
// is never mutated; a reload produces a new Snapshot which is published
// atomically by a Store. Any in-flight request holds a reference to the
// Snapshot it started with for its entire lifetime.
type Snapshot struct {
	Port int

	// Routes is path-prefix -> ordered backend URL list.
	Routes map[string][]string
	// DomainRoutes is lowercased host -> ordered backend URL list.
	DomainRoutes map[string][]string
	// BackendWeights is backend URL -> weight, consulted by the
	// round-robin strategy when any backend in a route has a non-default
	// weight.
	BackendWeights map[string]int

	LoadBalancerAlgorithm LoadBalancerAlgorithm

	RateLimiter    RateLimiterConfig
	CircuitBreaker CircuitBreakerConfig
	HealthCheck    HealthCheckConfig
	CORS           CORSConfig
	Admin          AdminConfig
	Timeouts       TimeoutsConfig
	Limits         LimitsConfig
	AutoHTTPS      AutoHTTPSConfig

	// sourcePath and sourceModTime are used by the Watcher to detect
	// changes; they are not part of the semantic configuration.
	sourcePath    string
	sourceModTime int64
}

// AllBackends returns the deduplicated union of every backend URL
// referenced by Routes and DomainRoutes, in first-seen order. Used by the
// Watcher to register newly-introduced backends with the HealthChecker.
func (s *Snapshot) AllBackends() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(list []string) {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	for _, list := range s.Routes {
		add(list)
	}
	for _, list := range s.DomainRoutes {
		add(list)
	}
	return out
}

// rawConfig mirrors the on-disk JSON schema. Fields use json.RawMessage or
// interface{} where the document allows more than one shape (domainRoutes
// may map to a single URL string or a list).
type rawConfig struct {
	Port           int                        `json:"port"`
	Routes         map[string][]string        `json:"routes"`
	DomainRoutes   map[string]json.RawMessage `json:"domainRoutes"`
	BackendWeights map[string]int             `json:"backendWeights"`

	LoadBalancer          string `json:"loadBalancer"`
	LoadBalancerAlgorithm string `json:"loadBalancerAlgorithm"`

	RateLimiter struct {
		Enabled           bool     `json:"enabled"`
		RequestsPerSecond *float64 `json:"requestsPerSecond"`
		BurstSize         *int     `json:"burstSize"`
		Strategy          string   `json:"strategy"`
		PerPath           bool     `json:"perPath"`
	} `json:"rateLimiter"`

	CircuitBreaker struct {
		Enabled          bool `json:"enabled"`
		FailureThreshold int  `json:"failureThreshold"`
		TimeoutMS        int  `json:"timeout"`
		OpenTimeoutMS    int  `json:"openTimeout"`
		ResetTimeoutMS   int  `json:"resetTimeout"`
		HalfOpenProbes   int  `json:"halfOpenProbes"`
	} `json:"circuitBreaker"`

	HealthCheck struct {
		Enabled           *bool  `json:"enabled"`
		IntervalSeconds   int    `json:"intervalSeconds"`
		TimeoutSeconds    int    `json:"timeoutSeconds"`
		FailureThreshold  int    `json:"failureThreshold"`
		SuccessThreshold  int    `json:"successThreshold"`
		Path              string `json:"path"`
		ExpectedStatusMin int    `json:"expectedStatusMin"`
		ExpectedStatusMax int    `json:"expectedStatusMax"`
	} `json:"healthCheck"`

	CORS struct {
		Enabled          bool     `json:"enabled"`
		AllowedOrigins   []string `json:"allowedOrigins"`
		AllowedMethods   []string `json:"allowedMethods"`
		AllowedHeaders   []string `json:"allowedHeaders"`
		ExposedHeaders   []string `json:"exposedHeaders"`
		AllowCredentials bool     `json:"allowCredentials"`
		MaxAge           int      `json:"maxAge"`
	} `json:"cors"`

	Admin struct {
		Enabled        bool `json:"enabled"`
		Authentication struct {
			APIKey      string            `json:"apiKey"`
			Users       map[string]string `json:"users"`
			IPWhitelist []string          `json:"ipWhitelist"`
		} `json:"authentication"`
	} `json:"admin"`

	Timeouts struct {
		ConnectionMS int `json:"connection"`
		RequestMS    int `json:"request"`
		IdleMS       int `json:"idle"`
		KeepAliveMS  int `json:"keepAlive"`
	} `json:"timeouts"`

	Limits struct {
		MaxRequestBytes  int64 `json:"maxRequestBytes"`
		MaxResponseBytes int64 `json:"maxResponseBytes"`
		BufferBytes      int   `json:"bufferBytes"`
	} `json:"limits"`

	AutoHTTPS struct {
		Enabled             bool     `json:"enabled"`
		ACMEEmail           string   `json:"acmeEmail"`
		Staging             bool     `json:"staging"`
		CertDir             string   `json:"certDir"`
		AllowedDomains      []string `json:"allowedDomains"`
		HTTPSPort           int      `json:"httpsPort"`
		HTTPToHTTPSRedirect bool     `json:"httpToHttpsRedirect"`
	} `json:"autoHttps"`
}

// Parse parses a JSON configuration document (already read into memory)
// into a validated Snapshot. ${NAME} substrings in string values are
// replaced with os.Getenv("NAME") before parsing; a missing variable
// leaves the literal substring untouched.
func Parse(data []byte) (*Snapshot, error) {
	expanded := expandEnv(string(data))

	var raw rawConfig
	if err := json.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	snap := &Snapshot{
		Port:           raw.Port,
		Routes:         raw.Routes,
		DomainRoutes:   make(map[string][]string, len(raw.DomainRoutes)),
		BackendWeights: raw.BackendWeights,
	}
	if snap.Port == 0 {
		snap.Port = 8080
	}
	if snap.Routes == nil {
		snap.Routes = map[string][]string{}
	}
	if snap.BackendWeights == nil {
		snap.BackendWeights = map[string]int{}
	}

	for host, rawVal := range raw.DomainRoutes {
		urls, err := decodeDomainRouteValue(rawVal)
		if err != nil {
			return nil, fmt.Errorf("domainRoutes[%s]: %w", host, err)
		}
		snap.DomainRoutes[strings.ToLower(host)] = urls
	}

	switch {
	case raw.LoadBalancerAlgorithm != "":
		snap.LoadBalancerAlgorithm = LoadBalancerAlgorithm(raw.LoadBalancerAlgorithm)
	case raw.LoadBalancer != "":
		snap.LoadBalancerAlgorithm = LoadBalancerAlgorithm(raw.LoadBalancer)
	default:
		snap.LoadBalancerAlgorithm = RoundRobin
	}
	switch snap.LoadBalancerAlgorithm {
	case RoundRobin, LeastConnections, IPHash:
	default:
		return nil, fmt.Errorf("invalid loadBalancerAlgorithm %q", snap.LoadBalancerAlgorithm)
	}

	rps := 1000.0
	if raw.RateLimiter.RequestsPerSecond != nil {
		rps = *raw.RateLimiter.RequestsPerSecond
	}
	burst := 2000
	if raw.RateLimiter.BurstSize != nil {
		burst = *raw.RateLimiter.BurstSize
	}
	snap.RateLimiter = RateLimiterConfig{
		Enabled:           raw.RateLimiter.Enabled,
		RequestsPerSecond: rps,
		BurstSize:         burst,
		Strategy:          RateLimitStrategy(strOr(raw.RateLimiter.Strategy, string(TokenBucket))),
		PerPath:           raw.RateLimiter.PerPath,
	}
	switch snap.RateLimiter.Strategy {
	case TokenBucket, SlidingWindow, FixedWindow:
	default:
		return nil, fmt.Errorf("invalid rateLimiter.strategy %q", snap.RateLimiter.Strategy)
	}

	snap.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          raw.CircuitBreaker.Enabled,
		FailureThreshold: intOr(raw.CircuitBreaker.FailureThreshold, 5),
		OpenTimeoutMS:    intOr(firstNonZero(raw.CircuitBreaker.OpenTimeoutMS, raw.CircuitBreaker.TimeoutMS), 30000),
		ResetTimeoutMS:   intOr(raw.CircuitBreaker.ResetTimeoutMS, 60000),
		HalfOpenProbes:   intOr(raw.CircuitBreaker.HalfOpenProbes, 2),
	}

	snap.HealthCheck = HealthCheckConfig{
		Enabled:           raw.HealthCheck.Enabled == nil || *raw.HealthCheck.Enabled,
		IntervalSeconds:   intOr(raw.HealthCheck.IntervalSeconds, 10),
		TimeoutSeconds:    intOr(raw.HealthCheck.TimeoutSeconds, 5),
		FailureThreshold:  intOr(raw.HealthCheck.FailureThreshold, 3),
		SuccessThreshold:  intOr(raw.HealthCheck.SuccessThreshold, 2),
		Path:              strOr(raw.HealthCheck.Path, "/"),
		ExpectedStatusMin: intOr(raw.HealthCheck.ExpectedStatusMin, 200),
		ExpectedStatusMax: intOr(raw.HealthCheck.ExpectedStatusMax, 399),
	}

	snap.CORS = CORSConfig{
		Enabled:          raw.CORS.Enabled,
		AllowedOrigins:   raw.CORS.AllowedOrigins,
		AllowedMethods:   raw.CORS.AllowedMethods,
		AllowedHeaders:   raw.CORS.AllowedHeaders,
		ExposedHeaders:   raw.CORS.ExposedHeaders,
		AllowCredentials: raw.CORS.AllowCredentials,
		MaxAgeSeconds:    raw.CORS.MaxAge,
	}
	for _, o := range snap.CORS.AllowedOrigins {
		if o == "*" {
			snap.CORS.AllowAllOrigins = true
		}
	}
	if snap.CORS.AllowCredentials && snap.CORS.AllowAllOrigins {
		return nil, fmt.Errorf("cors: allowCredentials cannot be combined with a wildcard origin")
	}

	snap.Admin = AdminConfig{
		Enabled: raw.Admin.Enabled,
		Authentication: AdminAuthConfig{
			APIKey:      raw.Admin.Authentication.APIKey,
			Users:       raw.Admin.Authentication.Users,
			IPWhitelist: raw.Admin.Authentication.IPWhitelist,
		},
	}

	snap.Timeouts = TimeoutsConfig{
		ConnectionMS: intOr(raw.Timeouts.ConnectionMS, 5000),
		RequestMS:    intOr(raw.Timeouts.RequestMS, 30000),
		IdleMS:       intOr(raw.Timeouts.IdleMS, 120000),
		KeepAliveMS:  intOr(raw.Timeouts.KeepAliveMS, 120000),
	}

	snap.Limits = LimitsConfig{
		MaxRequestBytes:  int64Or(raw.Limits.MaxRequestBytes, 10<<20),
		MaxResponseBytes: int64Or(raw.Limits.MaxResponseBytes, 100<<20),
		BufferBytes:      intOr(raw.Limits.BufferBytes, 64<<10),
	}

	snap.AutoHTTPS = AutoHTTPSConfig{
		Enabled:             raw.AutoHTTPS.Enabled,
		ACMEEmail:           raw.AutoHTTPS.ACMEEmail,
		Staging:             raw.AutoHTTPS.Staging,
		CertDir:             strOr(raw.AutoHTTPS.CertDir, "./certs"),
		AllowedDomains:      raw.AutoHTTPS.AllowedDomains,
		HTTPSPort:           intOr(raw.AutoHTTPS.HTTPSPort, 8443),
		HTTPToHTTPSRedirect: raw.AutoHTTPS.HTTPToHTTPSRedirect,
	}

	if err := validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// decodeDomainRouteValue accepts either a single URL string or a list of
// URL strings for a domainRoutes entry.
func decodeDomainRouteValue(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	return nil, fmt.Errorf("expected a URL string or list of URL strings")
}

// validate enforces the structural invariants on a parsed Snapshot:
// path prefixes start with "/" and never contain "..", every backend URL
// has an accepted scheme, file:// paths exist, and no route lists the same
// backend twice.
func validate(s *Snapshot) error {
	for prefix, urls := range s.Routes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("route prefix %q must begin with /", prefix)
		}
		if strings.Contains(prefix, "..") {
			return fmt.Errorf("route prefix %q must not contain ..", prefix)
		}
		if err := validateBackendList(urls); err != nil {
			return fmt.Errorf("route %q: %w", prefix, err)
		}
	}
	for host, urls := range s.DomainRoutes {
		if err := validateBackendList(urls); err != nil {
			return fmt.Errorf("domainRoutes %q: %w", host, err)
		}
	}
	return nil
}

func validateBackendList(urls []string) error {
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if seen[u] {
			return fmt.Errorf("duplicate backend %q", u)
		}
		seen[u] = true
		if err := validateBackendURL(u); err != nil {
			return err
		}
	}
	return nil
}

func validateBackendURL(raw string) error {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return fmt.Errorf("backend %q has no scheme", raw)
	}
	switch scheme {
	case "http", "https":
		if rest == "" {
			return fmt.Errorf("backend %q has no host", raw)
		}
	case "file":
		path := rest
		if path == "" {
			return fmt.Errorf("backend %q has no path", raw)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("backend %q: %w", raw, err)
		}
	default:
		return fmt.Errorf("backend %q has unsupported scheme %q", raw, scheme)
	}
	return nil
}

// expandEnv replaces every ${NAME} substring with the value of the
// corresponding environment variable, leaving the literal in place when the
// variable is unset. It operates on the raw JSON text so that it covers map
// keys (e.g. domainRoutes hosts) as well as string values.
func expandEnv(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if text[i] == '$' && i+1 < len(text) && text[i+1] == '{' {
			end := strings.IndexByte(text[i+2:], '}')
			if end >= 0 {
				name := text[i+2 : i+2+end]
				if v, ok := os.LookupEnv(name); ok {
					b.WriteString(v)
				} else {
					b.WriteString(text[i : i+2+end+1])
				}
				i = i + 2 + end + 1
				continue
			}
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, err
	}
	snap.sourcePath = path
	if fi, err := os.Stat(path); err == nil {
		snap.sourceModTime = fi.ModTime().UnixNano()
	}
	return snap, nil
}

func valueOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func int64Or(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func strOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

