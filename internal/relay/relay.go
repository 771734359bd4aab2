// Package relay implements UpstreamRelay: given a chosen backend and an
// already-parsed client request, it dials the backend, forwards the
// request bytes, streams the response back, and reports the outcome to
// internal/health and internal/circuitbreaker. It replaces
// net/http/httputil.ReverseProxy with a raw byte pump so framing
// (chunked vs. Content-Length) is honored independently in each
// direction, which httputil.ReverseProxy's single http.Request/Response
// model doesn't expose control over.
package relay

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/health"
	"github.com/fleetproxy/frontdoor/internal/httpparser"
	"github.com/fleetproxy/frontdoor/internal/proxyerrors"
)

// Limits bounds the bytes a relay will move for one exchange.
type Limits struct {
	MaxResponseBytes int64
	BufferBytes      int
}

// Config tunes a Relay.
type Config struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Limits         Limits
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Limits.MaxResponseBytes <= 0 {
		c.Limits.MaxResponseBytes = 100 << 20
	}
	if c.Limits.BufferBytes <= 0 {
		c.Limits.BufferBytes = 64 << 10
	}
	return c
}

// Relay forwards one request/response exchange between a client connection
// and a chosen backend, reporting outcomes to a shared HealthChecker and
// per-backend CircuitBreaker.
type Relay struct {
	cfg      Config
	health   *health.Checker
	breakers *circuitbreaker.Registry
}

// New creates a Relay. health and breakers may be nil in tests that don't
// care about the reporting side-effects.
func New(cfg Config, health *health.Checker, breakers *circuitbreaker.Registry) *Relay {
	return &Relay{cfg: cfg.withDefaults(), health: health, breakers: breakers}
}

// Result describes how one exchange concluded, for the caller's keep-alive
// decision.
type Result struct {
	StatusCode      int
	ClientKeepAlive bool
}

// Forward dials backend, writes rawHeaderBytes followed by the request
// body (residualBody is whatever body bytes already arrived in the same
// read as the headers; bodyReader supplies any remainder, selected by the
// caller according to req's framing), then streams the upstream response
// to clientConn. extraResponseHeaders, if non-empty, is spliced into the
// upstream's response head before it is written to clientConn — the hook
// internal/acceptor uses to apply a CORS policy to a relayed response, not
// just to the responses the acceptor generates locally. It reports
// success/failure to the HealthChecker and the backend's CircuitBreaker
// exactly once per call.
func (rl *Relay) Forward(clientConn net.Conn, backend string, req *httpparser.Request, rawHeaderBytes, residualBody []byte, bodyReader io.Reader, extraResponseHeaders map[string]string) (Result, error) {
	var breaker *circuitbreaker.Breaker
	if rl.breakers != nil {
		breaker = rl.breakers.Get(backend)
	}
	if breaker != nil && !breaker.AllowRequest() {
		return Result{}, circuitbreaker.ErrOpen
	}

	result, err := rl.forward(clientConn, backend, req, rawHeaderBytes, residualBody, bodyReader, extraResponseHeaders)

	if breaker != nil {
		breaker.RecordResult(err)
	}
	if rl.health != nil {
		rl.health.RecordPassive(backend, err == nil)
	}
	return result, err
}

func (rl *Relay) forward(clientConn net.Conn, backend string, req *httpparser.Request, rawHeaderBytes, residualBody []byte, bodyReader io.Reader, extraResponseHeaders map[string]string) (Result, error) {
	upstream, err := rl.dial(backend)
	if err != nil {
		return Result{}, proxyerrors.Wrap(err, proxyerrors.ErrUpstreamConnect, "dial backend")
	}
	defer upstream.Close()

	deadline := time.Now().Add(rl.cfg.RequestTimeout)
	_ = upstream.SetDeadline(deadline)

	if err := rl.sendRequest(upstream, req, rawHeaderBytes, residualBody, bodyReader); err != nil {
		return Result{}, proxyerrors.Wrap(err, proxyerrors.ErrUpstreamStream, "forward request")
	}

	reader := bufio.NewReaderSize(upstream, rl.cfg.Limits.BufferBytes)
	status, resp, err := readResponseHead(reader)
	if err != nil {
		return Result{}, proxyerrors.Wrap(err, proxyerrors.ErrUpstreamStream, "read response head")
	}
	head := resp.rawHead
	if len(extraResponseHeaders) > 0 {
		head = spliceHeaders(head, extraResponseHeaders)
	}

	if _, err := clientConn.Write(head); err != nil {
		return Result{}, proxyerrors.Wrap(err, proxyerrors.ErrUpstreamStream, "write response head to client")
	}

	if err := streamBody(clientConn, reader, resp, rl.cfg.Limits.MaxResponseBytes); err != nil {
		return Result{}, proxyerrors.Wrap(err, proxyerrors.ErrUpstreamStream, "stream response body")
	}

	return Result{StatusCode: status, ClientKeepAlive: req.KeepAlive() && resp.keepAlive}, nil
}

func (rl *Relay) dial(backend string) (net.Conn, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if u.Port() == "" {
		defaultPort := "80"
		if u.Scheme == "https" {
			defaultPort = "443"
		}
		host = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	dialer := &net.Dialer{Timeout: rl.cfg.ConnectTimeout}
	if u.Scheme == "https" {
		return tls.DialWithDialer(dialer, "tcp", host, &tls.Config{ServerName: u.Hostname()})
	}
	return dialer.Dial("tcp", host)
}

// sendRequest writes the original request bytes unchanged, then pumps any
// remaining body bytes per the framing rules: residualBody is whatever
// already arrived buffered with the headers, and bodyReader (if non-nil)
// supplies the rest read live off the client connection.
func (rl *Relay) sendRequest(upstream net.Conn, req *httpparser.Request, rawHeaderBytes, residualBody []byte, bodyReader io.Reader) error {
	if _, err := upstream.Write(rawHeaderBytes); err != nil {
		return err
	}
	if len(residualBody) > 0 {
		if _, err := upstream.Write(residualBody); err != nil {
			return err
		}
	}
	if bodyReader == nil {
		return nil
	}
	_, err := io.Copy(upstream, bodyReader)
	return err
}
