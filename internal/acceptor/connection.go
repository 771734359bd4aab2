package acceptor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/config"
	"github.com/fleetproxy/frontdoor/internal/cors"
	"github.com/fleetproxy/frontdoor/internal/httpparser"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

var errConnClosed = errors.New("connection closed")

// driveConnection implements the ConnectionDriver contract for one accepted
// connection: read a request, buffer its body (bounded by
// max_request_bytes), run the policy chain, resolve and relay (or
// short-circuit), and loop for the next pipelined request until the
// connection closes. Any bytes read past the current request's body
// (pipelined ahead of the client receiving a response) are carried into
// the next iteration rather than discarded.
func driveConnection(conn net.Conn, deps Deps, isTLS bool) {
	defer conn.Close()

	if deps.Metrics != nil {
		deps.Metrics.ActiveConnections.Inc()
		defer deps.Metrics.ActiveConnections.Dec()
	}

	var carry []byte
	readChunk := make([]byte, 4096)

	for {
		snap := deps.Store.Get()
		idleTimeout := time.Duration(snap.Timeouts.IdleMS) * time.Millisecond
		requestTimeout := time.Duration(snap.Timeouts.RequestMS) * time.Millisecond

		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		req, residual, err := readRequestHead(conn, carry, readChunk, snap.Limits)
		if err != nil {
			if err != errConnClosed {
				log.Printf("acceptor: %v from %s", err, conn.RemoteAddr())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))

		if !req.IsChunked && req.BodyLength > snap.Limits.MaxRequestBytes {
			writeResponse(conn, 413, statusText(413), nil, nil)
			return
		}

		body, leftover, err := readRequestBody(conn, req, residual, snap.Limits.MaxRequestBytes)
		if err != nil {
			log.Printf("acceptor: reading request body from %s: %v", conn.RemoteAddr(), err)
			writeResponse(conn, 400, statusText(400), nil, nil)
			return
		}
		carry = leftover

		keepAlive := handleRequest(conn, deps, snap, req, body, isTLS)
		if !keepAlive {
			return
		}
	}
}

// readRequestHead reads from conn (seeded with any carry bytes left over
// from the previous request) until a complete header section is parsed, the
// configured buffer is exhausted (malformed request), or the connection
// errors/closes. It returns the parsed request and whatever bytes beyond
// the header section already arrived in the same reads.
func readRequestHead(conn net.Conn, carry []byte, readChunk []byte, limits config.LimitsConfig) (*httpparser.Request, []byte, error) {
	maxBytes := limits.BufferBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}

	buf := append([]byte(nil), carry...)
	if len(buf) > 0 {
		if req, perr := httpparser.Parse(buf); perr == nil {
			return req, buf[req.HeaderByteLength:], nil
		}
	}

	for {
		n, err := conn.Read(readChunk)
		if n > 0 {
			buf = append(buf, readChunk[:n]...)
			req, perr := httpparser.Parse(buf)
			if perr == nil {
				return req, buf[req.HeaderByteLength:], nil
			}
			if perr != httpparser.ErrNeedMore {
				writeResponse(conn, 400, statusText(400), nil, nil)
				return nil, nil, perr
			}
		}
		if len(buf) >= maxBytes {
			writeResponse(conn, 400, statusText(400), nil, nil)
			return nil, nil, httpparser.ErrMalformed
		}
		if err != nil {
			if err == io.EOF {
				return nil, nil, errConnClosed
			}
			return nil, nil, err
		}
	}
}

// readRequestBody returns the complete request body and any bytes already
// read past it (the start of the next pipelined request, if any). Chunked
// bodies are decoded far enough to find the terminating zero-length chunk
// and any trailers, but the returned bytes preserve the original chunk
// framing verbatim so the relay forwards it unchanged.
func readRequestBody(conn net.Conn, req *httpparser.Request, residual []byte, maxBytes int64) (body, leftover []byte, err error) {
	if req.IsChunked {
		br := bufio.NewReader(io.MultiReader(bytes.NewReader(residual), conn))
		raw, err := readChunkedBodyRaw(br, maxBytes)
		if err != nil {
			return nil, nil, err
		}
		if n := br.Buffered(); n > 0 {
			peeked, _ := br.Peek(n)
			leftover = append([]byte(nil), peeked...)
		}
		return raw, leftover, nil
	}

	if int64(len(residual)) >= req.BodyLength {
		return residual[:req.BodyLength], append([]byte(nil), residual[req.BodyLength:]...), nil
	}

	rest := make([]byte, req.BodyLength-int64(len(residual)))
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, nil, err
	}
	return append(append([]byte(nil), residual...), rest...), nil, nil
}

// readChunkedBodyRaw copies a chunked-transfer-encoded body through
// verbatim into memory, bounded by maxBytes, stopping after the
// terminating zero-length chunk and any trailers.
func readChunkedBodyRaw(src *bufio.Reader, maxBytes int64) ([]byte, error) {
	var out bytes.Buffer
	limited := &limitedWriter{w: &out, remaining: maxBytes}
	if err := copyChunkedBody(limited, src); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, fmt.Errorf("acceptor: chunked request body exceeds max_request_bytes")
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

// copyChunkedBody mirrors internal/relay's CopyChunked (chunk-size line,
// data, CRLF, passed through unchanged) but reads from a plain
// *bufio.Reader rather than requiring the relay package's response-framing
// types, since this is decoding a request body, not a response.
func copyChunkedBody(dst io.Writer, src *bufio.Reader) error {
	for {
		sizeLine, err := src.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := dst.Write([]byte(sizeLine)); err != nil {
			return err
		}

		sizeField := strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return fmt.Errorf("acceptor: bad chunk size %q: %w", sizeField, err)
		}
		if size == 0 {
			return copyChunkedTrailers(dst, src)
		}

		if _, err := io.CopyN(dst, src, size); err != nil {
			return err
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(src, crlf); err != nil {
			return err
		}
		if _, err := dst.Write(crlf); err != nil {
			return err
		}
	}
}

func copyChunkedTrailers(dst io.Writer, src *bufio.Reader) error {
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := dst.Write([]byte(line)); err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// handleRequest runs the policy chain for one already-parsed request (whose
// body has already been fully read into body) and returns whether the
// connection should stay open for the next request.
func handleRequest(conn net.Conn, deps Deps, snap *config.Snapshot, req *httpparser.Request, body []byte, isTLS bool) bool {
	clientIP := clientIPOf(conn)

	if strings.HasPrefix(req.Path, acmeChallengePrefix) {
		serveACMEChallenge(conn, deps, req)
		return req.KeepAlive()
	}

	if !isTLS && snap.AutoHTTPS.Enabled && snap.AutoHTTPS.HTTPToHTTPSRedirect {
		writeResponse(conn, 301, statusText(301), map[string]string{
			"Location": httpsRedirectLocation(req, snap.AutoHTTPS.HTTPSPort),
		}, nil)
		return req.KeepAlive()
	}

	if strings.HasPrefix(req.Path, "/admin/") {
		if deps.Admin != nil && snap.Admin.Enabled {
			deps.Admin.ServeAdmin(conn, req, bytes.NewReader(body))
		} else {
			writeResponse(conn, 404, statusText(404), nil, nil)
		}
		return req.KeepAlive()
	}

	if snap.RateLimiter.Enabled && deps.Limiter != nil {
		key := clientIP
		if snap.RateLimiter.PerPath {
			key = clientIP + ":" + req.Path
		}
		if !deps.Limiter.Allow(key) {
			if deps.Metrics != nil {
				deps.Metrics.IncRateLimitRejection(key)
			}
			retryAfter := deps.Limiter.RetryAfter(key)
			writeResponse(conn, 429, statusText(429), map[string]string{
				"Retry-After": strconv.Itoa(int(retryAfter.Seconds())),
			}, nil)
			return req.KeepAlive()
		}
	}

	var corsResponse cors.Response
	if snap.CORS.Enabled {
		policy, err := cors.New(snap.CORS)
		if err == nil {
			origin := req.Headers.Get("origin")
			acrm := req.Headers.Get("access-control-request-method")
			headerMap := map[string]string{"origin": origin, "access-control-request-method": acrm}
			if cors.IsPreflight(req.Method, headerMap) {
				resp := policy.Preflight(origin, req.Headers.Get("access-control-request-headers"), acrm)
				writeResponse(conn, 204, statusText(204), resp.Headers, nil)
				return req.KeepAlive()
			}
			corsResponse = policy.Simple(origin)
		}
	}

	candidates := deps.Router.Resolve(req.Headers.Get("host"), req.Path)
	if len(candidates) == 0 {
		writeResponse(conn, 404, statusText(404), corsResponse.Headers, nil)
		return req.KeepAlive()
	}

	healthy := candidates
	if deps.Health != nil {
		healthy = deps.Health.Filter(candidates)
	}
	backend, ok := deps.Balancer.Select(req.Path, healthy, candidates, clientIP)
	if !ok {
		writeResponse(conn, 404, statusText(404), corsResponse.Headers, nil)
		return req.KeepAlive()
	}

	if strings.HasPrefix(backend, "file://") {
		root := strings.TrimPrefix(backend, "file://")
		if err := serveStatic(conn, root, req); err != nil {
			return false
		}
		return req.KeepAlive()
	}

	if deps.Metrics != nil {
		deps.Metrics.RequestsTotal.Inc()
	}

	deps.Balancer.ConnOpened(backend)
	defer deps.Balancer.ConnClosed(backend)

	start := time.Now()
	result, err := deps.Relay.Forward(conn, backend, req, rawHeaderBytesOf(req), body, nil, corsResponse.Headers)
	if deps.Metrics != nil {
		deps.Metrics.ResponseTime.Observe(time.Since(start).Seconds())
	}
	if deps.Metrics != nil && deps.Breakers != nil {
		deps.Metrics.SetCircuitState(backend, deps.Breakers.Get(backend).State().String())
	}
	if err != nil {
		if deps.Metrics != nil {
			deps.Metrics.ErrorsTotal.Inc()
		}
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			writeResponse(conn, 503, statusText(503), corsResponse.Headers, nil)
		default:
			writeResponse(conn, 502, statusText(502), corsResponse.Headers, nil)
		}
		return false
	}

	return req.KeepAlive() && result.ClientKeepAlive
}

// rawHeaderBytesOf reconstructs the request line and headers for
// relay.Forward to replay to the backend. httpparser.Request does not
// retain the original byte slice (headers are materialized into a map), so
// the driver rebuilds the wire form from the parsed fields rather than
// re-slicing its read buffer.
func rawHeaderBytesOf(req *httpparser.Request) []byte {
	var b bytes.Buffer
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Path)
	b.WriteByte(' ')
	b.WriteString(req.Version)
	b.WriteString("\r\n")
	for name, value := range req.Headers {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func serveACMEChallenge(conn net.Conn, deps Deps, req *httpparser.Request) {
	if deps.Challenge == nil {
		writeResponse(conn, 404, statusText(404), nil, nil)
		return
	}
	token := strings.TrimPrefix(req.Path, acmeChallengePrefix)
	keyAuth, ok := deps.Challenge.Lookup(token)
	if !ok {
		writeResponse(conn, 404, statusText(404), nil, nil)
		return
	}
	writeResponse(conn, 200, statusText(200), map[string]string{"Content-Type": "text/plain"}, []byte(keyAuth))
}

// httpsRedirectLocation builds the Location header for the plaintext ->
// TLS redirect: the client's Host header (port stripped), re-pointed at
// httpsPort unless it's the default 443, followed by the original path
// and query string.
func httpsRedirectLocation(req *httpparser.Request, httpsPort int) string {
	host := req.Headers.Get("host")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if httpsPort != 0 && httpsPort != 443 {
		host = net.JoinHostPort(host, strconv.Itoa(httpsPort))
	}
	return "https://" + host + req.Path
}

func clientIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
