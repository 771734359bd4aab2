package relay

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/health"
	"github.com/fleetproxy/frontdoor/internal/httpparser"
)

// fakeBackend starts a listener that accepts one connection, responds with
// a fixed byte sequence, then closes it. It returns the backend URL.
func fakeBackend(t *testing.T, response string) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf) // drain the forwarded request
		_, _ = conn.Write([]byte(response))
	}()
	return "http://" + ln.Addr().String(), func() { ln.Close() }
}

func TestForwardRelaysContentLengthResponse(t *testing.T) {
	backend, closeFn := fakeBackend(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	defer closeFn()

	clientReader, clientWriter := net.Pipe()
	defer clientReader.Close()
	defer clientWriter.Close()

	rl := New(Config{}, nil, nil)
	req := &httpparser.Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}

	done := make(chan struct{})
	var result Result
	var relayErr error
	go func() {
		result, relayErr = rl.Forward(clientWriter, backend, req, []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil, nil)
		close(done)
	}()

	// net.Pipe is unbuffered and Forward writes the head and the body in
	// separate writes, so keep reading until the body has arrived.
	var received []byte
	buf := make([]byte, 100)
	clientReader.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !strings.HasSuffix(string(received), "hello") {
		n, err := clientReader.Read(buf)
		received = append(received, buf[:n]...)
		if err != nil {
			break
		}
	}
	clientReader.Close()
	<-done

	if relayErr != nil {
		t.Fatalf("Forward error: %v", relayErr)
	}
	if result.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if !strings.Contains(string(received), "hello") {
		t.Errorf("client did not receive body, got %q", received)
	}
}

func TestForwardSplicesExtraResponseHeaders(t *testing.T) {
	backend, closeFn := fakeBackend(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	defer closeFn()

	clientReader, clientWriter := net.Pipe()
	defer clientReader.Close()
	defer clientWriter.Close()

	rl := New(Config{}, nil, nil)
	req := &httpparser.Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}

	done := make(chan struct{})
	go func() {
		_, _ = rl.Forward(clientWriter, backend, req, []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil,
			map[string]string{"Access-Control-Allow-Origin": "https://example.com"})
		close(done)
	}()

	// Head and body arrive in separate writes over the unbuffered pipe.
	var received []byte
	buf := make([]byte, 200)
	clientReader.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !strings.HasSuffix(string(received), "ok") {
		n, err := clientReader.Read(buf)
		received = append(received, buf[:n]...)
		if err != nil {
			break
		}
	}
	clientReader.Close()
	<-done

	got := string(received)
	if !strings.Contains(got, "Access-Control-Allow-Origin: https://example.com\r\n") {
		t.Errorf("response missing spliced CORS header, got %q", got)
	}
	if !strings.Contains(got, "Content-Length: 2\r\n") {
		t.Errorf("response lost original header, got %q", got)
	}
	if !strings.Contains(got, "ok") {
		t.Errorf("response lost body, got %q", got)
	}
}

func TestSpliceHeadersPreservesStatusLineAndBody(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	spliced := spliceHeaders(raw, map[string]string{"X-Extra": "1"})
	if !strings.HasPrefix(string(spliced), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line changed: %q", spliced)
	}
	if !strings.Contains(string(spliced), "X-Extra: 1\r\n") {
		t.Errorf("missing spliced header: %q", spliced)
	}
	if !strings.HasSuffix(string(spliced), "\r\n\r\nok") {
		t.Errorf("lost terminating blank line or body: %q", spliced)
	}
}

func TestForwardReportsFailureToCircuitBreaker(t *testing.T) {
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1})
	rl := New(Config{ConnectTimeout: 50 * time.Millisecond}, nil, registry)

	_, clientWriter := net.Pipe()
	defer clientWriter.Close()

	req := &httpparser.Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}
	_, err := rl.Forward(clientWriter, "http://127.0.0.1:1", req, []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil, nil)
	if err == nil {
		t.Fatal("expected dial failure against an unreachable backend")
	}
	if registry.Get("http://127.0.0.1:1").State() != circuitbreaker.StateOpen {
		t.Error("expected circuit breaker to open after the reported failure")
	}
}

func TestForwardReportsPassiveHealth(t *testing.T) {
	backend, closeFn := fakeBackend(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	defer closeFn()

	checker := health.New(health.Config{FailureThreshold: 1}, nil)

	rl := New(Config{}, checker, nil)
	clientReader, clientWriter := net.Pipe()
	defer clientReader.Close()
	defer clientWriter.Close()

	req := &httpparser.Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}
	// Passive recording only matters for a backend the checker is tracking;
	// an untracked backend always reports healthy, which we exercise here
	// just to confirm Forward doesn't panic when health is wired in.
	go func() {
		buf := make([]byte, 64)
		_, _ = clientReader.Read(buf)
	}()
	if _, err := rl.Forward(clientWriter, backend, req, []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil, nil); err != nil {
		t.Fatalf("Forward error: %v", err)
	}
}

func TestCopyChunkedForwardsFramingVerbatim(t *testing.T) {
	input := "5\r\nhello\r\n0\r\n\r\n"
	var out bytes.Buffer
	if err := CopyChunked(&out, bufio.NewReader(strings.NewReader(input))); err != nil {
		t.Fatalf("CopyChunked error: %v", err)
	}
	if out.String() != input {
		t.Errorf("CopyChunked output = %q, want %q", out.String(), input)
	}
}

func TestStreamBodyEnforcesContentLengthLimit(t *testing.T) {
	head := responseHead{hasLength: true, contentLength: 1000}
	var out bytes.Buffer
	err := streamBody(&out, bufio.NewReader(strings.NewReader("irrelevant")), head, 10)
	if err == nil {
		t.Fatal("expected error when Content-Length exceeds max_response_bytes")
	}
}

func TestStreamBodyPassesThroughWithinLimit(t *testing.T) {
	head := responseHead{hasLength: true, contentLength: 5}
	var out bytes.Buffer
	if err := streamBody(&out, bufio.NewReader(strings.NewReader("hello")), head, 100); err != nil {
		t.Fatalf("streamBody error: %v", err)
	}
	if out.String() != "hello" {
		t.Errorf("out = %q, want hello", out.String())
	}
}

func TestReadResponseHeadParsesStatusAndFraming(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nContent-Length: 3\r\nConnection: close\r\n\r\n"
	status, head, err := readResponseHead(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readResponseHead error: %v", err)
	}
	if status != 404 {
		t.Errorf("status = %d, want 404", status)
	}
	if head.contentLength != 3 || !head.hasLength {
		t.Errorf("contentLength = %d hasLength=%v, want 3 true", head.contentLength, head.hasLength)
	}
	if head.keepAlive {
		t.Error("expected keepAlive=false when Connection: close is present")
	}
}
