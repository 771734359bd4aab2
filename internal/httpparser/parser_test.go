package httpparser

import "testing"

func TestParseSimpleRequest(t *testing.T) {
	buf := []byte("GET /api/x HTTP/1.1\r\nHost: any\r\n\r\n")
	req, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Method != "GET" || req.Path != "/api/x" || req.Version != "HTTP/1.1" {
		t.Errorf("request line = %+v", req)
	}
	if req.Headers.Get("host") != "any" {
		t.Errorf("Host header = %q", req.Headers.Get("host"))
	}
	if req.HeaderByteLength != len(buf) {
		t.Errorf("HeaderByteLength = %d, want %d", req.HeaderByteLength, len(buf))
	}
}

func TestParseNeedsMore(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: any\r\n")
	_, err := Parse(buf)
	if err != ErrNeedMore {
		t.Errorf("err = %v, want ErrNeedMore", err)
	}
}

func TestParseMalformedRequestLine(t *testing.T) {
	buf := []byte("GET /\r\n\r\n")
	_, err := Parse(buf)
	if err != ErrMalformed {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParseMalformedHeaderLine(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nbadheader\r\n\r\n")
	_, err := Parse(buf)
	if err != ErrMalformed {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParseContentLength(t *testing.T) {
	buf := []byte("POST /x HTTP/1.1\r\nContent-Length: 42\r\n\r\n")
	req, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.BodyLength != 42 {
		t.Errorf("BodyLength = %d, want 42", req.BodyLength)
	}
	if req.IsChunked {
		t.Error("expected IsChunked false")
	}
}

func TestParseChunkedWinsOverContentLength(t *testing.T) {
	buf := []byte("POST /x HTTP/1.1\r\nContent-Length: 42\r\nTransfer-Encoding: chunked\r\n\r\n")
	req, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !req.IsChunked {
		t.Error("expected IsChunked true")
	}
	if req.BodyLength != 0 {
		t.Errorf("BodyLength = %d, want 0 when chunked", req.BodyLength)
	}
}

func TestParseDuplicateHeaderLastWins(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nX-Foo: first\r\nX-Foo: second\r\n\r\n")
	req, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := req.Headers.Get("x-foo"); got != "second" {
		t.Errorf("X-Foo = %q, want second (last occurrence wins)", got)
	}
}

func TestParseHeaderNameCaseInsensitive(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHOST: any\r\n\r\n")
	req, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Headers.Get("host") != "any" {
		t.Error("expected case-insensitive header lookup")
	}
}

func TestParseResidualBodyBytesAfterHeaders(t *testing.T) {
	buf := []byte("POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	req, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	residual := buf[req.HeaderByteLength:]
	if string(residual) != "hello" {
		t.Errorf("residual body = %q", residual)
	}
}

func TestKeepAliveDefaults(t *testing.T) {
	http11 := &Request{Version: "HTTP/1.1", Headers: Header{}}
	if !http11.KeepAlive() {
		t.Error("HTTP/1.1 with no Connection header should default to keep-alive")
	}
	http10 := &Request{Version: "HTTP/1.0", Headers: Header{}}
	if http10.KeepAlive() {
		t.Error("HTTP/1.0 with no Connection header should default to close")
	}
	explicitClose := &Request{Version: "HTTP/1.1", Headers: Header{"connection": "close"}}
	if explicitClose.KeepAlive() {
		t.Error("Connection: close should override the HTTP/1.1 default")
	}
}
