// Package httpparser implements the minimal HTTP/1.1 request-line and
// header parser used by the connection driver. It is deliberately not a
// general-purpose HTTP library: it classifies exactly as much of a request
// as the proxy needs to route it and relay its body.
package httpparser

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// ErrNeedMore is returned when buf does not yet contain a complete header
// section (no "\r\n\r\n" found). The caller should read more bytes and call
// Parse again with the larger buffer.
var ErrNeedMore = errors.New("httpparser: need more data")

// ErrMalformed is returned when the header section is present but cannot be
// parsed as a valid request line plus headers.
var ErrMalformed = errors.New("httpparser: malformed request")

const headerTerminator = "\r\n\r\n"

// Request is the parsed, immutable view of one HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string // raw, including query string
	Version string

	// Headers preserves case-insensitive lookup; a duplicate header name
	// keeps only the last occurrence.
	Headers Header

	BodyLength      int64
	IsChunked       bool
	HeaderByteLength int // bytes consumed through the terminating \r\n\r\n
}

// Header is a case-insensitive header map, keyed by the canonical
// lowercase form of the header name.
type Header map[string]string

// Get returns the header's value, or "" if absent.
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Parse attempts to parse one HTTP request from the start of buf.
//
// On success it returns the parsed Request; req.HeaderByteLength is the
// offset of the first body byte within buf, so the caller can slice
// buf[req.HeaderByteLength:] for any body bytes that arrived in the same
// read.
//
// If buf does not yet contain a full header section, it returns
// ErrNeedMore. The caller is responsible for treating a buffer that is
// already full (== configured buffer_bytes) with no terminator found as a
// fatal parse error.
func Parse(buf []byte) (*Request, error) {
	idx := bytes.Index(buf, []byte(headerTerminator))
	if idx < 0 {
		return nil, ErrNeedMore
	}
	headerSection := buf[:idx]
	headerByteLength := idx + len(headerTerminator)

	lines := strings.Split(string(headerSection), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, ErrMalformed
	}

	requestLine := strings.SplitN(lines[0], " ", 3)
	if len(requestLine) != 3 {
		return nil, ErrMalformed
	}
	method, path, version := requestLine[0], requestLine[1], requestLine[2]
	if method == "" || path == "" || version == "" {
		return nil, ErrMalformed
	}

	headers := make(Header, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, ErrMalformed
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, ErrMalformed
		}
		value = strings.TrimSpace(value)
		// Last occurrence wins: a later duplicate simply overwrites the
		// earlier value in the map.
		headers[name] = value
	}

	req := &Request{
		Method:           method,
		Path:             path,
		Version:          version,
		Headers:          headers,
		HeaderByteLength: headerByteLength,
	}

	if cl := headers.Get("content-length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && n >= 0 {
			req.BodyLength = n
		}
	}

	if te := headers.Get("transfer-encoding"); te != "" {
		for _, part := range strings.Split(te, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "chunked") {
				req.IsChunked = true
				break
			}
		}
	}
	// Transfer-Encoding: chunked wins over Content-Length when both are
	// present.
	if req.IsChunked {
		req.BodyLength = 0
	}

	return req, nil
}

// KeepAlive reports whether the connection should remain open after this
// request/response exchange, honoring an explicit Connection header on
// either HTTP/1.0 (default close) or HTTP/1.1 (default keep-alive).
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.Headers.Get("connection"))
	if conn == "close" {
		return false
	}
	if conn == "keep-alive" {
		return true
	}
	return r.Version != "HTTP/1.0"
}
