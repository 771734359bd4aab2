package admin

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// writeResponse mirrors internal/acceptor's response writer. It is kept as
// its own small copy rather than shared: admin has no other reason to
// depend on acceptor, and the two packages' response needs are expected to
// diverge (acceptor streams large static/proxy bodies; admin only ever
// writes small JSON/text payloads it already holds in memory).
func writeResponse(conn net.Conn, status int, statusText string, headers map[string]string, body []byte) error {
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Content-Length"]; !ok {
		headers["Content-Length"] = strconv.Itoa(len(body))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256+len(body))
	buf = append(buf, fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, statusText)...)
	for _, k := range keys {
		buf = append(buf, fmt.Sprintf("%s: %s\r\n", k, headers[k])...)
	}
	buf = append(buf, "\r\n"...)
	buf = append(buf, body...)

	_, err := conn.Write(buf)
	return err
}

func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 502:
		return "Bad Gateway"
	default:
		return "Unknown"
	}
}
