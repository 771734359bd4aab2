package acceptor

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// writeResponse writes a complete, unbuffered HTTP/1.1 response to conn:
// status line, headers (Content-Length always added unless already
// present), a blank line, then body. Used for every response the driver
// produces locally rather than relaying from a backend.
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
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
