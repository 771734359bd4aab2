package acceptor

import (
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fleetproxy/frontdoor/internal/httpparser"
)

// serveStatic serves req against a file:// backend's resolved filesystem
// root. A path ending in "/" (or resolving to a directory) serves
// index.html from that directory; a ".." path segment that would escape
// root is rejected regardless of how it arrives, mirroring the route
// prefix validation config already performs on the configuration side.
func serveStatic(conn net.Conn, root string, req *httpparser.Request) error {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(req.Path, "/"))
	if i := strings.IndexAny(cleaned, "?#"); i >= 0 {
		cleaned = cleaned[:i]
	}
	full := filepath.Join(root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
		return writeResponse(conn, 404, statusText(404), nil, nil)
	}

	info, err := os.Stat(full)
	if err != nil {
		return writeResponse(conn, 404, statusText(404), nil, nil)
	}
	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
		if err != nil {
			return writeResponse(conn, 404, statusText(404), nil, nil)
		}
	}

	f, err := os.Open(full)
	if err != nil {
		return writeResponse(conn, 404, statusText(404), nil, nil)
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	headers := map[string]string{
		"Content-Type":   ctype,
		"Content-Length": strconv.FormatInt(info.Size(), 10),
	}

	if req.Method == "HEAD" {
		return writeResponse(conn, 200, statusText(200), headers, nil)
	}

	if err := writeResponse(conn, 200, statusText(200), headers, nil); err != nil {
		return err
	}
	_, err = io.Copy(conn, f)
	return err
}
