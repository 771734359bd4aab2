// Package router resolves a (host, path) pair to an ordered list of
// candidate backend URLs against the currently-published config.Snapshot.
package router

import (
	"strings"

	"github.com/fleetproxy/frontdoor/internal/config"
)

// Router is a thin, stateless lookup over a config.Store. It holds no
// mutable state of its own — resolution is always performed against
// whichever Snapshot is current at the moment Resolve is called — so
// Resolve is trivially safe for concurrent use and always deterministic for
// a fixed Snapshot's router-determinism property.
type Router struct {
	store *config.Store
}

// New creates a Router backed by store.
func New(store *config.Store) *Router {
	return &Router{store: store}
}

// Resolve returns the ordered backend URL list for (host, path), or nil if
// nothing matches. host may be empty, in which case only path-prefix
// matching is attempted.
//
// Algorithm: an exact, case-insensitive, port-stripped
// host match against domain_routes wins outright; otherwise the longest
// path prefix in routes that is a prefix of path wins. Backend ordering
// within the returned list reflects the configuration's own list order —
// the caller's LoadBalancer is responsible for picking among it.
func (r *Router) Resolve(host, path string) []string {
	snap := r.store.Get()

	if host != "" {
		key := normalizeHost(host)
		if urls, ok := snap.DomainRoutes[key]; ok {
			return urls
		}
	}

	var bestPrefix string
	var bestURLs []string
	haveMatch := false
	for prefix, urls := range snap.Routes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if !haveMatch || len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestURLs = urls
			haveMatch = true
		}
	}
	if !haveMatch {
		return nil
	}
	return bestURLs
}

// ReloadConfig is the admin-surface reload operation: it publishes a
// freshly-parsed Snapshot built from raw JSON bytes,
// independent of the file-mtime Watcher (useful for an admin-triggered
// reload from a document supplied over the wire rather than read from
// disk).
func (r *Router) ReloadConfig(raw []byte) error {
	next, err := config.Parse(raw)
	if err != nil {
		return err
	}
	r.store.Publish(next)
	return nil
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		// Guard against stripping a port out of a bare IPv6 literal
		// (e.g. "::1") where the colon is not a port separator; a real
		// "[::1]:8080" host header still splits correctly since the
		// bracket closes before the port colon.
		if !strings.Contains(host[idx+1:], ":") {
			host = host[:idx]
		}
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}
