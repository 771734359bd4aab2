// Package acceptor owns the listening sockets and drives each accepted
// connection through the request policy chain: rate limiting, CORS, the
// admin and ACME HTTP-01 short-circuits, routing, load balancing, the
// circuit breaker, and the upstream relay. It is the Go realization of the
// connection-per-task model: the Acceptor itself only accepts and hands
// off, never doing per-request work on its own goroutine.
package acceptor

import (
	"crypto/tls"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fleetproxy/frontdoor/internal/balancer"
	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/config"
	"github.com/fleetproxy/frontdoor/internal/health"
	"github.com/fleetproxy/frontdoor/internal/httpparser"
	"github.com/fleetproxy/frontdoor/internal/metrics"
	"github.com/fleetproxy/frontdoor/internal/ratelimit"
	"github.com/fleetproxy/frontdoor/internal/relay"
	"github.com/fleetproxy/frontdoor/internal/router"
)

// AdminHandler serves one request under the /admin/ prefix. It is
// implemented by internal/admin; Server treats a nil AdminHandler as
// "admin surface disabled" regardless of the config flag.
type AdminHandler interface {
	ServeAdmin(conn net.Conn, req *httpparser.Request, bodyReader io.Reader)
}

// ChallengeStore resolves an ACME HTTP-01 token to its key authorization.
// internal/acme owns the concrete store; Server only needs to read it.
type ChallengeStore interface {
	Lookup(token string) (keyAuthorization string, ok bool)
}

// Deps bundles the shared components a Server dispatches requests to. All
// fields except Store, Router, Balancer, and Relay may be nil, in which
// case the corresponding policy step is skipped.
type Deps struct {
	Store     *config.Store
	Router    *router.Router
	Balancer  *balancer.LoadBalancer
	Health    *health.Checker
	Breakers  *circuitbreaker.Registry
	Limiter   *ratelimit.Limiter
	Relay     *relay.Relay
	Metrics   *metrics.Metrics
	Admin     AdminHandler
	Challenge ChallengeStore
}

// Server accepts connections on one plaintext and, optionally, one TLS
// listener, and drives each through Deps' policy chain.
type Server struct {
	deps Deps

	tlsConfig *tls.Config

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	closing   bool
}

// New creates a Server. tlsConfig may be nil, in which case ListenAndServeTLS is a
// no-op.
func New(deps Deps, tlsConfig *tls.Config) *Server {
	return &Server{deps: deps, tlsConfig: tlsConfig}
}

// ListenAndServe binds addr and accepts plaintext connections until
// Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ln, false)
}

// ListenAndServeTLS binds addr and accepts TLS connections, performing the
// handshake (with SNI-driven certificate selection via s.tlsConfig) before
// handing the connection to the same driver used for plaintext.
func (s *Server) ListenAndServeTLS(addr string) error {
	if s.tlsConfig == nil {
		return nil
	}
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln := tls.NewListener(inner, s.tlsConfig)
	return s.serve(ln, true)
}

func (s *Server) serve(ln net.Listener, isTLS bool) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			log.Printf("acceptor: accept error on %s: %v", ln.Addr(), err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("acceptor: recovered panic driving connection from %s: %v", conn.RemoteAddr(), r)
				}
			}()
			driveConnection(conn, s.deps, isTLS)
		}()
	}
}

// Shutdown closes every listening socket, then waits up to grace for
// in-flight connections to finish their current request before returning.
// Connections that are still open after grace are left to finish on their
// own; Shutdown does not forcibly close them.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closing = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("acceptor: shutdown grace period elapsed with connections still open")
	}
}
