package main

import (
	"crypto/tls"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetproxy/frontdoor/internal/acceptor"
	"github.com/fleetproxy/frontdoor/internal/acme"
	"github.com/fleetproxy/frontdoor/internal/admin"
	"github.com/fleetproxy/frontdoor/internal/balancer"
	"github.com/fleetproxy/frontdoor/internal/certmanager"
	"github.com/fleetproxy/frontdoor/internal/circuitbreaker"
	"github.com/fleetproxy/frontdoor/internal/config"
	"github.com/fleetproxy/frontdoor/internal/health"
	"github.com/fleetproxy/frontdoor/internal/metrics"
	"github.com/fleetproxy/frontdoor/internal/ratelimit"
	"github.com/fleetproxy/frontdoor/internal/relay"
	"github.com/fleetproxy/frontdoor/internal/router"
)

const (
	defaultPort       = 8080
	defaultConfigFile = "routes.json"
	shutdownGrace     = 10 * time.Second
)

// frontdoor takes its two arguments positionally ([port] [config-file])
// rather than through flag, since flag has no clean way to express two
// independent optional positional arguments with per-argument defaults.
func main() {
	port := defaultPort
	if len(os.Args) > 1 {
		p, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Printf("frontdoor: invalid port %q: %v", os.Args[1], err)
			os.Exit(1)
		}
		port = p
	}

	configFile := defaultConfigFile
	if len(os.Args) > 2 {
		configFile = os.Args[2]
	}

	snap, err := config.Load(configFile)
	if err != nil {
		log.Printf("frontdoor: loading config %q: %v", configFile, err)
		os.Exit(1)
	}
	if snap.Port == 0 {
		snap.Port = port
	}

	store := config.NewStore(snap)
	rtr := router.New(store)
	bal := balancer.New(snap.LoadBalancerAlgorithm, snap.BackendWeights)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: snap.CircuitBreaker.FailureThreshold,
		OpenTimeout:      time.Duration(snap.CircuitBreaker.OpenTimeoutMS) * time.Millisecond,
		ResetTimeout:     time.Duration(snap.CircuitBreaker.ResetTimeoutMS) * time.Millisecond,
		HalfOpenProbes:   snap.CircuitBreaker.HalfOpenProbes,
	})
	m := metrics.New()

	checker := health.New(health.Config{
		Interval:          time.Duration(snap.HealthCheck.IntervalSeconds) * time.Second,
		Timeout:           time.Duration(snap.HealthCheck.TimeoutSeconds) * time.Second,
		Path:              snap.HealthCheck.Path,
		FailureThreshold:  snap.HealthCheck.FailureThreshold,
		SuccessThreshold:  snap.HealthCheck.SuccessThreshold,
		ExpectedStatusMin: snap.HealthCheck.ExpectedStatusMin,
		ExpectedStatusMax: snap.HealthCheck.ExpectedStatusMax,
	}, func(backend string, healthy bool) {
		m.SetBackendHealthy(backend, healthy)
	})
	checker.Reconcile(snap.AllBackends())

	var limiter *ratelimit.Limiter
	if snap.RateLimiter.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Strategy:          ratelimit.Strategy(snap.RateLimiter.Strategy),
			RequestsPerSecond: snap.RateLimiter.RequestsPerSecond,
			BurstSize:         snap.RateLimiter.BurstSize,
		})
		defer limiter.Stop()
	}

	rl := relay.New(relay.Config{
		ConnectTimeout: time.Duration(snap.Timeouts.ConnectionMS) * time.Millisecond,
		RequestTimeout: time.Duration(snap.Timeouts.RequestMS) * time.Millisecond,
		Limits: relay.Limits{
			MaxResponseBytes: snap.Limits.MaxResponseBytes,
			BufferBytes:      snap.Limits.BufferBytes,
		},
	}, checker, breakers)

	adminHandler := admin.New(admin.Deps{
		Store:    store,
		Router:   rtr,
		Breakers: breakers,
		Limiter:  limiter,
		Health:   checker,
		Metrics:  m,
	})

	deps := acceptor.Deps{
		Store:    store,
		Router:   rtr,
		Balancer: bal,
		Health:   checker,
		Breakers: breakers,
		Limiter:  limiter,
		Relay:    rl,
		Metrics:  m,
		Admin:    adminHandler,
	}

	var certManager *certmanager.Manager
	if snap.AutoHTTPS.Enabled {
		challengeStore := acme.NewChallengeStore()
		deps.Challenge = challengeStore
		cm, err := certmanager.New(certmanager.Config{
			Email:          snap.AutoHTTPS.ACMEEmail,
			Staging:        snap.AutoHTTPS.Staging,
			CertDir:        snap.AutoHTTPS.CertDir,
			AllowedDomains: snap.AutoHTTPS.AllowedDomains,
			Metrics:        m,
		}, challengeStore)
		if err != nil {
			log.Printf("frontdoor: starting certificate manager: %v", err)
			os.Exit(1)
		}
		certManager = cm
		defer certManager.Stop()
	}

	var tlsConfig *tls.Config
	if certManager != nil {
		tlsConfig = certManager.TLSConfig()
	}
	server := acceptor.New(deps, tlsConfig)

	watcher := config.NewWatcher(store, func(next *config.Snapshot) {
		bal.ResetCounters()
		checker.Reconcile(next.AllBackends())
	})
	go watcher.Run()
	defer watcher.Stop()

	errCh := make(chan error, 2)
	go func() {
		addr := ":" + strconv.Itoa(port)
		log.Printf("frontdoor: listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil {
			errCh <- err
		}
	}()

	if snap.AutoHTTPS.Enabled {
		go func() {
			httpsAddr := ":" + strconv.Itoa(snap.AutoHTTPS.HTTPSPort)
			log.Printf("frontdoor: listening on %s (tls)", httpsAddr)
			if err := server.ListenAndServeTLS(httpsAddr); err != nil {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("frontdoor: received signal %v, shutting down", sig)
	case err := <-errCh:
		log.Printf("frontdoor: listener error: %v", err)
	}

	server.Shutdown(shutdownGrace)
}
