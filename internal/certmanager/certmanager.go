// Package certmanager implements the SNI certificate callback a TLS
// listener consults on every handshake: an in-memory domain -> keystore
// cache, allow-list gated on-demand issuance through internal/acme, and a
// background renewal scan. It replaces the teacher's internal/ssl, which
// only ever loaded one static certificate pair from disk.
package certmanager

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/fleetproxy/frontdoor/internal/acme"
	"github.com/fleetproxy/frontdoor/internal/metrics"
	"github.com/fleetproxy/frontdoor/internal/proxyerrors"
)

const issuanceTimeout = 2 * time.Minute

const (
	renewalThreshold = 30 * 24 * time.Hour
	renewalInterval  = 12 * time.Hour
	pkcs12Password   = "changeit"
)

// Config tunes a Manager, mirroring config.AutoHTTPSConfig.
type Config struct {
	Email          string
	Staging        bool
	CertDir        string
	AllowedDomains []string

	// Metrics, if set, receives an ACMEIssuancesTotal observation for every
	// issuance attempt made through issue().
	Metrics *metrics.Metrics
}

type cachedCert struct {
	cert     tls.Certificate
	notAfter time.Time
}

// Manager answers tls.Config.GetCertificate by SNI hostname, issuing new
// certificates through an ACME client on cache miss.
type Manager struct {
	cfg    Config
	client *acme.Client
	store  *acme.ChallengeStore

	mu    sync.RWMutex
	cache map[string]cachedCert

	domainLocksMu sync.Mutex
	domainLocks   map[string]*sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New creates a Manager, scans cfg.CertDir for previously issued
// certificates, and starts the 12-hour renewal scan. store is the shared
// HTTP-01 challenge store the acceptor's plaintext listener reads from.
func New(cfg Config, store *acme.ChallengeStore) (*Manager, error) {
	directoryURL := acme.LetsEncryptProduction
	if cfg.Staging {
		directoryURL = acme.LetsEncryptStaging
	}

	m := &Manager{
		cfg:         cfg,
		client:      acme.New(directoryURL, cfg.Email),
		store:       store,
		cache:       make(map[string]cachedCert),
		domainLocks: make(map[string]*sync.Mutex),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	if err := m.scanCertDir(); err != nil {
		return nil, err
	}

	go m.renewalLoop()
	return m, nil
}

// Stop halts the renewal scan. It does not block the in-flight scan, if
// any, from finishing its current pass.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// TLSConfig returns a *tls.Config whose GetCertificate callback is m.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
		GetCertificate: m.GetCertificate,
	}
}

// GetCertificate implements the tls.Config.GetCertificate signature. It
// lowercases and trims the SNI hostname, serves a fresh cache hit, and
// otherwise synchronously drives ACME issuance gated by the allow-list and
// a per-domain lock.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(strings.TrimSpace(hello.ServerName))
	if host == "" {
		return nil, fmt.Errorf("certmanager: client sent no SNI hostname")
	}

	if cert, ok := m.freshFromCache(host); ok {
		return cert, nil
	}

	if !m.allowed(host) {
		if cert, ok := m.staleFromCache(host); ok {
			return cert, nil
		}
		return nil, fmt.Errorf("certmanager: domain %q is not in the allow-list", host)
	}

	lock := m.lockFor(host)
	lock.Lock()
	defer lock.Unlock()

	if cert, ok := m.freshFromCache(host); ok {
		return cert, nil
	}

	cert, notAfter, err := m.issue(host)
	if err != nil {
		if stale, ok := m.staleFromCache(host); ok {
			log.Printf("certmanager: issuance for %s failed (%v), serving stale cert", host, err)
			return stale, nil
		}
		return nil, proxyerrors.Wrap(err, proxyerrors.ErrSSLCertificate, "certificate issuance failed")
	}

	m.mu.Lock()
	m.cache[host] = cachedCert{cert: cert, notAfter: notAfter}
	m.mu.Unlock()

	if err := m.persist(host, cert); err != nil {
		log.Printf("certmanager: persisting certificate for %s: %v", host, err)
	}

	return &cert, nil
}

func (m *Manager) freshFromCache(host string) (*tls.Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[host]
	if !ok || time.Until(entry.notAfter) <= renewalThreshold {
		return nil, false
	}
	return &entry.cert, true
}

func (m *Manager) staleFromCache(host string) (*tls.Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[host]
	if !ok {
		return nil, false
	}
	return &entry.cert, true
}

// allowed checks host against the configured allow-list: exact match or
// single-level wildcard (*.example.com matches sub.example.com but not
// example.com itself).
func (m *Manager) allowed(host string) bool {
	for _, pattern := range m.cfg.AllowedDomains {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == host {
			return true
		}
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) {
				label := strings.TrimSuffix(host, suffix)
				if label != "" && !strings.Contains(label, ".") {
					return true
				}
			}
		}
	}
	return false
}

func (m *Manager) lockFor(host string) *sync.Mutex {
	m.domainLocksMu.Lock()
	defer m.domainLocksMu.Unlock()
	lock, ok := m.domainLocks[host]
	if !ok {
		lock = &sync.Mutex{}
		m.domainLocks[host] = lock
	}
	return lock
}

func (m *Manager) issue(host string) (tls.Certificate, time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), issuanceTimeout)
	defer cancel()
	chain, key, err := m.client.IssueCertificate(ctx, []string{host}, m.store)
	if err != nil {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordACMEIssuance(host, "failure")
		}
		return tls.Certificate{}, time.Time{}, err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordACMEIssuance(host, "success")
	}

	der := make([][]byte, len(chain))
	for i, c := range chain {
		der[i] = c.Raw
	}
	cert := tls.Certificate{
		Certificate: der,
		PrivateKey:  key,
		Leaf:        chain[0],
	}
	return cert, chain[0].NotAfter, nil
}

func (m *Manager) persist(host string, cert tls.Certificate) error {
	if m.cfg.CertDir == "" {
		return nil
	}
	chain := make([]*x509.Certificate, 0, len(cert.Certificate)-1)
	for _, der := range cert.Certificate[1:] {
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			return proxyerrors.New(proxyerrors.ErrCertIO, "parsing chain certificate for persistence", err)
		}
		chain = append(chain, parsed)
	}

	data, err := pkcs12.Encode(rand.Reader, cert.PrivateKey, cert.Leaf, chain, pkcs12Password)
	if err != nil {
		return proxyerrors.New(proxyerrors.ErrCertIO, "encoding PKCS12 keystore", err)
	}

	if err := os.MkdirAll(m.cfg.CertDir, 0o700); err != nil {
		return proxyerrors.New(proxyerrors.ErrCertIO, "creating cert directory", err)
	}
	path := filepath.Join(m.cfg.CertDir, host+".p12")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return proxyerrors.New(proxyerrors.ErrCertIO, "writing keystore", err)
	}
	return nil
}

// scanCertDir loads every non-expired <domain>.p12 in cfg.CertDir into
// cache at startup. A missing directory is not an error: the first TLS
// handshake for each domain will simply fall through to ACME issuance. Any
// other failure to read the directory is returned as an ErrCertIO error.
func (m *Manager) scanCertDir() error {
	if m.cfg.CertDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.CertDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return proxyerrors.New(proxyerrors.ErrCertIO, "scanning cert directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".p12") {
			continue
		}
		domain := strings.TrimSuffix(entry.Name(), ".p12")
		path := filepath.Join(m.cfg.CertDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("certmanager: reading %s: %v", path, err)
			continue
		}
		key, leaf, caCerts, err := pkcs12.DecodeChain(data, pkcs12Password)
		if err != nil {
			log.Printf("certmanager: decoding %s: %v", path, err)
			continue
		}
		if time.Now().After(leaf.NotAfter) {
			continue
		}

		der := [][]byte{leaf.Raw}
		for _, ca := range caCerts {
			der = append(der, ca.Raw)
		}
		m.cache[domain] = cachedCert{
			cert:     tls.Certificate{Certificate: der, PrivateKey: key, Leaf: leaf},
			notAfter: leaf.NotAfter,
		}
	}
	return nil
}

func (m *Manager) renewalLoop() {
	defer close(m.done)
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.renewExpiring()
		}
	}
}

func (m *Manager) renewExpiring() {
	m.mu.RLock()
	due := make([]string, 0)
	for domain, entry := range m.cache {
		if time.Until(entry.notAfter) <= renewalThreshold {
			due = append(due, domain)
		}
	}
	m.mu.RUnlock()

	for _, domain := range due {
		lock := m.lockFor(domain)
		if !lock.TryLock() {
			continue
		}
		cert, notAfter, err := m.issue(domain)
		lock.Unlock()
		if err != nil {
			log.Printf("certmanager: renewal for %s failed: %v", domain, err)
			continue
		}
		m.mu.Lock()
		m.cache[domain] = cachedCert{cert: cert, notAfter: notAfter}
		m.mu.Unlock()
		if err := m.persist(domain, cert); err != nil {
			log.Printf("certmanager: persisting renewed certificate for %s: %v", domain, err)
		}
	}
}
