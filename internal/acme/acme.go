// Package acme implements the RFC 8555 HTTP-01 subset CertificateManager
// needs: directory discovery, account registration, order creation,
// HTTP-01 challenge response, CSR finalization, and certificate download.
// No third-party ACME library is used; every pack example either has no
// ACME need or would pull in a dependency with a far larger surface
// (full ACMEv2 client, DNS-01, TLS-ALPN-01) than this HTTP-01-only flow
// requires, so the client is hand-rolled against stdlib crypto/net/http
// per the chosen design.
package acme

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetproxy/frontdoor/internal/proxyerrors"
)

// LetsEncryptProduction and LetsEncryptStaging are the two directory URLs
// CertificateManager chooses between based on AutoHTTPSConfig.Staging.
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

const (
	pollInterval = 2 * time.Second
	pollAttempts = 30
)

type directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

type orderResponse struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

type authorizationResponse struct {
	Status     string      `json:"status"`
	Challenges []challenge `json:"challenges"`
}

type challenge struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Client drives one ACME account against one directory. It is safe to
// reuse across multiple domains' issuance; CertificateManager keeps one
// Client per configured directory (production or staging).
type Client struct {
	directoryURL string
	httpClient   *http.Client
	email        string

	dir        directory
	nonce      string
	accountKey *rsa.PrivateKey
	kid        string
}

// New creates a Client against directoryURL, to be used for the given
// account email.
func New(directoryURL, email string) *Client {
	return &Client{
		directoryURL: directoryURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		email:        email,
	}
}

// IssueCertificate runs the full directory -> account -> order ->
// HTTP-01 -> finalize -> download flow for domains[0] (and any
// additional SANs in domains), registering the HTTP-01 response with
// store for the acceptor's plaintext listener to serve. It returns the
// issued certificate chain (leaf first) and its private key.
func (c *Client) IssueCertificate(ctx context.Context, domains []string, store *ChallengeStore) ([]*x509.Certificate, *rsa.PrivateKey, error) {
	if len(domains) == 0 {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "no domains requested", nil)
	}

	if err := c.ensureDirectory(ctx); err != nil {
		return nil, nil, err
	}
	if err := c.ensureAccount(ctx); err != nil {
		return nil, nil, err
	}

	order, orderURL, err := c.createOrder(ctx, domains)
	if err != nil {
		return nil, nil, err
	}

	for _, authzURL := range order.Authorizations {
		if err := c.completeAuthorization(ctx, authzURL, store); err != nil {
			return nil, nil, err
		}
	}

	certKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "generating certificate key", err)
	}
	csr, err := buildCSR(certKey, domains)
	if err != nil {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "building CSR", err)
	}

	if err := c.finalize(ctx, order.Finalize, csr); err != nil {
		return nil, nil, err
	}

	final, err := c.pollOrder(ctx, orderURL)
	if err != nil {
		return nil, nil, err
	}
	if final.Status != "valid" || final.Certificate == "" {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, fmt.Sprintf("order finished in status %q", final.Status), nil)
	}

	chain, err := c.downloadCertificate(ctx, final.Certificate)
	if err != nil {
		return nil, nil, err
	}
	return chain, certKey, nil
}

func (c *Client) ensureDirectory(ctx context.Context) error {
	if c.dir.NewNonce != "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "building directory request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "fetching ACME directory", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, fmt.Sprintf("directory fetch returned %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(&c.dir); err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "decoding ACME directory", err)
	}
	return nil
}

func (c *Client) fetchNonce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.dir.NewNonce, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return fmt.Errorf("acme: newNonce response carried no Replay-Nonce header")
	}
	c.nonce = nonce
	return nil
}

// post signs payload (nil for POST-as-GET) and POSTs it to url, using the
// account kid once one exists, the embedded JWK otherwise. It updates
// c.nonce from the response's Replay-Nonce header before returning.
func (c *Client) post(ctx context.Context, url string, payload []byte) (*http.Response, []byte, error) {
	if c.nonce == "" {
		if err := c.fetchNonce(ctx); err != nil {
			return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "fetching replay nonce", err)
		}
	}

	body, err := signJWS(c.accountKey, url, c.nonce, c.kid, payload)
	if err != nil {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "signing JWS", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "building ACME request", err)
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "ACME request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "reading ACME response", err)
	}
	if nonce := resp.Header.Get("Replay-Nonce"); nonce != "" {
		c.nonce = nonce
	} else {
		c.nonce = ""
	}

	if resp.StatusCode/100 != 2 {
		return resp, respBody, proxyerrors.New(proxyerrors.ErrACMEFailure, fmt.Sprintf("ACME request to %s returned %d: %s", url, resp.StatusCode, respBody), nil)
	}
	return resp, respBody, nil
}

func (c *Client) ensureAccount(ctx context.Context) error {
	if c.kid != "" {
		return nil
	}
	if c.accountKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return proxyerrors.New(proxyerrors.ErrACMEFailure, "generating account key", err)
		}
		c.accountKey = key
	}

	payload, err := json.Marshal(map[string]interface{}{
		"termsOfServiceAgreed": true,
		"contact":              []string{"mailto:" + c.email},
	})
	if err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "encoding account payload", err)
	}

	resp, _, err := c.post(ctx, c.dir.NewAccount, payload)
	if err != nil {
		return err
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "account creation response carried no Location header", nil)
	}
	c.kid = location
	return nil
}

func (c *Client) createOrder(ctx context.Context, domains []string) (*orderResponse, string, error) {
	idents := make([]map[string]string, 0, len(domains))
	for _, d := range domains {
		idents = append(idents, map[string]string{"type": "dns", "value": d})
	}
	payload, err := json.Marshal(map[string]interface{}{"identifiers": idents})
	if err != nil {
		return nil, "", proxyerrors.New(proxyerrors.ErrACMEFailure, "encoding order payload", err)
	}

	resp, body, err := c.post(ctx, c.dir.NewOrder, payload)
	if err != nil {
		return nil, "", err
	}
	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, "", proxyerrors.New(proxyerrors.ErrACMEFailure, "decoding order response", err)
	}
	return &order, resp.Header.Get("Location"), nil
}

func (c *Client) completeAuthorization(ctx context.Context, authzURL string, store *ChallengeStore) error {
	_, body, err := c.post(ctx, authzURL, nil)
	if err != nil {
		return err
	}
	var authz authorizationResponse
	if err := json.Unmarshal(body, &authz); err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "decoding authorization", err)
	}

	var http01 *challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == "http-01" {
			http01 = &authz.Challenges[i]
			break
		}
	}
	if http01 == nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "authorization carried no http-01 challenge", nil)
	}

	thumbprint, err := jwkThumbprint(&c.accountKey.PublicKey)
	if err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "computing JWK thumbprint", err)
	}
	keyAuth := http01.Token + "." + thumbprint
	store.register(http01.Token, keyAuth)
	defer store.remove(http01.Token)

	if _, _, err := c.post(ctx, http01.URL, []byte("{}")); err != nil {
		return err
	}

	return c.pollAuthorization(ctx, authzURL)
}

func (c *Client) pollAuthorization(ctx context.Context, authzURL string) error {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		_, body, err := c.post(ctx, authzURL, nil)
		if err != nil {
			return err
		}
		var authz authorizationResponse
		if err := json.Unmarshal(body, &authz); err != nil {
			return proxyerrors.New(proxyerrors.ErrACMEFailure, "decoding authorization poll response", err)
		}
		switch authz.Status {
		case "valid":
			return nil
		case "invalid":
			return proxyerrors.New(proxyerrors.ErrACMEFailure, "authorization transitioned to invalid", nil)
		}
		select {
		case <-ctx.Done():
			return proxyerrors.New(proxyerrors.ErrACMEFailure, "context canceled while polling authorization", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return proxyerrors.New(proxyerrors.ErrACMEFailure, "authorization polling exhausted", nil)
}

func (c *Client) finalize(ctx context.Context, finalizeURL string, csrDER []byte) error {
	payload, err := json.Marshal(map[string]string{"csr": b64url(csrDER)})
	if err != nil {
		return proxyerrors.New(proxyerrors.ErrACMEFailure, "encoding finalize payload", err)
	}
	_, _, err = c.post(ctx, finalizeURL, payload)
	return err
}

func (c *Client) pollOrder(ctx context.Context, orderURL string) (*orderResponse, error) {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		_, body, err := c.post(ctx, orderURL, nil)
		if err != nil {
			return nil, err
		}
		var order orderResponse
		if err := json.Unmarshal(body, &order); err != nil {
			return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "decoding order poll response", err)
		}
		switch order.Status {
		case "valid", "invalid":
			return &order, nil
		}
		select {
		case <-ctx.Done():
			return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "context canceled while polling order", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "order polling exhausted", nil)
}

func (c *Client) downloadCertificate(ctx context.Context, certURL string) ([]*x509.Certificate, error) {
	if c.nonce == "" {
		if err := c.fetchNonce(ctx); err != nil {
			return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "fetching replay nonce", err)
		}
	}
	signed, err := signJWS(c.accountKey, certURL, c.nonce, c.kid, nil)
	if err != nil {
		return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "signing certificate download request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, certURL, bytes.NewReader(signed))
	if err != nil {
		return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "building certificate download request", err)
	}
	req.Header.Set("Content-Type", "application/jose+json")
	req.Header.Set("Accept", "application/pem-certificate-chain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "downloading certificate", err)
	}
	defer resp.Body.Close()
	pemData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "reading certificate download", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, fmt.Sprintf("certificate download returned %d", resp.StatusCode), nil)
	}
	c.nonce = resp.Header.Get("Replay-Nonce")

	var chain []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "parsing downloaded certificate", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, proxyerrors.New(proxyerrors.ErrACMEFailure, "certificate download carried no PEM certificates", nil)
	}
	return chain, nil
}
