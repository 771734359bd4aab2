package acme

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

func b64url(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// jwk returns the JSON Web Key for pub. encoding/json marshals map keys in
// sorted order, so this also happens to be the canonical "e","kty","n" form
// the thumbprint needs; jwkThumbprint relies on that.
func jwk(pub *rsa.PublicKey) map[string]string {
	eBytes := big64(pub.E)
	return map[string]string{
		"e":   b64url(eBytes),
		"kty": "RSA",
		"n":   b64url(pub.N.Bytes()),
	}
}

func big64(e int) []byte {
	// encode e as the minimal big-endian byte sequence, as RFC 7518 requires
	// for JWK integer members.
	if e == 0 {
		return []byte{0}
	}
	var b []byte
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	return b
}

// jwkThumbprint computes the RFC 7638 thumbprint of pub's canonical JWK
// form, SHA-256 hashed and base64url-encoded.
func jwkThumbprint(pub *rsa.PublicKey) (string, error) {
	canonical, err := json.Marshal(jwk(pub))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return b64url(sum[:]), nil
}

type jwsHeader struct {
	Alg   string            `json:"alg"`
	Nonce string            `json:"nonce"`
	URL   string            `json:"url"`
	JWK   map[string]string `json:"jwk,omitempty"`
	Kid   string            `json:"kid,omitempty"`
}

type jwsObject struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signJWS builds the flattened JWS serialization POST body described in
// RFC 8555 §6.2. payload is the raw (unencoded) payload bytes; pass nil for
// POST-as-GET. kid is the account URL; when empty, the embedded public key
// (jwk) is sent instead, as required for newAccount.
func signJWS(key *rsa.PrivateKey, url, nonce, kid string, payload []byte) ([]byte, error) {
	header := jwsHeader{Alg: "RS256", Nonce: nonce, URL: url}
	if kid != "" {
		header.Kid = kid
	} else {
		header.JWK = jwk(&key.PublicKey)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	protected := b64url(headerJSON)

	encodedPayload := ""
	if payload != nil {
		encodedPayload = b64url(payload)
	}

	signingInput := protected + "." + encodedPayload
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("acme: signing JWS: %w", err)
	}

	obj := jwsObject{Protected: protected, Payload: encodedPayload, Signature: b64url(sig)}
	return json.Marshal(obj)
}

// buildCSR constructs a PKCS#10 certificate request in DER, CN = domains[0]
// with a SubjectAltName listing every domain, signed with certKey.
func buildCSR(certKey *rsa.PrivateKey, domains []string) ([]byte, error) {
	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: domains[0]},
		DNSNames:           domains,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	return x509.CreateCertificateRequest(rand.Reader, &template, certKey)
}
