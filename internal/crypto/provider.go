// Package crypto provides the gateway's signing credential and the static
// trust anchors used when a peer publishes no usable metadata certificate.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"
)

// Provider owns the gateway signing key pair and the per-issuer trusted
// certificates configured locally.
type Provider struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate

	mu      sync.RWMutex
	trusted map[string]*x509.Certificate // issuer entity ID -> certificate
}

// NewProvider loads the signing key and certificate from PEM files. Empty
// paths generate an ephemeral self-signed pair, which keeps development
// setups free of key ceremony.
func NewProvider(keyPath, certPath string) (*Provider, error) {
	if keyPath == "" || certPath == "" {
		return generateProvider()
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := parseRSAKey(keyPEM)
	if err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read signing certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	return &Provider{key: key, cert: cert, trusted: make(map[string]*x509.Certificate)}, nil
}

func generateProvider() (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "samlgate signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Provider{key: key, cert: cert, trusted: make(map[string]*x509.Certificate)}, nil
}

// SigningKey returns the gateway RSA private key.
func (p *Provider) SigningKey() *rsa.PrivateKey { return p.key }

// Certificate returns the gateway signing certificate.
func (p *Provider) Certificate() *x509.Certificate { return p.cert }

// TLSCertificate returns the key pair in the shape goxmldsig's signing
// context consumes.
func (p *Provider) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{p.cert.Raw},
		PrivateKey:  p.key,
	}
}

// AddTrusted registers a locally configured certificate for an issuer. It
// participates in the credential chain after metadata-derived certificates.
func (p *Provider) AddTrusted(issuer string, cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trusted[issuer] = cert
}

// Trusted looks up the configured certificate for an issuer.
func (p *Provider) Trusted(issuer string) (*x509.Certificate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cert, ok := p.trusted[issuer]
	return cert, ok
}

// ParseCertificatePEM parses the first CERTIFICATE block in a PEM bundle.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in PEM data")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
		data = rest
	}
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no private key found in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("signing key is not RSA")
			}
			return rsaKey, nil
		}
		data = rest
	}
}
