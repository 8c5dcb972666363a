package crypto

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProviderGeneratesEphemeralPair(t *testing.T) {
	p, err := NewProvider("", "")
	require.NoError(t, err)
	require.NotNil(t, p.SigningKey())
	require.NotNil(t, p.Certificate())
	require.Equal(t, "samlgate signing", p.Certificate().Subject.CommonName)

	pub, ok := p.Certificate().PublicKey.(*rsa.PublicKey)
	require.True(t, ok)
	require.Equal(t, p.SigningKey().PublicKey.N, pub.N)
}

func TestNewProviderFromFiles(t *testing.T) {
	src, err := NewProvider("", "")
	require.NoError(t, err)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(src.SigningKey()),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: src.Certificate().Raw,
	})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o644))

	p, err := NewProvider(keyPath, certPath)
	require.NoError(t, err)
	require.Equal(t, src.SigningKey().PublicKey.N, p.SigningKey().PublicKey.N)
	require.Equal(t, src.Certificate().Raw, p.Certificate().Raw)
}

func TestNewProviderRejectsMissingFiles(t *testing.T) {
	_, err := NewProvider("/does/not/exist.key", "/does/not/exist.crt")
	require.Error(t, err)
}

func TestTrustedLookup(t *testing.T) {
	p, err := NewProvider("", "")
	require.NoError(t, err)
	peer, err := NewProvider("", "")
	require.NoError(t, err)

	_, ok := p.Trusted("https://idp.example.org")
	require.False(t, ok)

	p.AddTrusted("https://idp.example.org", peer.Certificate())
	cert, ok := p.Trusted("https://idp.example.org")
	require.True(t, ok)
	require.Equal(t, peer.Certificate().Raw, cert.Raw)
}

func TestParseCertificatePEMSkipsOtherBlocks(t *testing.T) {
	p, err := NewProvider("", "")
	require.NoError(t, err)

	var data []byte
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(p.SigningKey())})...)
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE",
		Bytes: p.Certificate().Raw})...)

	cert, err := ParseCertificatePEM(data)
	require.NoError(t, err)
	require.Equal(t, p.Certificate().Raw, cert.Raw)

	_, err = ParseCertificatePEM([]byte("not pem"))
	require.Error(t, err)
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	p, err := NewProvider("", "")
	require.NoError(t, err)

	sum := sha1.Sum(p.Certificate().Raw)
	require.Equal(t, hex.EncodeToString(sum[:]), p.KeyID())

	jwks := p.JWKS()
	require.Len(t, jwks.Keys, 1)
	key := jwks.Keys[0]
	require.Equal(t, "RSA", key.Kty)
	require.Equal(t, "sig", key.Use)
	require.Equal(t, "RS256", key.Alg)
	require.Equal(t, p.KeyID(), key.Kid)

	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	require.NoError(t, err)
	require.Equal(t, p.SigningKey().PublicKey.N, new(big.Int).SetBytes(nBytes))
}

func TestServeJWKS(t *testing.T) {
	p, err := NewProvider("", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeJWKS(rec, httptest.NewRequest("GET", "/aselect/jwks", nil))

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var jwks JWKS
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, p.KeyID(), jwks.Keys[0].Kid)
}
