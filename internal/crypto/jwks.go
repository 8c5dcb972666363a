package crypto

import (
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
)

// JWK is the published form of the gateway's RSA signing key. A-Select
// agents that receive RS256 credentials can verify them offline against
// this document instead of calling verify_credentials.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the key set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// jwkFromRSA encodes an RSA public key as a JWK.
func jwkFromRSA(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// KeyID identifies the current signing key: the hex SHA-1 of the
// certificate, matching how entity references are derived elsewhere.
func (p *Provider) KeyID() string {
	sum := sha1.Sum(p.cert.Raw)
	return hex.EncodeToString(sum[:])
}

// JWKS returns the gateway key set. It carries exactly one key; rotation
// means re-publishing with a new kid.
func (p *Provider) JWKS() JWKS {
	return JWKS{Keys: []JWK{jwkFromRSA(&p.key.PublicKey, p.KeyID())}}
}

// ServeJWKS publishes the key set as application/json.
func (p *Provider) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.JWKS())
}
