package aselect

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfed/samlgate/internal/crypto"
)

// credentialClaims is what an aselect_credentials token carries: the TGT
// reference, never user data. Peers exchange the token for attributes via
// verify_credentials.
type credentialClaims struct {
	jwt.RegisteredClaims
}

// Credentials mints and parses aselect_credentials tokens. With a shared
// secret configured it uses HS256; otherwise it signs RS256 with the
// gateway's own key.
type Credentials struct {
	issuer   string
	secret   []byte
	provider *crypto.Provider
	ttl      time.Duration
}

// NewCredentials creates the token codec.
func NewCredentials(issuer string, secret []byte, provider *crypto.Provider, ttl time.Duration) *Credentials {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Credentials{issuer: issuer, secret: secret, provider: provider, ttl: ttl}
}

// Mint issues a token referencing the TGT.
func (c *Credentials) Mint(tgtID string) (string, error) {
	now := time.Now()
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   tgtID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	if len(c.secret) > 0 {
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.provider.SigningKey())
}

// Parse verifies a token and returns the TGT reference.
func (c *Credentials) Parse(token string) (string, error) {
	var claims credentialClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(c.secret) == 0 {
				return nil, fmt.Errorf("HMAC credentials not configured")
			}
			return c.secret, nil
		case *jwt.SigningMethodRSA:
			return &c.provider.SigningKey().PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
	}, jwt.WithIssuer(c.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid credentials: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid credentials")
	}
	return claims.Subject, nil
}
