// Package auth verifies the signed, time-bounded credentials issued by the
// external identity service. The core never issues sessions itself; it only
// checks signature, expiry and revocation and then trusts the claims.
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"chatcore/internal/apperr"
	"chatcore/internal/clock"
)

// CookieName is the cookie the web client stores its credential in.
const CookieName = "auth_token"

// Identity is the verified subject of a credential.
type Identity struct {
	UserID      string
	SessionID   string
	TokenID     string
	DisplayName string
	ExpiresAt   time.Time
}

// Verifier checks credentials against a shared HMAC secret or an RSA
// public key.
type Verifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	revoked   RevocationList
	clock     clock.Clock
	parser    *jwt.Parser
}

type Option func(*Verifier)

// WithRevocationList rejects credentials whose session or token id is listed.
func WithRevocationList(l RevocationList) Option {
	return func(v *Verifier) { v.revoked = l }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// NewHMACVerifier verifies HS256 credentials.
func NewHMACVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: empty HMAC secret")
	}
	v := &Verifier{secret: secret}
	v.parser = &jwt.Parser{ValidMethods: []string{"HS256"}, SkipClaimsValidation: true}
	return v.apply(opts), nil
}

// NewRSAVerifier verifies RS256 credentials with a PEM encoded public key.
func NewRSAVerifier(pemBytes []byte, opts ...Option) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: error parsing public key: %w", err)
	}
	v := &Verifier{publicKey: key}
	v.parser = &jwt.Parser{ValidMethods: []string{"RS256"}, SkipClaimsValidation: true}
	return v.apply(opts), nil
}

// NewVerifier picks the verification mode from configuration: a public key
// file wins over a shared secret.
func NewVerifier(secret, publicKeyFile string, opts ...Option) (*Verifier, error) {
	if publicKeyFile != "" {
		data, err := os.ReadFile(publicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: error reading public key: %w", err)
		}
		return NewRSAVerifier(data, opts...)
	}
	return NewHMACVerifier([]byte(secret), opts...)
}

func (v *Verifier) apply(opts []Option) *Verifier {
	for _, opt := range opts {
		opt(v)
	}
	if v.clock == nil {
		v.clock = clock.Real()
	}
	if v.revoked == nil {
		v.revoked = NewMemoryRevocations()
	}
	return v
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.secret != nil {
			return v.secret, nil
		}
	case *jwt.SigningMethodRSA:
		if v.publicKey != nil {
			return v.publicKey, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

// Verify parses and checks a raw credential.
func (v *Verifier) Verify(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, apperr.Authentication("missing_credential", "credential is required")
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil || !token.Valid {
		return Identity{}, apperr.Authentication("invalid_credential", "credential is invalid")
	}

	now := v.clock.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Identity{}, apperr.Authentication("credential_expired", "credential is expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return Identity{}, apperr.Authentication("invalid_credential", "credential is not yet valid")
	}

	id := Identity{
		UserID:      stringClaim(claims, "user_id"),
		SessionID:   stringClaim(claims, "sid"),
		TokenID:     stringClaim(claims, "jti"),
		DisplayName: stringClaim(claims, "name"),
	}
	if id.UserID == "" {
		id.UserID = stringClaim(claims, "sub")
	}
	if id.UserID == "" {
		return Identity{}, apperr.Authentication("invalid_credential", "credential has no subject")
	}
	if exp, ok := claims["exp"].(float64); ok {
		id.ExpiresAt = time.Unix(int64(exp), 0)
	}

	for _, key := range []string{id.SessionID, id.TokenID} {
		if key == "" {
			continue
		}
		revoked, err := v.revoked.IsRevoked(ctx, key)
		if err != nil {
			return Identity{}, apperr.Internal("error checking revocation list", err)
		}
		if revoked {
			return Identity{}, apperr.Authentication("credential_revoked", "credential has been revoked")
		}
	}
	return id, nil
}

// stringClaim reads a claim that identity issuers encode either as a
// string or as a number.
func stringClaim(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// FromRequest extracts the raw credential from, in order, the Authorization
// bearer header, the auth cookie and the token query parameter. Browsers
// cannot set headers on a WebSocket upgrade, hence the last two.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// SignHS256 mints a credential. The identity issuer is external; this
// exists for the load generator and for tests.
func SignHS256(secret []byte, id Identity, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"user_id": id.UserID,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}
	if id.SessionID != "" {
		claims["sid"] = id.SessionID
	}
	if id.TokenID != "" {
		claims["jti"] = id.TokenID
	}
	if id.DisplayName != "" {
		claims["name"] = id.DisplayName
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
