package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/msync/internal/store"
)

// Store is the secure credential store. The session sqlite db implements
// it; platform builds may swap in a keychain-backed implementation.
// Writes are atomic per call and only the Coordinator performs them.
type Store interface {
	GetCredential() (*store.Credential, error)
	SetCredential(*store.Credential) error
	ClearCredential() error
}

// ExpiryFromJWT recovers the exp claim (unix ms) from a JWT access token
// without verifying the signature. The client has no signing key and only
// needs the timestamp; authorization is enforced server-side anyway.
// Returns 0 if the token is not a parseable JWT or carries no exp.
func ExpiryFromJWT(token string) int64 {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.UnixMilli()
}

// SubjectFromJWT recovers the sub claim from a JWT access token without
// verifying the signature. Returns "" when absent or unparseable.
func SubjectFromJWT(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// FillExpiries populates missing expiry metadata on a credential from the
// access token's exp claim. Explicit expiries from the token endpoint win.
func FillExpiries(c *store.Credential) {
	if c.AccessExpiresAt == 0 {
		c.AccessExpiresAt = ExpiryFromJWT(c.AccessToken)
	}
	if c.RefreshExpiresAt == 0 {
		c.RefreshExpiresAt = ExpiryFromJWT(c.RefreshToken)
	}
}
