package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/msync/internal/store"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got := ExpiryFromJWT(signedToken(t, exp))
	if got != exp.UnixMilli() {
		t.Errorf("ExpiryFromJWT = %d, want %d", got, exp.UnixMilli())
	}

	if ExpiryFromJWT("not-a-jwt") != 0 {
		t.Error("garbage token should yield 0")
	}
}

func TestFillExpiriesPrefersExplicit(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c := &store.Credential{
		AccessToken:     signedToken(t, exp),
		AccessExpiresAt: 12345,
	}
	FillExpiries(c)
	if c.AccessExpiresAt != 12345 {
		t.Errorf("explicit expiry overwritten: %d", c.AccessExpiresAt)
	}

	c = &store.Credential{AccessToken: signedToken(t, exp)}
	FillExpiries(c)
	if c.AccessExpiresAt != exp.UnixMilli() {
		t.Errorf("expiry not recovered from claim: %d", c.AccessExpiresAt)
	}
}
