package relay

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthorizeDesktopRoundTrip(t *testing.T) {
	secret := "shh-its-a-secret"
	header := DesktopBearerToken("relayabc123", secret, time.Now())

	fp, err := authorizeDesktop(secret, header)
	if err != nil {
		t.Fatalf("authorizeDesktop: %v", err)
	}
	if fp != "relayabc123" {
		t.Fatalf("fingerprint = %s, want relayabc123", fp)
	}
}

func TestAuthorizeDesktopRejectsBadHMAC(t *testing.T) {
	header := DesktopBearerToken("relayabc123", "secret-a", time.Now())
	if _, err := authorizeDesktop("secret-b", header); err == nil {
		t.Fatalf("expected hmac mismatch error")
	}
}

func TestAuthorizeDesktopRejectsStaleTimestamp(t *testing.T) {
	secret := "shh"
	header := DesktopBearerToken("relayabc123", secret, time.Now().Add(-time.Hour))
	if _, err := authorizeDesktop(secret, header); err == nil {
		t.Fatalf("expected expired timestamp error")
	}
}

func TestAuthorizeDesktopRejectsMalformedHeader(t *testing.T) {
	if _, err := authorizeDesktop("secret", ""); err == nil {
		t.Fatalf("expected missing header error")
	}
	if _, err := authorizeDesktop("secret", "Bearer justonefield"); err == nil {
		t.Fatalf("expected invalid token format error")
	}
}

func TestAuthorizeMobileValidatesJWT(t *testing.T) {
	secret := "relay-jwt-secret"
	claims := mobileClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Subscription:      true,
		DeviceFingerprint: "fp-abc",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := authorizeMobile(secret, "Bearer "+signed)
	if err != nil {
		t.Fatalf("authorizeMobile: %v", err)
	}
	if !got.Subscription || got.DeviceFingerprint != "fp-abc" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestAuthorizeMobileRejectsExpired(t *testing.T) {
	secret := "relay-jwt-secret"
	claims := mobileClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Subscription: true,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))

	if _, err := authorizeMobile(secret, "Bearer "+signed); err == nil {
		t.Fatalf("expected expired token error")
	}
}
