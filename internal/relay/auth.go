package relay

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// desktopTokenSkew is how far a desktop's HMAC bearer token timestamp may
// drift from the broker's clock before it is rejected.
const desktopTokenSkew = 300 * time.Second

// authorizeDesktop validates a desktop's "Authorization: Bearer
// <relay_id>:<unix_ts>:<hmac>" header and returns the relay id on success,
// used as the desktop's fingerprint.
//
// The hmac here is a non-cryptographic hash (hash/fnv), matching a
// placeholder in the source this broker is modeled on. It is a convenience
// binding, not a real signature — a production deployment should replace
// this with an Ed25519 signature over the same fields.
func authorizeDesktop(secret, authHeader string) (fingerprint string, err error) {
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", fmt.Errorf("invalid auth format")
	}
	token = strings.TrimSpace(token)

	parts := strings.Split(token, ":")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid token format")
	}
	relayID, tsStr, providedHMAC := parts[0], parts[1], parts[2]

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp")
	}
	age := time.Since(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > desktopTokenSkew {
		return "", fmt.Errorf("timestamp expired")
	}

	expected := desktopHMAC(relayID, tsStr, secret)
	if providedHMAC != expected {
		return "", fmt.Errorf("invalid hmac")
	}

	return relayID, nil
}

func desktopHMAC(relayID, tsStr, secret string) string {
	h := fnv.New64a()
	h.Write([]byte(relayID + ":" + tsStr + ":" + secret))
	return strconv.FormatUint(h.Sum64(), 16)
}

// DesktopBearerToken builds the Authorization header value a desktop
// presents to /ws/desktop/{relay_id}, for use by host-side dialers.
func DesktopBearerToken(relayID, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return fmt.Sprintf("Bearer %s:%s:%s", relayID, ts, desktopHMAC(relayID, ts, secret))
}

// mobileClaims are the JWT claims a mobile client's bearer token must carry.
type mobileClaims struct {
	jwt.RegisteredClaims
	Subscription      bool   `json:"subscription_active"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// authorizeMobile validates a mobile's "Authorization: Bearer <jwt>" header
// against an HS256 secret and returns its claims.
func authorizeMobile(secret, authHeader string) (*mobileClaims, error) {
	if authHeader == "" {
		return nil, fmt.Errorf("missing authorization header")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("invalid auth format")
	}
	token = strings.TrimSpace(token)

	claims := &mobileClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("empty subject")
	}
	return claims, nil
}
