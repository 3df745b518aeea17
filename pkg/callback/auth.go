package callback

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/kite-ci/kite/pkg/config"
)

// stripScheme removes an optional "Token" or "Bearer" prefix from an
// Authorization header value. LAVA sends the bare token.
func stripScheme(header string) string {
	for _, scheme := range []string{"Token ", "Bearer "} {
		if strings.HasPrefix(header, scheme) {
			return strings.TrimSpace(strings.TrimPrefix(header, scheme))
		}
	}
	return strings.TrimSpace(header)
}

// authorizeRuntime checks the presented shared secret against the
// named runtime's callback token. The token description embedded in
// job definitions is public; only the value authenticates.
func authorizeRuntime(secrets *config.Secrets, runtime, header string) bool {
	rt, ok := secrets.Runtimes[runtime]
	if !ok || rt.CallbackToken == "" {
		return false
	}
	presented := stripScheme(header)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(rt.CallbackToken)) == 1
}

// authorizeUser validates a signed bearer token and returns its
// subject.
func authorizeUser(jwtSecret, header string) (string, error) {
	raw := stripScheme(header)
	if raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}
