package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/mqttlink/internal/topic"
)

// Issuer is the iss claim of every token mqttlink mints and accepts.
const Issuer = "mqttlink"

const defaultTTL = 15 * time.Minute

// CustomClaims are the JWT claims of an API access token.
//
// Topics optionally scopes publish and subscribe to a set of topic
// filters; an empty list means any topic.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role   Role     `json:"role"`
	Topics []string `json:"topics,omitempty"`
}

// AllowsTopic reports whether the token may publish to name.
func (c *CustomClaims) AllowsTopic(name string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	return slices.ContainsFunc(c.Topics, func(f string) bool { return topic.Match(f, name) })
}

// AllowsFilter reports whether the token may subscribe to filter: every
// topic the filter can match must also match some scope entry. So
// "esp8266/+/status" is covered by "esp8266/#" but not by
// "esp8266/led/status".
func (c *CustomClaims) AllowsFilter(filter string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	return slices.ContainsFunc(c.Topics, func(scope string) bool { return covers(scope, filter) })
}

func covers(scope, filter string) bool {
	s, f := strings.Split(scope, "/"), strings.Split(filter, "/")
	for i, level := range s {
		if level == "#" {
			return true
		}
		if i >= len(f) || f[i] == "#" {
			return false
		}
		if level != "+" && level != f[i] {
			return false
		}
	}
	return len(s) == len(f)
}

// GenerateAccessToken signs an HS256 access token for subject. A
// non-positive ttlMinutes uses 15 minutes. Tokens are validated by
// signature only; there is no revocation list.
func GenerateAccessToken(subject string, role Role, secret string, ttlMinutes int, topics ...string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	if !IsValidSubject(subject) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	for _, f := range topics {
		if err := topic.ValidateFilter(f); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidScope, err)
		}
	}

	ttl := defaultTTL
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * time.Minute
	}
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:   role,
		Topics: topics,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature, issuer and expiry and returns the claims.
// Every failure wraps ErrTokenInvalid.
func ParseToken(raw, secret string) (*CustomClaims, error) {
	claims := new(CustomClaims)
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	switch {
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	case !IsValidRole(claims.Role):
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	for _, f := range claims.Topics {
		if topic.ValidateFilter(f) != nil {
			return nil, fmt.Errorf("%w: bad topic scope %q", ErrTokenInvalid, f)
		}
	}
	return claims, nil
}
