package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"llm_dispatcher/internal/config"
)

// DefaultTokenTTL is the lifetime of operator tokens issued by the CLI
const DefaultTokenTTL = 12 * time.Hour

const issuer = "llm-dispatcher"

// ErrInvalidToken is returned for tokens that fail validation
var ErrInvalidToken = errors.New("invalid token")

// AdminClaims are the claims of an admin JWT
type AdminClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AdminID returns the token subject
func (c *AdminClaims) AdminID() string {
	return c.Subject
}

// HasPermission reports whether any role grants required
func (c *AdminClaims) HasPermission(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// GenerateAdminJWT signs a token for subject with the given roles
func GenerateAdminJWT(subject string, roles []Role, ttl time.Duration, cfg *config.Config) (string, int64, error) {
	if subject == "" {
		return "", 0, errors.New("subject is required")
	}
	if len(roles) == 0 {
		return "", 0, errors.New("at least one role is required")
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", 0, fmt.Errorf("invalid role %q", r)
		}
		names = append(names, r.String())
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	expirationTime := now.Add(ttl)
	claims := AdminClaims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expirationTime),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signedToken, expirationTime.Unix(), nil
}

// ValidateAdminJWT verifies signature, expiry and issuer and returns the claims
func ValidateAdminJWT(tokenString string, cfg *config.Config) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Issuer != issuer || len(claims.Roles) == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
