// Package authtoken issues and validates the short-lived HS256 tokens that
// guard the admin endpoints. When no signing key is configured the admin
// surface is open, which is the expected mode for local development.
package authtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"haleoracle/pkg/platform/sentinel"
)

// Claims carried by an admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// RoleAdmin marks a token allowed to mint codes and list registered users.
const RoleAdmin = "admin"

// Service signs and validates admin tokens.
type Service struct {
	signingKey []byte
	issuer     string
}

func New(signingKey, issuer string) *Service {
	return &Service{signingKey: []byte(signingKey), issuer: issuer}
}

// Enabled reports whether admin endpoints require a token.
func (s *Service) Enabled() bool {
	return len(s.signingKey) > 0
}

// Generate mints an admin token valid for expiresIn.
func (s *Service) Generate(expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// Validate parses the token and checks it grants the admin role.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, sentinel.ErrExpired
		}
		return nil, sentinel.ErrUnauthorized
	}
	if !parsed.Valid {
		return nil, sentinel.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Role != RoleAdmin {
		return nil, sentinel.ErrUnauthorized
	}
	return claims, nil
}
