// Package auth resolves bearer credentials to a License/Tenant pair. Both
// raw license keys and short-lived JWTs minted from them are accepted.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds how long an exchanged token stays valid.
const TokenTTL = 24 * time.Hour

// Claims carry the license identity inside an exchanged token. The raw
// license key itself is never embedded.
type Claims struct {
	LicenseID string `json:"license_id"`
	TenantID  string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// GenerateToken mints a signed token for a validated license.
func GenerateToken(licenseID, tenantID, secret string) (string, error) {
	claims := &Claims{
		LicenseID: licenseID,
		TenantID:  tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies an exchanged token.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
