package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

type JwtCustomClaim struct {
	TenantId string `json:"tenant_id"`
	Role     string `json:"role"`
	// BranchId is the staff member's home branch; X-Branch-Id may override it.
	BranchId string `json:"branch_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *JwtCustomClaim) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

const devJwtSecret = "stock-engine-secret"

func getJwtSecret() []byte {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return []byte(devJwtSecret)
	}
	return []byte(secret)
}

// CheckJwtSecret fails in production when API_SECRET is unset; the built-in
// development key would let anyone sign tokens for any tenant.
func CheckJwtSecret() error {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		return nil
	}
	if strings.TrimSpace(os.Getenv("API_SECRET")) == "" {
		return errors.New("API_SECRET must be set when GO_ENV=production")
	}
	return nil
}

func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || hours <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

func JwtGenerate(userId, tenantId, branchId, role string) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		TenantId: tenantId,
		Role:     role,
		BranchId: branchId,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifespan())),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return t.SignedString(getJwtSecret())
}

func JwtValidate(token string) (*JwtCustomClaim, error) {
	parsed, err := jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return getJwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
