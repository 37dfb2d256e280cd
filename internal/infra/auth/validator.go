// Package auth проверяет операторские JWT (RS256) на админских маршрутах:
// ротация ключей подписи и управление политиками.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAdminScope — право оператора, открывающее админские маршруты
const DefaultAdminScope = "admin"

var ErrMissingScope = errors.New("operator scope missing")

// OperatorClaims — claims операторского токена. Scopes: {"admin": true}.
type OperatorClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *OperatorClaims) HasScope(scope string) bool {
	return c.Scopes[scope]
}

// TokenValidator — проверка токена оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*OperatorClaims, error)
}

// BaseValidator содержит общую логику проверки RS256
type BaseValidator struct {
	publicKey *rsa.PublicKey
}

func NewBaseValidator(pubKey *rsa.PublicKey) *BaseValidator {
	return &BaseValidator{publicKey: pubKey}
}

// VerifyToken принимает "Bearer <jwt>" или голый токен. Токен без exp не принимается.
func (v *BaseValidator) VerifyToken(tokenStr string) (*OperatorClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// LoadValidator читает PEM с диска и собирает валидатор
func LoadValidator(path string) (*BaseValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operator public key: %w", err)
	}
	key, err := ParseRSAPublicKey(data)
	if err != nil {
		return nil, err
	}
	return NewBaseValidator(key), nil
}
