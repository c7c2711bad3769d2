package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	tokenIssuer           = "custodian"
	defaultExpireDuration = 24 * time.Hour
)

// OperatorClaims identify the operator driving transactions through the API.
type OperatorClaims struct {
	jwt.StandardClaims
}

type AuthService struct {
	jwtSecret []byte
	ttl       time.Duration
}

func NewAuthService(secret string, ttl time.Duration) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultExpireDuration
	}
	return &AuthService{jwtSecret: []byte(secret), ttl: ttl}, nil
}

func (a *AuthService) GenerateToken(operator string) (string, error) {
	if operator == "" {
		return "", errors.New("operator cannot be empty")
	}
	now := time.Now()
	claims := &OperatorClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   operator,
			Issuer:    tokenIssuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(a.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *AuthService) ValidateToken(tokenStr string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	if claims.Issuer != tokenIssuer || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
