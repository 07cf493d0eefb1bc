package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/satriahrh/arunika/voiceagent/domain"
)

// ErrInvalidControlToken is returned for control API tokens that fail validation
var ErrInvalidControlToken = errors.New("invalid control token")

// JWTClaims represents the claims in a control API token
type JWTClaims struct {
	Role string `json:"role"` // "operator" or "viewer"
	jwt.RegisteredClaims
}

// BearerInfo is what can be read from a pipeline bearer token without verifying it
type BearerInfo struct {
	Subject   string
	ExpiresAt time.Time
	IsJWT     bool
}

// Inspect reads the subject and expiry of a pipeline bearer token. The token is issued by an
// external provider and is forwarded unmodified, so its signature is not checked here.
// Opaque tokens are accepted as is; a JWT that has already expired yields
// domain.ErrTokenExpired.
func Inspect(token string, now time.Time) (BearerInfo, error) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return BearerInfo{}, nil
	}

	info := BearerInfo{Subject: claims.Subject, IsJWT: true}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(info.ExpiresAt) {
			return info, domain.ErrTokenExpired
		}
	}
	return info, nil
}

// ControlAuth issues and validates tokens for the local control API
type ControlAuth struct {
	secret []byte
}

// NewControlAuth creates a validator keyed by secret. An empty secret disables validation.
func NewControlAuth(secret string) *ControlAuth {
	return &ControlAuth{secret: []byte(secret)}
}

// Enabled reports whether control tokens are required
func (a *ControlAuth) Enabled() bool {
	return len(a.secret) > 0
}

// GenerateToken issues a control token for subject
func (a *ControlAuth) GenerateToken(subject, role string, ttl time.Duration) (string, error) {
	claims := &JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a control token and returns the claims
func (a *ControlAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControlToken, err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidControlToken
}
