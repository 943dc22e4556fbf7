package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims structure for custom claims in JWT
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// 驗證失敗的原因要分開回報，caller 才能記 log 區分（都不重試）
var (
	// ErrTokenInvalid signature 錯誤或格式不對
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired 有效期限已過
	ErrTokenExpired = errors.New("token expired")
	// ErrMissingSubject token 缺少 user_id claim
	ErrMissingSubject = errors.New("token missing subject")
)

// Secret Key for JWT signing and validation
var (
	JWTSecret       = []byte("secure_secret_key")
	tokenExpiration = 60 * time.Minute
)

// SetSecret override the signing key from config
func SetSecret(secret string) {
	if secret != "" {
		JWTSecret = []byte(secret)
	}
}

// SetExpiration override the token validity window from config
func SetExpiration(minutes int) {
	if minutes > 0 {
		tokenExpiration = time.Duration(minutes) * time.Minute
	}
}

// GenerateJWT generates a JWT token
func GenerateJWT(userID, issuer string) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(JWTSecret)
}

// Verify validates a bearer token and extracts the user id
func Verify(tokenStr string) (string, error) {
	claims, err := ParseJWT(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if claims.UserID == "" {
		return "", ErrMissingSubject
	}
	return claims.UserID, nil
}

// ParseJWT parses a JWT and extracts the Claims
func ParseJWT(tokenStr string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
