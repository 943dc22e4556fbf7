package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func TestGenerateAndVerify(t *testing.T) {
	SetSecret("unit-test-secret")
	SetExpiration(5)

	tokenStr, err := GenerateJWT("user-123", "chat_service")
	assert.NoError(t, err)
	assert.NotEmpty(t, tokenStr)

	userID, err := Verify(tokenStr)
	assert.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

// 過期的 token 要回報 ErrTokenExpired 而不是泛用的 invalid
func TestVerifyExpiredToken(t *testing.T) {
	SetSecret("unit-test-secret")

	claims := Claims{
		UserID: "user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(JWTSecret)
	assert.NoError(t, err)

	_, err = Verify(tokenStr)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

// 不同 secret 簽出來的 token 驗不過
func TestVerifyWrongSignature(t *testing.T) {
	SetSecret("unit-test-secret")

	claims := Claims{
		UserID: "user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("someone-else"))
	assert.NoError(t, err)

	_, err = Verify(tokenStr)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyGarbage(t *testing.T) {
	SetSecret("unit-test-secret")

	_, err := Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

// 缺 user_id claim 的 token 即使簽章正確也不能用
func TestVerifyMissingSubject(t *testing.T) {
	SetSecret("unit-test-secret")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(JWTSecret)
	assert.NoError(t, err)

	_, err = Verify(tokenStr)
	assert.ErrorIs(t, err, ErrMissingSubject)
}
