package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func TestVerifyDev(t *testing.T) {
	v := NewVerifier("dev", "", "")
	p, err := v.Verify("Admin:ops")
	require.NoError(t, err)
	assert.Equal(t, Principal{Role: "admin", Subject: "ops"}, p)
	assert.True(t, v.TrustsHeaders())

	_, err = v.Verify(" ")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier("hmac", string(secret), "role")
	assert.False(t, v.TrustsHeaders())

	valid := sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
		"sub": "ops", "role": "admin", "exp": time.Now().Add(time.Hour).Unix(),
	})
	p, err := v.Verify(valid)
	require.NoError(t, err)
	assert.Equal(t, Principal{Role: "admin", Subject: "ops"}, p)

	noRole := sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1"})
	p, err = v.Verify(noRole)
	require.NoError(t, err)
	assert.Equal(t, "rider", p.Role)

	cases := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"role": "admin"}),
		"expired":      sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"role": "admin", "exp": time.Now().Add(-time.Minute).Unix()}),
		"hs512":        sign(t, jwt.SigningMethodHS512, secret, jwt.MapClaims{"role": "admin"}),
		"none":         sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"role": "admin"}),
		"garbage":      "not.a.jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestVerifyUnknownMode(t *testing.T) {
	_, err := NewVerifier("jwks", "", "").Verify("tok")
	assert.Error(t, err)
}
