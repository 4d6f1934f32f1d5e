package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/certsettle/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestIssueAndVerify(t *testing.T) {
	tok := NewJWTTokenizer(newKey(t))

	token, err := tok.IssueToken("academy-1", time.Hour)
	require.NoError(t, err)

	issuer, err := tok.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "academy-1", issuer)
}

func TestVerifyExpired(t *testing.T) {
	key := newKey(t)
	tok := &JWTTokenizer{signKey: key, now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}

	token, err := tok.IssueToken("academy-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTTokenizer(key).VerifyToken(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyWrongKey(t *testing.T) {
	token, err := NewJWTTokenizer(newKey(t)).IssueToken("academy-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTTokenizer(newKey(t)).VerifyToken(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyWrongAudience(t *testing.T) {
	key := newKey(t)
	claims := IssuerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "academy-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Audience:  jwt.ClaimStrings{"session:access"},
		},
		Role: RoleIssuer,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	require.NoError(t, err)

	_, err = NewJWTTokenizer(key).VerifyToken(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyRejectsOtherRoles(t *testing.T) {
	key := newKey(t)
	claims := IssuerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "student-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Audience:  jwt.ClaimStrings{AudienceIssuer},
		},
		Role: "student",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	require.NoError(t, err)

	_, err = NewJWTTokenizer(key).VerifyToken(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestIssueRequiresIssuer(t *testing.T) {
	_, err := NewJWTTokenizer(newKey(t)).IssueToken("", time.Hour)
	assert.Error(t, err)
}

func TestSigningKeyRoundTrip(t *testing.T) {
	key := newKey(t)
	encoded, err := EncodeSigningKey(key)
	require.NoError(t, err)

	parsed, err := ParseSigningKey(encoded)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = ParseSigningKey([]byte("garbage"))
	assert.Error(t, err)
}
