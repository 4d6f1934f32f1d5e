package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
)

const AudienceIssuer = "certsettle:issuer"
const RoleIssuer = "issuer"

// JWTTokenizer implements the IssuerTokenizer interface using JWT
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	now     func() time.Time
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.IssuerTokenizer {
	return &JWTTokenizer{signKey: signKey, now: time.Now}
}

// IssueToken signs an issuer token valid for ttl
func (j *JWTTokenizer) IssueToken(issuerID string, ttl time.Duration) (string, error) {
	if issuerID == "" {
		return "", errors.New("issuer id is required")
	}
	now := j.now()
	claims := IssuerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   issuerID,
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  jwt.ClaimStrings{AudienceIssuer},
		},
		Role: RoleIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// VerifyToken parses an issuer token and returns its issuer id
func (j *JWTTokenizer) VerifyToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &IssuerClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceIssuer), jwt.WithTimeFunc(j.now))

	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", errors.Join(core.ErrInvalidToken, err))
	}

	if !token.Valid {
		return "", core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*IssuerClaims)
	if !ok || claims.Role != RoleIssuer || claims.Subject == "" {
		return "", core.ErrInvalidToken
	}

	return claims.Subject, nil
}

// LoadSigningKey reads a PEM encoded P-256 private key from path
func LoadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(raw)
}

// ParseSigningKey decodes a PEM encoded P-256 private key
func ParseSigningKey(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not an ECDSA key")
		}
		key = ecKey
	}

	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing key must use the P-256 curve")
	}
	return key, nil
}

// EncodeSigningKey PEM encodes a private key
func EncodeSigningKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
