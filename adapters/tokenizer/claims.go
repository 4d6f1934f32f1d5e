package tokenizer

import "github.com/golang-jwt/jwt/v5"

// IssuerClaims are the claims of an issuer bearer token
type IssuerClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}
