package ports

import "time"

// IssuerTokenizer converts between issuer identities and bearer tokens
type IssuerTokenizer interface {
	// IssueToken signs a token for an approved issuer
	IssueToken(issuerID string, ttl time.Duration) (string, error)

	// VerifyToken returns the issuer id carried by a valid token
	VerifyToken(token string) (string, error)
}
