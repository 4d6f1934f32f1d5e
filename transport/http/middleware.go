package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/certsettle/ports"
)

const issuerIDKey = "issuerID"

// IssuerMiddleware creates middleware that requires a valid issuer token
func IssuerMiddleware(tokenizer ports.IssuerTokenizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		issuerID, err := tokenizer.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		// Set the issuer in the context
		c.Set(issuerIDKey, issuerID)

		c.Next()
	}
}

// OptionalIssuerMiddleware records the issuer when a valid token is present and never aborts
func OptionalIssuerMiddleware(tokenizer ports.IssuerTokenizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if issuerID, err := tokenizer.VerifyToken(token); err == nil {
				c.Set(issuerIDKey, issuerID)
			}
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")

	// Check if the Authorization header is present and in correct format
	if len(auth) < 8 || !strings.EqualFold(auth[:7], "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(auth[7:]), true
}
