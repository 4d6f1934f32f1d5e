package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/certsettle/ports"
	"github.com/layer-3/certsettle/service"
)

// SetupRouter sets up the Gin router. metrics may be nil.
func SetupRouter(dispatcher *service.Dispatcher, tokenizer ports.IssuerTokenizer, metrics http.Handler) *gin.Engine {
	router := gin.Default()

	// Create handlers
	handlers := NewCredentialHandlers(dispatcher)

	router.GET("/health", handlers.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	// Public API routes
	api := router.Group("/api")
	{
		api.GET("/credentials", OptionalIssuerMiddleware(tokenizer), handlers.List)
		api.GET("/verify", handlers.Verify)
	}

	// Issuer routes
	issuer := api.Group("/credentials")
	issuer.Use(IssuerMiddleware(tokenizer))
	{
		issuer.POST("/issue", handlers.Issue)
		issuer.POST("/settle", handlers.Settle)
	}

	return router
}
