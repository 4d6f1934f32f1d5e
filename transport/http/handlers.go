package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/service"
)

// CredentialHandlers contains HTTP handlers for credential endpoints
type CredentialHandlers struct {
	dispatcher *service.Dispatcher
}

// NewCredentialHandlers creates new credential handlers
func NewCredentialHandlers(dispatcher *service.Dispatcher) *CredentialHandlers {
	return &CredentialHandlers{
		dispatcher: dispatcher,
	}
}

type credentialView struct {
	ID             string   `json:"id"`
	UserWallet     string   `json:"userWallet"`
	Course         string   `json:"course"`
	Skills         []string `json:"skills"`
	ExpiresAt      int64    `json:"expiresAt"`
	ContentRef     string   `json:"contentRef"`
	IsRental       bool     `json:"isRental"`
	IssuerID       string   `json:"issuerId,omitempty"`
	Settled        bool     `json:"settled"`
	TransactionRef string   `json:"transactionRef,omitempty"`
	BlockHeight    uint64   `json:"blockHeight,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	Status         string   `json:"status,omitempty"`
}

func newCredentialView(c core.PendingCredential) credentialView {
	skills := c.Skills
	if skills == nil {
		skills = []string{}
	}
	return credentialView{
		ID:             c.ID,
		UserWallet:     c.UserWallet,
		Course:         c.Course,
		Skills:         skills,
		ExpiresAt:      c.ExpiresAt,
		ContentRef:     c.ContentRef,
		IsRental:       c.IsRental,
		IssuerID:       c.IssuerID,
		Settled:        c.Settled,
		TransactionRef: c.TransactionRef,
		BlockHeight:    c.BlockHeight,
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func credentialViews(records []core.PendingCredential) []credentialView {
	views := make([]credentialView, len(records))
	for i, record := range records {
		views[i] = newCredentialView(record)
	}
	return views
}

// Issue handles a credential issuance request
func (h *CredentialHandlers) Issue(c *gin.Context) {
	var req struct {
		UserWallet    string   `json:"userWallet" binding:"required"`
		Course        string   `json:"course" binding:"required"`
		Skills        []string `json:"skills"`
		ExpiresInDays int      `json:"expiresInDays"`
		ContentRef    string   `json:"contentRef"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.dispatcher.IssueCredential(c.Request.Context(), core.IssueRequest{
		UserWallet:    req.UserWallet,
		Course:        req.Course,
		Skills:        req.Skills,
		ExpiresInDays: req.ExpiresInDays,
		ContentRef:    req.ContentRef,
		IssuerID:      c.GetString(issuerIDKey),
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidWallet):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		case errors.Is(err, core.ErrInvalidCourse):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Course is required"})
		case errors.Is(err, core.ErrInvalidExpiry):
			c.JSON(http.StatusBadRequest, gin.H{"error": "expiresInDays must be between 0 and 36600"})
		case errors.Is(err, core.ErrCommitmentNotRecorded):
			// The mint happened; the caller needs the reference to reconcile
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":          "Credential minted but not recorded",
				"id":             result.ID,
				"transactionRef": result.TransactionRef,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue credential"})
		}
		return
	}

	response := gin.H{
		"id":     result.ID,
		"status": result.Status,
		"method": result.Method,
	}
	if result.TransactionRef != "" {
		response["transactionRef"] = result.TransactionRef
		response["blockHeight"] = result.BlockHeight
	}
	c.JSON(http.StatusOK, response)
}

// Settle handles a batch settlement request for one wallet
func (h *CredentialHandlers) Settle(c *gin.Context) {
	var req struct {
		UserWallet string `json:"userWallet" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.dispatcher.SettlePending(c.Request.Context(), req.UserWallet)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidWallet):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		case errors.Is(err, core.ErrPartialSettlement):
			c.JSON(http.StatusMultiStatus, gin.H{
				"settledCount":    result.SettledCount,
				"transactionRefs": nonNil(result.TransactionRefs),
				"failed":          result.Failed,
				"error":           "Some credentials could not be settled",
			})
		case errors.Is(err, core.ErrStrategyNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Settlement is not configured"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to settle credentials"})
		}
		return
	}

	if result.Message != "" {
		c.JSON(http.StatusOK, gin.H{"message": result.Message})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settledCount":    result.SettledCount,
		"transactionRefs": nonNil(result.TransactionRefs),
	})
}

// List returns the credentials of a wallet, or of the authenticated issuer when no wallet is given
func (h *CredentialHandlers) List(c *gin.Context) {
	if wallet := c.Query("wallet"); wallet != "" {
		records, err := h.dispatcher.Credentials(c.Request.Context(), wallet)
		if err != nil {
			if errors.Is(err, core.ErrInvalidWallet) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"credentials": credentialViews(records)})
		return
	}

	issuerID := c.GetString(issuerIDKey)
	if issuerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wallet query or issuer token required"})
		return
	}

	records, err := h.dispatcher.IssuerCredentials(c.Request.Context(), issuerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": credentialViews(records)})
}

// Verify reports whether a credential, or every credential of a wallet, is still valid
func (h *CredentialHandlers) Verify(c *gin.Context) {
	if id := c.Query("id"); id != "" {
		verification, err := h.dispatcher.Verify(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, core.ErrCredentialNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Credential not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify credential"})
			return
		}
		view := newCredentialView(verification.Credential)
		view.Status = string(verification.Status)
		c.JSON(http.StatusOK, view)
		return
	}

	wallet := c.Query("wallet")
	if wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id or wallet query required"})
		return
	}

	verifications, err := h.dispatcher.VerifyWallet(c.Request.Context(), wallet)
	if err != nil {
		if errors.Is(err, core.ErrInvalidWallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify credentials"})
		return
	}

	views := make([]credentialView, len(verifications))
	for i, v := range verifications {
		views[i] = newCredentialView(v.Credential)
		views[i].Status = string(v.Status)
	}
	c.JSON(http.StatusOK, gin.H{"credentials": views})
}

// Health reports liveness and the settlement network session state
func (h *CredentialHandlers) Health(c *gin.Context) {
	session := "disabled"
	if state, ok := h.dispatcher.SessionState(); ok {
		session = state.String()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": session})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
