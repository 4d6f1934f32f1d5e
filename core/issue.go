package core

import (
	"strings"
	"time"
)

// MaxExpiresInDays caps rental periods so expiry arithmetic cannot overflow
const MaxExpiresInDays = 100 * 366

// IssueRequest is an inbound issuance request
type IssueRequest struct {
	UserWallet    string
	Course        string
	Skills        []string
	ExpiresInDays int
	ContentRef    string
	IssuerID      string
}

// Validate checks the request constraints
func (r IssueRequest) Validate() error {
	if !ValidWallet(r.UserWallet) {
		return ErrInvalidWallet
	}
	if strings.TrimSpace(r.Course) == "" {
		return ErrInvalidCourse
	}
	if r.ExpiresInDays < 0 || r.ExpiresInDays > MaxExpiresInDays {
		return ErrInvalidExpiry
	}
	return nil
}

// Credential builds the pending record for the request at now
func (r IssueRequest) Credential(now time.Time) *PendingCredential {
	var expiresAt int64
	if r.ExpiresInDays > 0 {
		expiresAt = now.Unix() + int64(r.ExpiresInDays)*SecondsPerDay
	}
	skills := make([]string, len(r.Skills))
	copy(skills, r.Skills)

	return &PendingCredential{
		UserWallet: NormalizeWallet(r.UserWallet),
		Course:     strings.TrimSpace(r.Course),
		Skills:     skills,
		ExpiresAt:  expiresAt,
		ContentRef: r.ContentRef,
		IsRental:   expiresAt > 0,
		IssuerID:   r.IssuerID,
		CreatedAt:  now,
	}
}

// IssueResult is the definite outcome of an issuance
type IssueResult struct {
	ID             string
	Status         IssueStatus
	Method         Method
	TransactionRef string
	BlockHeight    uint64
}

// SettleResult is the outcome of a batch settlement
type SettleResult struct {
	SettledCount    int
	TransactionRefs []string
	Failed          []string
	Message         string
}

// NothingToSettle is the message returned when a wallet has no unsettled records
const NothingToSettle = "Nothing to settle"
