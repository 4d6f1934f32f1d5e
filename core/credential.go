package core

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SecondsPerDay converts rental periods into epoch offsets
const SecondsPerDay = 86400

// Method names the channel that committed a credential
type Method string

const (
	// MethodRelay is the fee-sponsored relay path
	MethodRelay Method = "relay"

	// MethodDirect is the backend-paid signed transaction path
	MethodDirect Method = "direct"

	// MethodQueued means the commitment was deferred to batch settlement
	MethodQueued Method = "queued"
)

// IssueStatus is the caller-visible outcome of an issuance
type IssueStatus string

const (
	StatusMinted IssueStatus = "minted"
	StatusQueued IssueStatus = "queued"
)

// CredentialStatus is the verification status of a credential
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
)

// PendingCredential is the durable record of a requested credential
type PendingCredential struct {
	ID             string    // Store-assigned identifier
	UserWallet     string    // Lower-case hex ledger address of the holder
	Course         string    // Course or skill name
	Skills         []string  // Ordered skill list
	ExpiresAt      int64     // Epoch seconds, zero for non-expiring
	ContentRef     string    // Off-ledger metadata reference
	IsRental       bool      // True iff ExpiresAt was set to a future time
	IssuerID       string    // Issuer that requested the credential
	Settled        bool      // On-chain commitment exists and was acknowledged
	TransactionRef string    // Hash of the committing transaction
	BlockHeight    uint64    // Block of the committing transaction
	CreatedAt      time.Time // Creation time
}

// Committed reports whether commitment evidence is attached
func (c PendingCredential) Committed() bool {
	return c.TransactionRef != ""
}

// AwaitingConfirmation reports whether the attached transaction was broadcast but not seen mined
func (c PendingCredential) AwaitingConfirmation() bool {
	return c.TransactionRef != "" && c.BlockHeight == 0
}

// MintInput returns the instruction that commits this record
func (c PendingCredential) MintInput() MintInput {
	var expires uint64
	if c.ExpiresAt > 0 {
		expires = uint64(c.ExpiresAt)
	}
	return MintInput{
		To:         c.UserWallet,
		Course:     c.Course,
		Expires:    expires,
		ContentRef: c.ContentRef,
		IsRental:   c.IsRental,
	}
}

// Status returns whether the credential is still valid at now
func (c PendingCredential) Status(now time.Time) CredentialStatus {
	if c.ExpiresAt > 0 && c.ExpiresAt < now.Unix() {
		return CredentialExpired
	}
	return CredentialActive
}

// MintInput is the on-chain instruction shared by every strategy
type MintInput struct {
	To         string
	Course     string
	Expires    uint64
	ContentRef string
	IsRental   bool
}

// Receipt is the evidence of a confirmed ledger transaction
type Receipt struct {
	TxHash      string
	BlockHeight uint64
}

// MintOutcome is the result of one strategy attempt
type MintOutcome struct {
	Strategy       Method
	TransactionRef string
	BlockHeight    uint64
	Err            error
}

// Succeeded reports whether the attempt produced a commitment
func (o MintOutcome) Succeeded() bool {
	return o.Err == nil && o.TransactionRef != ""
}

// Unconfirmed returns the hash of a transaction the attempt broadcast without seeing it mined
func (o MintOutcome) Unconfirmed() (string, bool) {
	return UnconfirmedTx(o.Err)
}

// NormalizeWallet lower-cases a wallet so lookups do not depend on checksum casing
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// ValidWallet reports whether wallet is a 20-byte hex address
func ValidWallet(wallet string) bool {
	w := strings.TrimSpace(wallet)
	return strings.HasPrefix(w, "0x") && common.IsHexAddress(w)
}
