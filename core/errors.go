package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWallet is returned when a wallet is not a well-formed ledger address
	ErrInvalidWallet = errors.New("invalid wallet address")

	// ErrInvalidCourse is returned when the course name is empty
	ErrInvalidCourse = errors.New("course is required")

	// ErrInvalidExpiry is returned when the requested rental period is negative or too long
	ErrInvalidExpiry = errors.New("expiresInDays out of range")

	// ErrCredentialNotFound is returned when no record exists for an id
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrAlreadySettled is returned when a settled record would be mutated
	ErrAlreadySettled = errors.New("credential already settled")

	// ErrAlreadyCommitted is returned when a record already carries a transaction reference
	ErrAlreadyCommitted = errors.New("credential already committed")

	// ErrStoreOperationFailed is returned when the pending store cannot complete a write
	ErrStoreOperationFailed = errors.New("store operation failed")

	// ErrCommitmentNotRecorded is returned when a mint succeeded but its evidence could not be stored
	ErrCommitmentNotRecorded = errors.New("commitment minted but not recorded")

	// ErrPartialSettlement is returned when some records of a batch could not be settled
	ErrPartialSettlement = errors.New("settlement partially failed")

	// ErrStrategyNotConfigured is returned by strategies whose configuration is missing
	ErrStrategyNotConfigured = errors.New("strategy not configured")

	// ErrTransactionReverted is returned when a mined transaction has a failed status
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrInsufficientBalance is returned when the backend wallet cannot pay for gas
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConfirmationTimeout is returned when a receipt does not appear in time
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")

	// ErrTransactionDropped is returned when a broadcast transaction is neither mined nor pending
	ErrTransactionDropped = errors.New("transaction dropped")

	// ErrCommitmentMismatch is returned when a record carries a different transaction reference
	ErrCommitmentMismatch = errors.New("commitment reference mismatch")

	// ErrRelayUnavailable is returned when the relay does not become ready
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrRelayRejected is returned when the relay refuses a forward request
	ErrRelayRejected = errors.New("relay rejected request")

	// ErrSessionNotConfigured is returned when the settlement network endpoint or key is missing
	ErrSessionNotConfigured = errors.New("session not configured")

	// ErrSessionNotConnected is returned when sending without an authenticated transport
	ErrSessionNotConnected = errors.New("session not connected")

	// ErrAuthTimeout is returned when authentication does not complete in time
	ErrAuthTimeout = errors.New("session authentication timeout")

	// ErrAuthRejected is returned when the settlement network rejects the verify step
	ErrAuthRejected = errors.New("session authentication rejected")

	// ErrMalformedMessage is returned for protocol messages that cannot be decoded
	ErrMalformedMessage = errors.New("malformed protocol message")

	// ErrSessionClosed is returned to waiters when the transport goes away
	ErrSessionClosed = errors.New("session closed")

	// ErrRequestRejected is returned when the settlement network answers a request with an error
	ErrRequestRejected = errors.New("request rejected")

	// ErrInvalidToken is returned when an issuer token cannot be verified
	ErrInvalidToken = errors.New("invalid token")
)

// UnconfirmedError is returned when a transaction was accepted for broadcast but was not seen mined.
// The transaction may still land, so the hash must be kept instead of submitting again.
type UnconfirmedError struct {
	TxHash string
	Err    error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("transaction %s unconfirmed: %v", e.TxHash, e.Err)
}

func (e *UnconfirmedError) Unwrap() error {
	return e.Err
}

// UnconfirmedTx returns the broadcast hash carried by err
func UnconfirmedTx(err error) (string, bool) {
	var unconfirmed *UnconfirmedError
	if errors.As(err, &unconfirmed) && unconfirmed.TxHash != "" {
		return unconfirmed.TxHash, true
	}
	return "", false
}
