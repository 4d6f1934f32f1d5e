package service

import (
	"context"
	"fmt"

	"github.com/layer-3/certsettle/core"
)

// Verification is a credential together with its validity at lookup time
type Verification struct {
	Credential core.PendingCredential
	Status     core.CredentialStatus
}

// Credentials returns every record of a wallet
func (d *Dispatcher) Credentials(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	if !core.ValidWallet(wallet) {
		return nil, core.ErrInvalidWallet
	}
	records, err := d.store.ListByWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return records, nil
}

// IssuerCredentials returns every record requested by an issuer
func (d *Dispatcher) IssuerCredentials(ctx context.Context, issuerID string) ([]core.PendingCredential, error) {
	records, err := d.store.ListByIssuer(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issuer credentials: %w", err)
	}
	return records, nil
}

// Verify returns the status of one credential
func (d *Dispatcher) Verify(ctx context.Context, id string) (Verification, error) {
	record, err := d.store.Get(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	return Verification{Credential: record, Status: record.Status(d.now())}, nil
}

// VerifyWallet returns the status of every credential held by a wallet
func (d *Dispatcher) VerifyWallet(ctx context.Context, wallet string) ([]Verification, error) {
	records, err := d.Credentials(ctx, wallet)
	if err != nil {
		return nil, err
	}
	now := d.now()
	result := make([]Verification, len(records))
	for i, record := range records {
		result[i] = Verification{Credential: record, Status: record.Status(now)}
	}
	return result, nil
}

// SessionState reports the settlement network session, if one is wired
func (d *Dispatcher) SessionState() (core.SessionState, bool) {
	if d.session == nil {
		return core.SessionDisconnected, false
	}
	return d.session.State(), true
}
