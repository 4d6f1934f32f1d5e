package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
)

// MemoryStore is an in-memory implementation of the PendingStore interface
type MemoryStore struct {
	records map[string]*core.PendingCredential
	order   []string
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*core.PendingCredential),
		now:     time.Now,
	}
}

var _ ports.PendingStore = (*MemoryStore)(nil)

// Enqueue inserts a new unsettled record
func (s *MemoryStore) Enqueue(ctx context.Context, credential *core.PendingCredential) (string, error) {
	record := cloneCredential(*credential)
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.UserWallet = core.NormalizeWallet(record.UserWallet)
	record.Settled = false
	record.TransactionRef = ""
	record.BlockHeight = 0
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return "", ErrDuplicateID
	}
	s.records[record.ID] = &record
	s.order = append(s.order, record.ID)

	credential.ID = record.ID
	credential.UserWallet = record.UserWallet
	credential.CreatedAt = record.CreatedAt
	credential.Settled = false
	return record.ID, nil
}

// ListUnsettled returns a wallet's unsettled records in creation order
func (s *MemoryStore) ListUnsettled(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	wallet = core.NormalizeWallet(wallet)
	return s.filter(func(c *core.PendingCredential) bool {
		return c.UserWallet == wallet && !c.Settled
	}), nil
}

// ListByWallet returns every record of a wallet
func (s *MemoryStore) ListByWallet(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	wallet = core.NormalizeWallet(wallet)
	return s.filter(func(c *core.PendingCredential) bool {
		return c.UserWallet == wallet
	}), nil
}

// ListByIssuer returns every record requested by an issuer
func (s *MemoryStore) ListByIssuer(ctx context.Context, issuerID string) ([]core.PendingCredential, error) {
	return s.filter(func(c *core.PendingCredential) bool {
		return c.IssuerID == issuerID
	}), nil
}

// MarkSettled flips the given records to settled
func (s *MemoryStore) MarkSettled(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if record, ok := s.records[id]; ok {
			record.Settled = true
		}
	}
	return nil
}

// RecordCommitment attaches commitment evidence to a record
func (s *MemoryStore) RecordCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return core.ErrCredentialNotFound
	}
	if record.Settled {
		return core.ErrAlreadySettled
	}
	if record.TransactionRef != "" {
		return core.ErrAlreadyCommitted
	}
	record.TransactionRef = transactionRef
	record.BlockHeight = blockHeight
	return nil
}

// ConfirmCommitment sets the block height of the attached transaction
func (s *MemoryStore) ConfirmCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return core.ErrCredentialNotFound
	}
	if transactionRef == "" || record.TransactionRef != transactionRef {
		return core.ErrCommitmentMismatch
	}
	record.BlockHeight = blockHeight
	return nil
}

// ReleaseCommitment detaches a transaction that never landed
func (s *MemoryStore) ReleaseCommitment(ctx context.Context, id, transactionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return core.ErrCredentialNotFound
	}
	if record.Settled {
		return core.ErrAlreadySettled
	}
	if transactionRef == "" || record.TransactionRef != transactionRef {
		return core.ErrCommitmentMismatch
	}
	record.TransactionRef = ""
	record.BlockHeight = 0
	return nil
}

// Get returns a record by id
func (s *MemoryStore) Get(ctx context.Context, id string) (core.PendingCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return core.PendingCredential{}, core.ErrCredentialNotFound
	}
	return cloneCredential(*record), nil
}

func (s *MemoryStore) filter(match func(*core.PendingCredential) bool) []core.PendingCredential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]core.PendingCredential, 0)
	for _, id := range s.order {
		record := s.records[id]
		if match(record) {
			result = append(result, cloneCredential(*record))
		}
	}
	return result
}

func cloneCredential(c core.PendingCredential) core.PendingCredential {
	if c.Skills != nil {
		skills := make([]string, len(c.Skills))
		copy(skills, c.Skills)
		c.Skills = skills
	}
	return c
}
