package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Driver names accepted by OpenSQL
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type pendingCredentialRecord struct {
	bun.BaseModel `bun:"table:pending_credentials,alias:pc"`

	ID             string    `bun:"id,pk"`
	UserWallet     string    `bun:"user_wallet,notnull"`
	Course         string    `bun:"course,notnull"`
	Skills         []string  `bun:"skills,type:jsonb,notnull"`
	ExpiresAt      int64     `bun:"expires_at,notnull"`
	ContentRef     string    `bun:"content_ref,notnull"`
	IsRental       bool      `bun:"is_rental,notnull"`
	IssuerID       string    `bun:"issuer_id,notnull"`
	Settled        bool      `bun:"settled,notnull"`
	TransactionRef *string   `bun:"transaction_ref"`
	BlockHeight    int64     `bun:"block_height,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

// SQLStore is a bun implementation of the PendingStore interface
type SQLStore struct {
	db  *bun.DB
	now func() time.Time
}

// OpenSQL opens a bun database for the given driver
func OpenSQL(driver, dsn string) (*bun.DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	switch driver {
	case DriverSQLite:
		// sqlite serializes writers; one connection keeps in-memory databases shared
		sqlDB.SetMaxOpenConns(1)
		return bun.NewDB(sqlDB, sqlitedialect.New()), nil
	case DriverPostgres:
		return bun.NewDB(sqlDB, pgdialect.New()), nil
	default:
		sqlDB.Close()
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// NewSQLStore creates a new SQL store
func NewSQLStore(db *bun.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql store: bun db is required")
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

var _ ports.PendingStore = (*SQLStore)(nil)

// CreateSchema creates the pending_credentials table and its indexes
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*pendingCredentialRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create pending_credentials: %w", err)
	}

	if _, err := s.db.NewCreateIndex().
		Model((*pendingCredentialRecord)(nil)).
		Index("pending_credentials_wallet_settled_idx").
		Column("user_wallet", "settled", "created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create wallet index: %w", err)
	}

	if _, err := s.db.NewCreateIndex().
		Model((*pendingCredentialRecord)(nil)).
		Index("pending_credentials_issuer_idx").
		Column("issuer_id", "created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create issuer index: %w", err)
	}
	return nil
}

// Enqueue inserts a new unsettled record
func (s *SQLStore) Enqueue(ctx context.Context, credential *core.PendingCredential) (string, error) {
	if credential.ID == "" {
		credential.ID = uuid.New().String()
	}
	credential.UserWallet = core.NormalizeWallet(credential.UserWallet)
	credential.Settled = false
	credential.TransactionRef = ""
	credential.BlockHeight = 0
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = s.now().UTC()
	}

	record := recordFromCredential(credential)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue credential: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	return credential.ID, nil
}

// ListUnsettled returns a wallet's unsettled records in creation order
func (s *SQLStore) ListUnsettled(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	return s.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("pc.user_wallet = ?", core.NormalizeWallet(wallet)).Where("pc.settled = ?", false)
	})
}

// ListByWallet returns every record of a wallet
func (s *SQLStore) ListByWallet(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	return s.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("pc.user_wallet = ?", core.NormalizeWallet(wallet))
	})
}

// ListByIssuer returns every record requested by an issuer
func (s *SQLStore) ListByIssuer(ctx context.Context, issuerID string) ([]core.PendingCredential, error) {
	return s.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("pc.issuer_id = ?", issuerID)
	})
}

// MarkSettled flips the given records to settled in one statement
func (s *SQLStore) MarkSettled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().
		Model((*pendingCredentialRecord)(nil)).
		Set("settled = ?", true).
		Where("id IN (?)", bun.In(ids)).
		Where("settled = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark settled: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	return nil
}

// RecordCommitment attaches commitment evidence to a record.
// One conditional update decides the winner among concurrent callers.
func (s *SQLStore) RecordCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error {
	res, err := s.db.NewUpdate().
		Model((*pendingCredentialRecord)(nil)).
		Set("transaction_ref = ?", transactionRef).
		Set("block_height = ?", int64(blockHeight)).
		Where("id = ?", id).
		Where("settled = ?", false).
		Where("(transaction_ref IS NULL OR transaction_ref = '')").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record commitment: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	if updated(res) {
		return nil
	}

	record, err := s.Get(ctx, id)
	switch {
	case err != nil:
		return err
	case record.Settled:
		return core.ErrAlreadySettled
	case record.TransactionRef != "":
		return core.ErrAlreadyCommitted
	}
	return fmt.Errorf("failed to record commitment: %w", core.ErrStoreOperationFailed)
}

// ConfirmCommitment sets the block height of the attached transaction
func (s *SQLStore) ConfirmCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error {
	if transactionRef == "" {
		return core.ErrCommitmentMismatch
	}
	res, err := s.db.NewUpdate().
		Model((*pendingCredentialRecord)(nil)).
		Set("block_height = ?", int64(blockHeight)).
		Where("id = ?", id).
		Where("transaction_ref = ?", transactionRef).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm commitment: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	if updated(res) {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return core.ErrCommitmentMismatch
}

// ReleaseCommitment detaches a transaction that never landed
func (s *SQLStore) ReleaseCommitment(ctx context.Context, id, transactionRef string) error {
	if transactionRef == "" {
		return core.ErrCommitmentMismatch
	}
	res, err := s.db.NewUpdate().
		Model((*pendingCredentialRecord)(nil)).
		Set("transaction_ref = NULL").
		Set("block_height = 0").
		Where("id = ?", id).
		Where("settled = ?", false).
		Where("transaction_ref = ?", transactionRef).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to release commitment: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	if updated(res) {
		return nil
	}

	record, err := s.Get(ctx, id)
	switch {
	case err != nil:
		return err
	case record.Settled:
		return core.ErrAlreadySettled
	}
	return core.ErrCommitmentMismatch
}

// Get returns a record by id
func (s *SQLStore) Get(ctx context.Context, id string) (core.PendingCredential, error) {
	record := new(pendingCredentialRecord)
	if err := s.db.NewSelect().Model(record).Where("pc.id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.PendingCredential{}, core.ErrCredentialNotFound
		}
		return core.PendingCredential{}, fmt.Errorf("failed to get credential: %w", err)
	}
	return record.credential(), nil
}

func (s *SQLStore) list(ctx context.Context, filter func(*bun.SelectQuery) *bun.SelectQuery) ([]core.PendingCredential, error) {
	var records []pendingCredentialRecord
	q := s.db.NewSelect().Model(&records)
	if err := filter(q).Order("pc.created_at ASC", "pc.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	result := make([]core.PendingCredential, len(records))
	for i := range records {
		result[i] = records[i].credential()
	}
	return result, nil
}

func updated(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func recordFromCredential(c *core.PendingCredential) *pendingCredentialRecord {
	return &pendingCredentialRecord{
		ID:          c.ID,
		UserWallet:  c.UserWallet,
		Course:      c.Course,
		Skills:      nonNilSkills(c.Skills),
		ExpiresAt:   c.ExpiresAt,
		ContentRef:  c.ContentRef,
		IsRental:    c.IsRental,
		IssuerID:    c.IssuerID,
		Settled:     c.Settled,
		BlockHeight: int64(c.BlockHeight),
		CreatedAt:   c.CreatedAt,
	}
}

func (r *pendingCredentialRecord) credential() core.PendingCredential {
	c := core.PendingCredential{
		ID:          r.ID,
		UserWallet:  r.UserWallet,
		Course:      r.Course,
		Skills:      r.Skills,
		ExpiresAt:   r.ExpiresAt,
		ContentRef:  r.ContentRef,
		IsRental:    r.IsRental,
		IssuerID:    r.IssuerID,
		Settled:     r.Settled,
		BlockHeight: uint64(r.BlockHeight),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.TransactionRef != nil {
		c.TransactionRef = *r.TransactionRef
	}
	return c
}
