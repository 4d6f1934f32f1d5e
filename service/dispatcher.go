package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
)

const (
	// DefaultAttemptTimeout bounds one strategy attempt
	DefaultAttemptTimeout = 10 * time.Second

	// DefaultNoticeTimeout bounds the off-chain notice of a queued credential
	DefaultNoticeTimeout = 10 * time.Second

	// DefaultCommitRetries is how many times commitment evidence is written before giving up
	DefaultCommitRetries = 3

	defaultCommitBackoff = 200 * time.Millisecond
)

// SettleMode selects how batch settlement commits records
type SettleMode string

const (
	// SettlePerRecord submits one transaction per record
	SettlePerRecord SettleMode = "per_record"

	// SettleBatch submits one batchMint transaction for all records
	SettleBatch SettleMode = "batch"
)

// ParseSettleMode maps a configuration value to a SettleMode, defaulting to per-record
func ParseSettleMode(value string) (SettleMode, error) {
	switch SettleMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", SettlePerRecord:
		return SettlePerRecord, nil
	case SettleBatch:
		return SettleBatch, nil
	default:
		return "", fmt.Errorf("unknown settle mode %q", value)
	}
}

// Recorder receives dispatcher outcomes for metrics
type Recorder interface {
	ObserveIssue(status core.IssueStatus)
	ObserveSettlement(settled, failed int)
}

// Config holds the dispatcher settings
type Config struct {
	AttemptTimeout time.Duration
	NoticeTimeout  time.Duration
	CommitRetries  int
	CommitBackoff  time.Duration
	SettleMode     SettleMode
}

// Dependencies are the collaborators of the dispatcher. Only Store is required.
type Dependencies struct {
	Store      ports.PendingStore
	Strategies []ports.Strategy
	Submitter  ports.Submitter
	Session    ports.Session
	Encoder    ports.MintEncoder
	Events     ports.EventPublisher
	Recorder   Recorder
	Logger     *slog.Logger
}

// Dispatcher issues credentials through the first working strategy and settles the rest later
type Dispatcher struct {
	store      ports.PendingStore
	strategies []ports.Strategy
	submitter  ports.Submitter
	session    ports.Session
	encoder    ports.MintEncoder
	events     ports.EventPublisher
	recorder   Recorder
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	// unrecorded holds evidence of transactions whose hash could not be written to the store
	mu         sync.Mutex
	unrecorded map[string]core.Receipt
}

// NewDispatcher creates a dispatcher
func NewDispatcher(deps Dependencies, cfg Config) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, errors.New("dispatcher: pending store is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.NoticeTimeout <= 0 {
		cfg.NoticeTimeout = DefaultNoticeTimeout
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = DefaultCommitRetries
	}
	if cfg.CommitBackoff < 0 {
		cfg.CommitBackoff = 0
	} else if cfg.CommitBackoff == 0 {
		cfg.CommitBackoff = defaultCommitBackoff
	}
	if cfg.SettleMode == "" {
		cfg.SettleMode = SettlePerRecord
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:      deps.Store,
		strategies: deps.Strategies,
		submitter:  deps.Submitter,
		session:    deps.Session,
		encoder:    deps.Encoder,
		events:     deps.Events,
		recorder:   deps.Recorder,
		logger:     logger.With("component", "dispatcher"),
		cfg:        cfg,
		now:        time.Now,
		unrecorded: make(map[string]core.Receipt),
	}, nil
}

// IssueCredential persists the request, then commits it through the first strategy that succeeds.
// When every strategy fails the record stays queued for batch settlement. A strategy that broadcast
// a transaction without seeing it mined ends the attempt: the hash is kept and settlement confirms it.
func (d *Dispatcher) IssueCredential(ctx context.Context, req core.IssueRequest) (core.IssueResult, error) {
	if err := req.Validate(); err != nil {
		return core.IssueResult{}, err
	}

	credential := req.Credential(d.now().UTC())
	id, err := d.store.Enqueue(ctx, credential)
	if err != nil {
		return core.IssueResult{}, fmt.Errorf("failed to persist credential: %w", err)
	}
	credential.ID = id

	logger := d.logger.With("credential_id", id, "wallet", credential.UserWallet, "course", credential.Course)
	input := credential.MintInput()

	for _, strategy := range d.strategies {
		if !strategy.Enabled() {
			logger.Debug("strategy not configured, skipping", "strategy", string(strategy.Name()))
			continue
		}
		if ctx.Err() != nil {
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		outcome := strategy.AttemptMint(attemptCtx, input)
		cancel()

		if !outcome.Succeeded() {
			if txRef, ok := outcome.Unconfirmed(); ok {
				return d.holdUnconfirmed(ctx, logger, credential, outcome.Strategy, txRef)
			}
			logger.Warn("strategy failed", "strategy", string(strategy.Name()), "error", outcome.Err)
			continue
		}

		if err := d.commit(ctx, logger, credential, outcome); err != nil {
			return core.IssueResult{
				ID:             id,
				Status:         core.StatusMinted,
				Method:         outcome.Strategy,
				TransactionRef: outcome.TransactionRef,
				BlockHeight:    outcome.BlockHeight,
			}, err
		}

		if d.events != nil {
			if err := d.events.PublishMinted(ctx, *credential, outcome.Strategy); err != nil {
				logger.Warn("failed to publish minted event", "error", err)
			}
		}
		d.observeIssue(core.StatusMinted)
		logger.Info("credential minted", "method", string(outcome.Strategy), "tx", outcome.TransactionRef)

		return core.IssueResult{
			ID:             id,
			Status:         core.StatusMinted,
			Method:         outcome.Strategy,
			TransactionRef: outcome.TransactionRef,
			BlockHeight:    outcome.BlockHeight,
		}, nil
	}

	d.notifyOffchain(ctx, logger, input)
	d.publishQueued(ctx, logger, credential)
	logger.Info("credential queued for settlement")

	return core.IssueResult{ID: id, Status: core.StatusQueued, Method: core.MethodQueued}, nil
}

// holdUnconfirmed queues a credential whose transaction is in flight. The record keeps the hash
// with no block height, so settlement waits for that transaction instead of minting again.
func (d *Dispatcher) holdUnconfirmed(ctx context.Context, logger *slog.Logger, credential *core.PendingCredential, method core.Method, txRef string) (core.IssueResult, error) {
	logger = logger.With("strategy", string(method), "tx", txRef)
	result := core.IssueResult{
		ID:             credential.ID,
		Status:         core.StatusQueued,
		Method:         core.MethodQueued,
		TransactionRef: txRef,
	}

	if err := d.keepCommitment(ctx, credential.ID, core.Receipt{TxHash: txRef}); err != nil {
		logger.Error("transaction in flight but hash not recorded", "error", err)
		return result, err
	}
	credential.TransactionRef = txRef

	d.publishQueued(ctx, logger, credential)
	logger.Info("credential queued awaiting confirmation")
	return result, nil
}

func (d *Dispatcher) publishQueued(ctx context.Context, logger *slog.Logger, credential *core.PendingCredential) {
	if d.events != nil {
		if err := d.events.PublishQueued(ctx, *credential); err != nil {
			logger.Warn("failed to publish queued event", "error", err)
		}
	}
	d.observeIssue(core.StatusQueued)
}

// commit stores the evidence of a successful mint and marks the record settled
func (d *Dispatcher) commit(ctx context.Context, logger *slog.Logger, credential *core.PendingCredential, outcome core.MintOutcome) error {
	receipt := core.Receipt{TxHash: outcome.TransactionRef, BlockHeight: outcome.BlockHeight}
	if err := d.keepCommitment(ctx, credential.ID, receipt); err != nil {
		logger.Error("mint committed but evidence not recorded", "tx", outcome.TransactionRef, "error", err)
		return err
	}
	credential.TransactionRef = outcome.TransactionRef
	credential.BlockHeight = outcome.BlockHeight

	// A record with evidence but no settled flag is reconciled by the next settlement
	if err := d.store.MarkSettled(ctx, []string{credential.ID}); err != nil {
		logger.Warn("failed to mark credential settled", "tx", outcome.TransactionRef, "error", err)
		return nil
	}
	credential.Settled = true
	return nil
}

// keepCommitment writes evidence even after ctx is done, since the transaction exists either way.
// Evidence the store refuses is held in memory for the next settlement of the wallet.
func (d *Dispatcher) keepCommitment(ctx context.Context, id string, receipt core.Receipt) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AttemptTimeout)
	defer cancel()

	if err := d.recordCommitment(storeCtx, id, receipt.TxHash, receipt.BlockHeight); err != nil {
		d.remember(id, receipt)
		return err
	}
	return nil
}

// recordCommitment writes evidence with retries. A prior write of the same reference counts as success.
func (d *Dispatcher) recordCommitment(ctx context.Context, id, txRef string, blockHeight uint64) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.CommitRetries; attempt++ {
		err := d.store.RecordCommitment(ctx, id, txRef, blockHeight)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, core.ErrAlreadyCommitted), errors.Is(err, core.ErrAlreadySettled):
			stored, getErr := d.store.Get(ctx, id)
			if getErr == nil && stored.TransactionRef == txRef {
				return nil
			}
			return fmt.Errorf("credential %s tx %s: %w", id, txRef, errors.Join(core.ErrCommitmentNotRecorded, err))
		case errors.Is(err, core.ErrCredentialNotFound):
			return fmt.Errorf("credential %s tx %s: %w", id, txRef, errors.Join(core.ErrCommitmentNotRecorded, err))
		}
		lastErr = err

		if attempt < d.cfg.CommitRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("credential %s tx %s: %w", id, txRef, errors.Join(core.ErrCommitmentNotRecorded, ctx.Err()))
			case <-time.After(d.cfg.CommitBackoff * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("credential %s tx %s: %w", id, txRef, errors.Join(core.ErrCommitmentNotRecorded, lastErr))
}

func (d *Dispatcher) remember(id string, receipt core.Receipt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unrecorded[id] = receipt
}

func (d *Dispatcher) recall(id string) (core.Receipt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	receipt, ok := d.unrecorded[id]
	return receipt, ok
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.unrecorded, id)
}

// notifyOffchain forwards a queued credential to the settlement network. Failures are logged only.
func (d *Dispatcher) notifyOffchain(ctx context.Context, logger *slog.Logger, input core.MintInput) {
	if d.session == nil || d.encoder == nil {
		return
	}

	data, err := d.encoder.PackMint(input)
	if err != nil {
		logger.Warn("failed to encode off-chain notice", "error", err)
		return
	}

	noticeCtx, cancel := context.WithTimeout(ctx, d.cfg.NoticeTimeout)
	defer cancel()

	if err := d.session.SendSignedTx(noticeCtx, d.encoder.ContractAddress(), data); err != nil {
		logger.Warn("off-chain notice failed", "session_state", d.session.State().String(), "error", err)
		return
	}
	logger.Info("off-chain notice acknowledged")
}

type confirmation struct {
	receipt core.Receipt
	err     error
}

// SettlePending commits every unsettled record of a wallet. Records that already carry
// commitment evidence are marked settled without being resubmitted; records whose transaction
// is still in flight are confirmed first and only resubmitted once it is known not to have landed.
func (d *Dispatcher) SettlePending(ctx context.Context, wallet string) (core.SettleResult, error) {
	if !core.ValidWallet(wallet) {
		return core.SettleResult{}, core.ErrInvalidWallet
	}
	wallet = core.NormalizeWallet(wallet)

	records, err := d.store.ListUnsettled(ctx, wallet)
	if err != nil {
		return core.SettleResult{}, fmt.Errorf("failed to list unsettled credentials: %w", err)
	}
	if len(records) == 0 {
		return core.SettleResult{Message: core.NothingToSettle}, nil
	}
	if d.submitter == nil && d.needsSubmitter(records) {
		return core.SettleResult{}, fmt.Errorf("settlement submitter: %w", core.ErrStrategyNotConfigured)
	}

	logger := d.logger.With("wallet", wallet, "mode", string(d.cfg.SettleMode))

	var (
		result   core.SettleResult
		settled  []core.PendingCredential
		pending  []core.PendingCredential
		failures []error
	)
	fail := func(id string, err error) {
		result.Failed = append(result.Failed, id)
		failures = append(failures, err)
	}

	confirmations := make(map[string]confirmation)
	for _, record := range records {
		record, err := d.restore(ctx, record)
		if err != nil {
			logger.Error("held evidence still not recorded", "credential_id", record.ID, "error", err)
			fail(record.ID, err)
			continue
		}
		if !record.Committed() {
			pending = append(pending, record)
			continue
		}
		if !record.AwaitingConfirmation() {
			settled = append(settled, record)
			result.TransactionRefs = appendRef(result.TransactionRefs, record.TransactionRef)
			continue
		}

		receipt, err := d.confirm(ctx, logger, confirmations, record)
		switch {
		case err == nil:
			record.BlockHeight = receipt.BlockHeight
			settled = append(settled, record)
			result.TransactionRefs = appendRef(result.TransactionRefs, record.TransactionRef)
		case errors.Is(err, core.ErrTransactionReverted), errors.Is(err, core.ErrTransactionDropped):
			if releaseErr := d.store.ReleaseCommitment(ctx, record.ID, record.TransactionRef); releaseErr != nil {
				fail(record.ID, errors.Join(err, releaseErr))
				continue
			}
			logger.Warn("transaction did not land, submitting again", "credential_id", record.ID, "tx", record.TransactionRef, "error", err)
			record.TransactionRef = ""
			pending = append(pending, record)
		default:
			logger.Warn("transaction still unconfirmed", "credential_id", record.ID, "tx", record.TransactionRef, "error", err)
			fail(record.ID, err)
		}
	}

	if len(pending) > 0 {
		var (
			committed []core.PendingCredential
			refs      []string
			failed    []string
			errs      []error
		)
		if d.cfg.SettleMode == SettleBatch {
			committed, refs, failed, errs = d.settleBatch(ctx, logger, pending)
		} else {
			committed, refs, failed, errs = d.settleEach(ctx, logger, pending)
		}
		settled = append(settled, committed...)
		for _, ref := range refs {
			result.TransactionRefs = appendRef(result.TransactionRefs, ref)
		}
		result.Failed = append(result.Failed, failed...)
		failures = append(failures, errs...)
	}

	if len(settled) > 0 {
		ids := make([]string, len(settled))
		for i := range settled {
			ids[i] = settled[i].ID
		}
		if err := d.store.MarkSettled(ctx, ids); err != nil {
			return result, fmt.Errorf("failed to mark %d credentials settled: %w", len(ids), err)
		}
		result.SettledCount = len(ids)

		if d.events != nil {
			for _, record := range settled {
				record.Settled = true
				if err := d.events.PublishSettled(ctx, record); err != nil {
					logger.Warn("failed to publish settled event", "credential_id", record.ID, "error", err)
				}
			}
		}
	}

	if d.recorder != nil {
		d.recorder.ObserveSettlement(result.SettledCount, len(result.Failed))
	}
	logger.Info("settlement finished", "settled", result.SettledCount, "failed", len(result.Failed))

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%d of %d credentials not settled: %w",
			len(result.Failed), len(records), errors.Join(append([]error{core.ErrPartialSettlement}, failures...)...))
	}
	return result, nil
}

// needsSubmitter reports whether any record requires a ledger submission or confirmation
func (d *Dispatcher) needsSubmitter(records []core.PendingCredential) bool {
	for _, record := range records {
		if receipt, ok := d.recall(record.ID); ok && !record.Committed() {
			record.TransactionRef = receipt.TxHash
			record.BlockHeight = receipt.BlockHeight
		}
		if !record.Committed() || record.AwaitingConfirmation() {
			return true
		}
	}
	return false
}

// restore writes evidence held in memory back to the store before the record is settled
func (d *Dispatcher) restore(ctx context.Context, record core.PendingCredential) (core.PendingCredential, error) {
	receipt, ok := d.recall(record.ID)
	if !ok {
		return record, nil
	}
	if record.Committed() {
		d.forget(record.ID)
		return record, nil
	}
	if err := d.recordCommitment(ctx, record.ID, receipt.TxHash, receipt.BlockHeight); err != nil {
		return record, err
	}
	d.forget(record.ID)
	record.TransactionRef = receipt.TxHash
	record.BlockHeight = receipt.BlockHeight
	return record, nil
}

// confirm waits once per transaction for an in-flight hash and stores the block height it landed in
func (d *Dispatcher) confirm(ctx context.Context, logger *slog.Logger, cache map[string]confirmation, record core.PendingCredential) (core.Receipt, error) {
	c, ok := cache[record.TransactionRef]
	if !ok {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		c.receipt, c.err = d.submitter.Confirm(attemptCtx, record.TransactionRef)
		cancel()
		cache[record.TransactionRef] = c
	}
	if c.err != nil {
		return core.Receipt{}, c.err
	}

	if err := d.store.ConfirmCommitment(ctx, record.ID, record.TransactionRef, c.receipt.BlockHeight); err != nil {
		logger.Warn("failed to store confirmation", "credential_id", record.ID, "tx", record.TransactionRef, "error", err)
	}
	return c.receipt, nil
}

// settleEach submits one transaction per record in creation order, recording evidence after each success
func (d *Dispatcher) settleEach(ctx context.Context, logger *slog.Logger, records []core.PendingCredential) (committed []core.PendingCredential, refs, failed []string, failures []error) {
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			failed = append(failed, record.ID)
			failures = append(failures, err)
			continue
		}

		receipt, err := d.submitter.SubmitMint(ctx, record.MintInput())
		if err != nil {
			if txRef, ok := core.UnconfirmedTx(err); ok {
				logger.Warn("settlement mint in flight", "credential_id", record.ID, "tx", txRef, "error", err)
				if keepErr := d.keepCommitment(ctx, record.ID, core.Receipt{TxHash: txRef}); keepErr != nil {
					err = errors.Join(err, keepErr)
				}
			} else {
				logger.Warn("settlement mint failed", "credential_id", record.ID, "error", err)
			}
			failed = append(failed, record.ID)
			failures = append(failures, err)
			continue
		}

		if err := d.keepCommitment(ctx, record.ID, receipt); err != nil {
			logger.Error("settlement mint committed but evidence not recorded", "credential_id", record.ID, "tx", receipt.TxHash, "error", err)
			failed = append(failed, record.ID)
			failures = append(failures, err)
			continue
		}

		record.TransactionRef = receipt.TxHash
		record.BlockHeight = receipt.BlockHeight
		committed = append(committed, record)
		refs = append(refs, receipt.TxHash)
	}
	return committed, refs, failed, failures
}

// settleBatch submits one batchMint covering every record
func (d *Dispatcher) settleBatch(ctx context.Context, logger *slog.Logger, records []core.PendingCredential) (committed []core.PendingCredential, refs, failed []string, failures []error) {
	inputs := make([]core.MintInput, len(records))
	for i := range records {
		inputs[i] = records[i].MintInput()
	}

	receipt, err := d.submitter.SubmitBatchMint(ctx, inputs)
	if err != nil {
		txRef, inFlight := core.UnconfirmedTx(err)
		logger.Warn("batch mint failed", "records", len(records), "tx", txRef, "error", err)
		failures = append(failures, err)
		for _, record := range records {
			failed = append(failed, record.ID)
			if !inFlight {
				continue
			}
			if keepErr := d.keepCommitment(ctx, record.ID, core.Receipt{TxHash: txRef}); keepErr != nil {
				failures = append(failures, keepErr)
			}
		}
		return nil, nil, failed, failures
	}

	for _, record := range records {
		if err := d.keepCommitment(ctx, record.ID, receipt); err != nil {
			logger.Error("batch mint committed but evidence not recorded", "credential_id", record.ID, "tx", receipt.TxHash, "error", err)
			failed = append(failed, record.ID)
			failures = append(failures, err)
			continue
		}
		record.TransactionRef = receipt.TxHash
		record.BlockHeight = receipt.BlockHeight
		committed = append(committed, record)
	}
	if len(committed) > 0 {
		refs = []string{receipt.TxHash}
	}
	return committed, refs, failed, failures
}

func appendRef(refs []string, ref string) []string {
	for _, r := range refs {
		if r == ref {
			return refs
		}
	}
	return append(refs, ref)
}

func (d *Dispatcher) observeIssue(status core.IssueStatus) {
	if d.recorder != nil {
		d.recorder.ObserveIssue(status)
	}
}
