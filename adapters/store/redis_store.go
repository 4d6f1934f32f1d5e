package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "certsettle:"

// markSettledScript flips every unsettled record in KEYS and drops it from its wallet's unsettled index
var markSettledScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call('HGET', key, 'settled') == '0' then
    redis.call('HSET', key, 'settled', '1')
    local wallet = redis.call('HGET', key, 'user_wallet')
    local id = redis.call('HGET', key, 'id')
    redis.call('ZREM', ARGV[1] .. wallet, id)
  end
end
return 0
`)

// enqueueScript writes a new record hash and its index entries, failing if the id exists.
// Every check runs before the first write, since a script is not rolled back on error.
// Index scores come from the sequence in KEYS[2] so enqueue order survives identical timestamps.
// KEYS: record, sequence, then the indexes. ARGV: id, then field pairs.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 1 end
for i = 3, #KEYS do
  local t = redis.call('TYPE', KEYS[i]).ok
  if t ~= 'none' and t ~= 'zset' then return 2 end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local seq = redis.call('INCR', KEYS[2])
for i = 3, #KEYS do
  redis.call('ZADD', KEYS[i], seq, ARGV[1])
end
return 0
`)

// recordCommitmentScript sets the transaction reference once; return codes map to core errors
var recordCommitmentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
if redis.call('HGET', KEYS[1], 'settled') == '1' then return 2 end
local ref = redis.call('HGET', KEYS[1], 'transaction_ref')
if ref and ref ~= '' then return 3 end
redis.call('HSET', KEYS[1], 'transaction_ref', ARGV[1], 'block_height', ARGV[2])
return 0
`)

var confirmCommitmentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
if redis.call('HGET', KEYS[1], 'transaction_ref') ~= ARGV[1] then return 4 end
redis.call('HSET', KEYS[1], 'block_height', ARGV[2])
return 0
`)

var releaseCommitmentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
if redis.call('HGET', KEYS[1], 'settled') == '1' then return 2 end
if redis.call('HGET', KEYS[1], 'transaction_ref') ~= ARGV[1] then return 4 end
redis.call('HSET', KEYS[1], 'transaction_ref', '', 'block_height', '0')
return 0
`)

// RedisStore is a Redis implementation of the PendingStore interface.
// Each record is a hash; sorted sets scored by enqueue sequence index records per wallet,
// per issuer and unsettled per wallet.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		now:    time.Now,
	}
}

var _ ports.PendingStore = (*RedisStore)(nil)

func (s *RedisStore) recordKey(id string) string { return s.prefix + "credential:" + id }
func (s *RedisStore) walletKey(wallet string) string { return s.prefix + "wallet:" + wallet }
func (s *RedisStore) unsettledPrefix() string { return s.prefix + "unsettled:" }
func (s *RedisStore) unsettledKey(wallet string) string { return s.unsettledPrefix() + wallet }
func (s *RedisStore) issuerKey(issuerID string) string { return s.prefix + "issuer:" + issuerID }
func (s *RedisStore) sequenceKey() string { return s.prefix + "sequence" }

// Enqueue inserts a new unsettled record
func (s *RedisStore) Enqueue(ctx context.Context, credential *core.PendingCredential) (string, error) {
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

	fields, err := credentialToHash(credential)
	if err != nil {
		return "", err
	}

	keys := []string{
		s.recordKey(credential.ID),
		s.sequenceKey(),
		s.walletKey(credential.UserWallet),
		s.unsettledKey(credential.UserWallet),
	}
	if credential.IssuerID != "" {
		keys = append(keys, s.issuerKey(credential.IssuerID))
	}
	args := append([]interface{}{credential.ID}, fields...)

	code, err := enqueueScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue credential: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	switch code {
	case 1:
		return "", ErrDuplicateID
	case 2:
		return "", fmt.Errorf("failed to enqueue credential: index key has the wrong type: %w", core.ErrStoreOperationFailed)
	}

	return credential.ID, nil
}

// ListUnsettled returns a wallet's unsettled records in creation order.
// Records settled between the index read and the hash read are dropped.
func (s *RedisStore) ListUnsettled(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	records, err := s.listIndex(ctx, s.unsettledKey(core.NormalizeWallet(wallet)))
	if err != nil {
		return nil, err
	}
	unsettled := records[:0]
	for _, record := range records {
		if !record.Settled {
			unsettled = append(unsettled, record)
		}
	}
	return unsettled, nil
}

// ListByWallet returns every record of a wallet
func (s *RedisStore) ListByWallet(ctx context.Context, wallet string) ([]core.PendingCredential, error) {
	return s.listIndex(ctx, s.walletKey(core.NormalizeWallet(wallet)))
}

// ListByIssuer returns every record requested by an issuer
func (s *RedisStore) ListByIssuer(ctx context.Context, issuerID string) ([]core.PendingCredential, error) {
	return s.listIndex(ctx, s.issuerKey(issuerID))
}

// MarkSettled flips the given records to settled
func (s *RedisStore) MarkSettled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	if err := markSettledScript.Run(ctx, s.client, keys, s.unsettledPrefix()).Err(); err != nil {
		return fmt.Errorf("failed to mark settled: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	return nil
}

// RecordCommitment attaches commitment evidence to a record
func (s *RedisStore) RecordCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error {
	code, err := recordCommitmentScript.Run(ctx, s.client,
		[]string{s.recordKey(id)}, transactionRef, strconv.FormatUint(blockHeight, 10)).Int()
	if err != nil {
		return fmt.Errorf("failed to record commitment: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}

	return scriptError(code)
}

// ConfirmCommitment sets the block height of the attached transaction
func (s *RedisStore) ConfirmCommitment(ctx context.Context, id, transactionRef string, blockHeight uint64) error {
	if transactionRef == "" {
		return core.ErrCommitmentMismatch
	}
	code, err := confirmCommitmentScript.Run(ctx, s.client,
		[]string{s.recordKey(id)}, transactionRef, strconv.FormatUint(blockHeight, 10)).Int()
	if err != nil {
		return fmt.Errorf("failed to confirm commitment: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	return scriptError(code)
}

// ReleaseCommitment detaches a transaction that never landed
func (s *RedisStore) ReleaseCommitment(ctx context.Context, id, transactionRef string) error {
	if transactionRef == "" {
		return core.ErrCommitmentMismatch
	}
	code, err := releaseCommitmentScript.Run(ctx, s.client, []string{s.recordKey(id)}, transactionRef).Int()
	if err != nil {
		return fmt.Errorf("failed to release commitment: %w", errors.Join(core.ErrStoreOperationFailed, err))
	}
	return scriptError(code)
}

func scriptError(code int) error {
	switch code {
	case 1:
		return core.ErrCredentialNotFound
	case 2:
		return core.ErrAlreadySettled
	case 3:
		return core.ErrAlreadyCommitted
	case 4:
		return core.ErrCommitmentMismatch
	}
	return nil
}

// Get returns a record by id
func (s *RedisStore) Get(ctx context.Context, id string) (core.PendingCredential, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return core.PendingCredential{}, fmt.Errorf("failed to get credential: %w", err)
	}
	if len(fields) == 0 {
		return core.PendingCredential{}, core.ErrCredentialNotFound
	}
	return credentialFromHash(fields)
}

func (s *RedisStore) listIndex(ctx context.Context, indexKey string) ([]core.PendingCredential, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return []core.PendingCredential{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	records := make([]core.PendingCredential, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		record, err := credentialFromHash(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func credentialToHash(c *core.PendingCredential) ([]interface{}, error) {
	skills, err := json.Marshal(nonNilSkills(c.Skills))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal skills: %w", err)
	}
	return []interface{}{
		"id", c.ID,
		"user_wallet", c.UserWallet,
		"course", c.Course,
		"skills", string(skills),
		"expires_at", strconv.FormatInt(c.ExpiresAt, 10),
		"content_ref", c.ContentRef,
		"is_rental", boolField(c.IsRental),
		"issuer_id", c.IssuerID,
		"settled", boolField(c.Settled),
		"transaction_ref", c.TransactionRef,
		"block_height", strconv.FormatUint(c.BlockHeight, 10),
		"created_at", strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
	}, nil
}

func credentialFromHash(fields map[string]string) (core.PendingCredential, error) {
	var skills []string
	if raw := fields["skills"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &skills); err != nil {
			return core.PendingCredential{}, fmt.Errorf("failed to unmarshal skills: %w", err)
		}
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return core.PendingCredential{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return core.PendingCredential{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	var blockHeight uint64
	if raw := fields["block_height"]; raw != "" {
		if blockHeight, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return core.PendingCredential{}, fmt.Errorf("failed to parse block_height: %w", err)
		}
	}

	return core.PendingCredential{
		ID:             fields["id"],
		UserWallet:     fields["user_wallet"],
		Course:         fields["course"],
		Skills:         skills,
		ExpiresAt:      expiresAt,
		ContentRef:     fields["content_ref"],
		IsRental:       fields["is_rental"] == "1",
		IssuerID:       fields["issuer_id"],
		Settled:        fields["settled"] == "1",
		TransactionRef: fields["transaction_ref"],
		BlockHeight:    blockHeight,
		CreatedAt:      time.Unix(0, createdAt).UTC(),
	}, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func nonNilSkills(skills []string) []string {
	if skills == nil {
		return []string{}
	}
	return skills
}
