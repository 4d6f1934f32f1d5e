package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/certsettle/adapters/ledger"
	"github.com/layer-3/certsettle/adapters/store"
	"github.com/layer-3/certsettle/adapters/strategy"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowChain accepts transactions but only mines them once released
type slowChain struct {
	mu     sync.Mutex
	sent   []*types.Transaction
	mined  bool
	height uint64
}

func (c *slowChain) release(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mined = true
	c.height = height
}

func (c *slowChain) broadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *slowChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(80002), nil }

func (c *slowChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (c *slowChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(c.broadcasts()), nil
}

func (c *slowChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (c *slowChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 90000, nil }

func (c *slowChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *slowChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mined {
		return nil, ethereum.NotFound
	}
	for _, tx := range c.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:      types.ReceiptStatusSuccessful,
				TxHash:      hash,
				BlockNumber: new(big.Int).SetUint64(c.height),
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (c *slowChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.sent {
		if tx.Hash() == hash {
			return tx, !c.mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *slowChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func TestSlowConfirmationMintsOnce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain := &slowChain{}
	client, err := ledger.NewClient(context.Background(), chain, ledger.NewSigner(key), ledger.Config{
		ContractAddress: contractAddr,
		PollInterval:    time.Millisecond,
		ConfirmTimeout:  time.Minute,
	}, nil)
	require.NoError(t, err)

	pending := store.NewMemoryStore()
	d, err := NewDispatcher(Dependencies{
		Store:      pending,
		Strategies: []ports.Strategy{strategy.NewDirectStrategy(client, nil, nil)},
		Submitter:  client,
	}, Config{AttemptTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	result, err := d.IssueCredential(context.Background(), issueRequest(0))
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, result.Status)
	require.Equal(t, 1, chain.broadcasts())
	assert.Equal(t, chain.sent[0].Hash().Hex(), result.TransactionRef)

	stored, err := pending.Get(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.TransactionRef, stored.TransactionRef)

	// still in the mempool: settlement waits and reports, without a second broadcast
	_, err = d.SettlePending(context.Background(), wallet)
	assert.ErrorIs(t, err, core.ErrPartialSettlement)
	assert.ErrorIs(t, err, core.ErrConfirmationTimeout)
	assert.Equal(t, 1, chain.broadcasts())

	chain.release(77)
	settle, err := d.SettlePending(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, 1, settle.SettledCount)
	assert.Equal(t, []string{result.TransactionRef}, settle.TransactionRefs)
	assert.Equal(t, 1, chain.broadcasts())

	stored, err = pending.Get(context.Background(), result.ID)
	require.NoError(t, err)
	assert.True(t, stored.Settled)
	assert.Equal(t, uint64(77), stored.BlockHeight)
}
