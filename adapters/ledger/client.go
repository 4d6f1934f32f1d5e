package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
	"github.com/shopspring/decimal"
)

const (
	// DefaultPollInterval is the receipt polling period
	DefaultPollInterval = time.Second

	// DefaultConfirmTimeout bounds the wait for a receipt
	DefaultConfirmTimeout = 30 * time.Second

	// gasMarginPercent pads gas estimates
	gasMarginPercent = 120

	weiDecimals = 18
)

// Backend is the subset of the JSON-RPC client the ledger client needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Config holds the ledger client settings
type Config struct {
	ContractAddress      string
	BatchContractAddress string
	ChainID              *big.Int
	MinBalance           decimal.Decimal
	PollInterval         time.Duration
	ConfirmTimeout       time.Duration
}

// Client submits backend-paid transactions to the credential contract
type Client struct {
	backend        Backend
	signer         *Signer
	contract       common.Address
	batchContract  common.Address
	chainID        *big.Int
	minBalance     decimal.Decimal
	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger

	// sendMu serializes nonce allocation and broadcast for the shared signer
	sendMu sync.Mutex
}

var (
	_ ports.Submitter   = (*Client)(nil)
	_ ports.MintEncoder = (*Client)(nil)
)

// NewClient creates a ledger client. The chain id is read from the backend when not configured.
func NewClient(ctx context.Context, backend Backend, signer *Signer, cfg Config, logger *slog.Logger) (*Client, error) {
	if backend == nil || signer == nil {
		return nil, core.ErrStrategyNotConfigured
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q: %w", cfg.ContractAddress, core.ErrStrategyNotConfigured)
	}

	chainID := cfg.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		chainID = id
	}

	batchContract := common.HexToAddress(cfg.ContractAddress)
	if common.IsHexAddress(cfg.BatchContractAddress) {
		batchContract = common.HexToAddress(cfg.BatchContractAddress)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		backend:        backend,
		signer:         signer,
		contract:       common.HexToAddress(cfg.ContractAddress),
		batchContract:  batchContract,
		chainID:        chainID,
		minBalance:     cfg.MinBalance,
		pollInterval:   cfg.PollInterval,
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         logger.With("component", "ledger"),
	}, nil
}

// ChainID returns the chain the client signs for
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Signer returns the backend signing identity
func (c *Client) Signer() *Signer {
	return c.signer
}

// ContractAddress returns the credential contract address
func (c *Client) ContractAddress() string {
	return c.contract.Hex()
}

// PackMint encodes a mint instruction for the credential contract
func (c *Client) PackMint(input core.MintInput) ([]byte, error) {
	return PackMint(input)
}

// SubmitMint sends a mintToUser transaction and waits for it to be mined
func (c *Client) SubmitMint(ctx context.Context, input core.MintInput) (core.Receipt, error) {
	data, err := PackMint(input)
	if err != nil {
		return core.Receipt{}, err
	}
	return c.submit(ctx, c.contract, data)
}

// SubmitBatchMint sends one batchMint transaction covering every input
func (c *Client) SubmitBatchMint(ctx context.Context, inputs []core.MintInput) (core.Receipt, error) {
	if len(inputs) == 0 {
		return core.Receipt{}, errors.New("batch mint requires at least one credential")
	}
	data, err := PackBatchMint(inputs)
	if err != nil {
		return core.Receipt{}, err
	}
	return c.submit(ctx, c.batchContract, data)
}

// Call executes a read-only contract call
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	return result, nil
}

// Balance returns the backend wallet balance in ether
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	wei, err := c.backend.BalanceAt(ctx, c.signer.Address(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return decimal.NewFromBigInt(wei, -weiDecimals), nil
}

func (c *Client) submit(ctx context.Context, to common.Address, data []byte) (core.Receipt, error) {
	if err := c.checkBalance(ctx); err != nil {
		return core.Receipt{}, err
	}

	hash, err := c.send(ctx, to, data)
	if err != nil {
		return core.Receipt{}, err
	}
	c.logger.Info("transaction submitted", "tx", hash.Hex(), "to", to.Hex())

	return c.WaitMined(ctx, hash)
}

func (c *Client) checkBalance(ctx context.Context) error {
	if !c.minBalance.IsPositive() {
		return nil
	}
	balance, err := c.Balance(ctx)
	if err != nil {
		return err
	}
	if balance.LessThan(c.minBalance) {
		return fmt.Errorf("balance %s below minimum %s: %w",
			balance.StringFixed(6), c.minBalance.String(), core.ErrInsufficientBalance)
	}
	return nil
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", errors.Join(core.ErrTransactionReverted, err))
	}
	gas = gas * gasMarginPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		if ctx.Err() != nil {
			// the node may have accepted the transaction before the deadline
			return common.Hash{}, &core.UnconfirmedError{
				TxHash: signedTx.Hash().Hex(),
				Err:    fmt.Errorf("failed to send transaction: %w", err),
			}
		}
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// Confirm waits for a transaction broadcast earlier. A transaction the node no longer knows
// is reported as core.ErrTransactionDropped so the caller may submit again.
func (c *Client) Confirm(ctx context.Context, txHash string) (core.Receipt, error) {
	if len(txHash) != 2+2*common.HashLength {
		return core.Receipt{}, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		return c.WaitMined(ctx, hash)
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return core.Receipt{}, &core.UnconfirmedError{TxHash: hash.Hex(), Err: fmt.Errorf("failed to get receipt: %w", err)}
	}

	if _, _, err := c.backend.TransactionByHash(ctx, hash); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return core.Receipt{}, fmt.Errorf("transaction %s: %w", hash.Hex(), core.ErrTransactionDropped)
		}
		return core.Receipt{}, &core.UnconfirmedError{TxHash: hash.Hex(), Err: fmt.Errorf("failed to get transaction: %w", err)}
	}
	return c.WaitMined(ctx, hash)
}

// WaitMined polls for the receipt of hash until it is mined, ctx is done or the confirm timeout passes.
// Giving up before a receipt appears yields a *core.UnconfirmedError carrying the hash.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (core.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return core.Receipt{}, fmt.Errorf("transaction %s: %w", hash.Hex(), core.ErrTransactionReverted)
			}
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return core.Receipt{TxHash: hash.Hex(), BlockHeight: block}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			c.logger.Warn("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return core.Receipt{}, &core.UnconfirmedError{
				TxHash: hash.Hex(),
				Err:    errors.Join(core.ErrConfirmationTimeout, ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}
