package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/layer-3/certsettle/adapters/ledger"
	"github.com/layer-3/certsettle/core"
)

const (
	// DefaultInitTimeout bounds relay initialization
	DefaultInitTimeout = 5 * time.Second

	// DefaultGasLimit is the gas the forwarder is asked to provide to the call
	DefaultGasLimit = 300000

	apiKeyHeader = "x-api-key"
	statusPath   = "/api/v1/status"
	relayPath    = "/api/v1/relay"

	forwarderName    = "MinimalForwarder"
	forwarderVersion = "0.0.1"
)

// Ledger is the part of the ledger client the relay needs for signing context and confirmation
type Ledger interface {
	ChainID() *big.Int
	Signer() *ledger.Signer
	ContractAddress() string
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	WaitMined(ctx context.Context, hash common.Hash) (core.Receipt, error)
}

// Config holds the relay settings
type Config struct {
	URL              string
	APIKey           string
	ForwarderAddress string
	InitTimeout      time.Duration
	GasLimit         uint64
	HTTPClient       *http.Client
}

// ForwardRequest is the meta-transaction the relay executes through the forwarder
type ForwardRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Gas   string `json:"gas"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

type relayRequest struct {
	Request   ForwardRequest `json:"request"`
	Signature string         `json:"signature"`
}

type relayResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

type statusResponse struct {
	Ready bool `json:"ready"`
}

// Client submits mint instructions through a fee-sponsoring relay
type Client struct {
	cfg    Config
	ledger Ledger
	http   *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewClient creates a relay client
func NewClient(cfg Config, l Ledger, logger *slog.Logger) *Client {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Client{
		cfg:    cfg,
		ledger: l,
		http:   httpClient,
		logger: logger.With("component", "relay"),
	}
}

// Configured reports whether an API key and endpoint are present
func (c *Client) Configured() bool {
	return c.cfg.APIKey != "" && c.cfg.URL != "" && c.ledger != nil && common.IsHexAddress(c.cfg.ForwarderAddress)
}

// Init waits for the relay to report ready, bounded by the init timeout. Success is remembered.
func (c *Client) Init(ctx context.Context) error {
	if !c.Configured() {
		return core.ErrStrategyNotConfigured
	}

	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.InitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+statusPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay init: %w", errors.Join(core.ErrRelayUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay init status %d: %w", resp.StatusCode, core.ErrRelayUnavailable)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("relay init: %w", errors.Join(core.ErrRelayUnavailable, err))
	}
	if !status.Ready {
		return fmt.Errorf("relay not ready: %w", core.ErrRelayUnavailable)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.logger.Info("relay initialized")
	return nil
}

// SubmitMint relays a signed mintToUser forward request and waits for confirmation
func (c *Client) SubmitMint(ctx context.Context, input core.MintInput) (core.Receipt, error) {
	if err := c.Init(ctx); err != nil {
		return core.Receipt{}, err
	}

	data, err := ledger.PackMint(input)
	if err != nil {
		return core.Receipt{}, err
	}

	signer := c.ledger.Signer()
	forwarder := common.HexToAddress(c.cfg.ForwarderAddress)
	nonce, err := c.forwarderNonce(ctx, forwarder, signer.Address())
	if err != nil {
		return core.Receipt{}, err
	}

	request := ForwardRequest{
		From:  signer.Address().Hex(),
		To:    common.HexToAddress(c.ledger.ContractAddress()).Hex(),
		Value: "0",
		Gas:   strconv.FormatUint(c.cfg.GasLimit, 10),
		Nonce: nonce.String(),
		Data:  hexutil.Encode(data),
	}

	sig, err := signer.SignTypedData(ForwardTypedData(request, c.ledger.ChainID(), forwarder))
	if err != nil {
		return core.Receipt{}, err
	}

	hash, err := c.relay(ctx, relayRequest{Request: request, Signature: hexutil.Encode(sig)})
	if err != nil {
		return core.Receipt{}, err
	}
	c.logger.Info("relay accepted forward request", "tx", hash.Hex(), "to", input.To)

	return c.ledger.WaitMined(ctx, hash)
}

func (c *Client) forwarderNonce(ctx context.Context, forwarder, from common.Address) (*big.Int, error) {
	call, err := ledger.PackForwarderNonce(from)
	if err != nil {
		return nil, err
	}
	result, err := c.ledger.Call(ctx, forwarder, call)
	if err != nil {
		return nil, fmt.Errorf("failed to read forwarder nonce: %w", err)
	}
	return ledger.UnpackForwarderNonce(result)
}

func (c *Client) relay(ctx context.Context, body relayRequest) (common.Hash, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+relayPath, bytes.NewReader(payload))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read relay response: %w", err)
	}

	var decoded relayResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode != http.StatusOK {
		msg := decoded.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return common.Hash{}, fmt.Errorf("relay status %d: %s: %w", resp.StatusCode, msg, core.ErrRelayRejected)
	}
	if decoded.TxHash == "" {
		return common.Hash{}, fmt.Errorf("relay response without tx hash: %w", core.ErrRelayRejected)
	}
	return common.HexToHash(decoded.TxHash), nil
}

// ForwardTypedData builds the EIP-712 payload the forwarder verifies
func ForwardTypedData(request ForwardRequest, chainID *big.Int, forwarder common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ForwardRequest": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "gas", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "data", Type: "bytes"},
			},
		},
		PrimaryType: "ForwardRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              forwarderName,
			Version:           forwarderVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: forwarder.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":  request.From,
			"to":    request.To,
			"value": request.Value,
			"gas":   request.Gas,
			"nonce": request.Nonce,
			"data":  request.Data,
		},
	}
}
