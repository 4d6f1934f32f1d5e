package relay

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/certsettle/adapters/ledger"
	"github.com/layer-3/certsettle/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey    = "relay-key"
	testForwarder = "0x2000000000000000000000000000000000000002"
	testContract  = "0x1000000000000000000000000000000000000001"
	testTxHash    = "0x00000000000000000000000000000000000000000000000000000000000000ff"
)

type fakeLedger struct {
	signer  *ledger.Signer
	nonce   int64
	mined   []common.Hash
	waitErr error
}

func (f *fakeLedger) ChainID() *big.Int { return big.NewInt(80002) }
func (f *fakeLedger) Signer() *ledger.Signer { return f.signer }
func (f *fakeLedger) ContractAddress() string { return testContract }

func (f *fakeLedger) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(f.nonce).Bytes(), 32), nil
}

func (f *fakeLedger) WaitMined(ctx context.Context, hash common.Hash) (core.Receipt, error) {
	f.mined = append(f.mined, hash)
	if f.waitErr != nil {
		return core.Receipt{}, f.waitErr
	}
	return core.Receipt{TxHash: hash.Hex(), BlockHeight: 99}, nil
}

type relayServer struct {
	ready        bool
	rejectStatus int
	statusCalls  atomic.Int32
	received     []relayRequest
}

func (s *relayServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(statusPath, func(w http.ResponseWriter, r *http.Request) {
		s.statusCalls.Add(1)
		if r.Header.Get(apiKeyHeader) != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(statusResponse{Ready: s.ready})
	})
	mux.HandleFunc(relayPath, func(w http.ResponseWriter, r *http.Request) {
		var req relayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.received = append(s.received, req)
		if s.rejectStatus != 0 {
			w.WriteHeader(s.rejectStatus)
			_ = json.NewEncoder(w).Encode(relayResponse{Error: "insufficient sponsor funds"})
			return
		}
		_ = json.NewEncoder(w).Encode(relayResponse{TxHash: testTxHash})
	})
	return mux
}

func newTestRelay(t *testing.T, srv *relayServer) (*Client, *fakeLedger) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	fl := &fakeLedger{signer: ledger.NewSigner(key), nonce: 3}

	server := httptest.NewServer(srv.handler())
	t.Cleanup(server.Close)

	client := NewClient(Config{
		URL:              server.URL,
		APIKey:           testAPIKey,
		ForwarderAddress: testForwarder,
		InitTimeout:      time.Second,
	}, fl, nil)
	return client, fl
}

func testInput() core.MintInput {
	return core.MintInput{
		To:         "0x00000000000000000000000000000000000000aa",
		Course:     "Solidity 101",
		Expires:    1700000000,
		ContentRef: "bafy123",
		IsRental:   true,
	}
}

func TestConfigured(t *testing.T) {
	assert.False(t, NewClient(Config{URL: "http://relay"}, &fakeLedger{}, nil).Configured())
	assert.False(t, NewClient(Config{URL: "http://relay", APIKey: "k"}, &fakeLedger{}, nil).Configured())
	assert.True(t, NewClient(Config{URL: "http://relay", APIKey: "k", ForwarderAddress: testForwarder}, &fakeLedger{}, nil).Configured())
}

func TestInitUnconfigured(t *testing.T) {
	err := NewClient(Config{}, nil, nil).Init(context.Background())
	assert.ErrorIs(t, err, core.ErrStrategyNotConfigured)
}

func TestInitMemoizesSuccess(t *testing.T) {
	srv := &relayServer{ready: true}
	client, _ := newTestRelay(t, srv)

	require.NoError(t, client.Init(context.Background()))
	require.NoError(t, client.Init(context.Background()))
	assert.Equal(t, int32(1), srv.statusCalls.Load())
}

func TestInitNotReady(t *testing.T) {
	srv := &relayServer{ready: false}
	client, _ := newTestRelay(t, srv)

	err := client.Init(context.Background())
	assert.ErrorIs(t, err, core.ErrRelayUnavailable)

	err = client.Init(context.Background())
	assert.ErrorIs(t, err, core.ErrRelayUnavailable)
	assert.Equal(t, int32(2), srv.statusCalls.Load())
}

func TestInitTimeout(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-blocked:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(blocked)
		server.Close()
	})

	client := NewClient(Config{
		URL:              server.URL,
		APIKey:           testAPIKey,
		ForwarderAddress: testForwarder,
		InitTimeout:      50 * time.Millisecond,
	}, &fakeLedger{}, nil)

	start := time.Now()
	err := client.Init(context.Background())
	assert.ErrorIs(t, err, core.ErrRelayUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubmitMintSignsForwardRequest(t *testing.T) {
	srv := &relayServer{ready: true}
	client, fl := newTestRelay(t, srv)

	receipt, err := client.SubmitMint(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(testTxHash).Hex(), receipt.TxHash)
	assert.Equal(t, uint64(99), receipt.BlockHeight)
	assert.Equal(t, []common.Hash{common.HexToHash(testTxHash)}, fl.mined)

	require.Len(t, srv.received, 1)
	got := srv.received[0]
	assert.Equal(t, fl.signer.Address().Hex(), got.Request.From)
	assert.Equal(t, common.HexToAddress(testContract).Hex(), got.Request.To)
	assert.Equal(t, "3", got.Request.Nonce)
	assert.Equal(t, "300000", got.Request.Gas)

	expected, err := ledger.PackMint(testInput())
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(expected), got.Request.Data)

	sig, err := hexutil.Decode(got.Signature)
	require.NoError(t, err)
	signer, err := ledger.RecoverTypedDataSigner(
		ForwardTypedData(got.Request, big.NewInt(80002), common.HexToAddress(testForwarder)), sig)
	require.NoError(t, err)
	assert.Equal(t, fl.signer.Address(), signer)
}

func TestSubmitMintRejected(t *testing.T) {
	srv := &relayServer{ready: true, rejectStatus: http.StatusPaymentRequired}
	client, fl := newTestRelay(t, srv)

	_, err := client.SubmitMint(context.Background(), testInput())
	assert.ErrorIs(t, err, core.ErrRelayRejected)
	assert.Contains(t, err.Error(), "insufficient sponsor funds")
	assert.Empty(t, fl.mined)
}

func TestSubmitMintConfirmationFailure(t *testing.T) {
	srv := &relayServer{ready: true}
	client, fl := newTestRelay(t, srv)
	fl.waitErr = core.ErrTransactionReverted

	_, err := client.SubmitMint(context.Background(), testInput())
	assert.ErrorIs(t, err, core.ErrTransactionReverted)
}

func TestSubmitMintUnconfirmedKeepsRelayHash(t *testing.T) {
	srv := &relayServer{ready: true}
	client, fl := newTestRelay(t, srv)
	fl.waitErr = &core.UnconfirmedError{TxHash: testTxHash, Err: core.ErrConfirmationTimeout}

	_, err := client.SubmitMint(context.Background(), testInput())
	assert.ErrorIs(t, err, core.ErrConfirmationTimeout)
	hash, ok := core.UnconfirmedTx(err)
	require.True(t, ok)
	assert.Equal(t, common.HexToHash(testTxHash).Hex(), hash)
	assert.Len(t, srv.received, 1)
}

func TestSubmitMintInvalidWallet(t *testing.T) {
	srv := &relayServer{ready: true}
	client, _ := newTestRelay(t, srv)

	input := testInput()
	input.To = "bob"
	_, err := client.SubmitMint(context.Background(), input)
	assert.ErrorIs(t, err, core.ErrInvalidWallet)
	assert.Empty(t, srv.received)
}
