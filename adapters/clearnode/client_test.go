package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/layer-3/certsettle/adapters/ledger"
	"github.com/layer-3/certsettle/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallenge = "a1b2c3d4-challenge"

type capturedVerify struct {
	raw []byte
	sig []byte
}

type fakeNode struct {
	silent         bool
	rejectVerify   bool
	errorOnRequest bool
	closeAfterAuth atomic.Bool
	rejectTx       bool
	holdChallenge  chan struct{}

	connections atomic.Int32
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	auth     []AuthRequestParams
	verifies []capturedVerify
	txs      []TxParams
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	n.connections.Add(1)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var envelope struct {
			Req json.RawMessage `json:"req"`
			Sig []string        `json:"sig"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return
		}
		var req Payload
		if err := json.Unmarshal(envelope.Req, &req); err != nil {
			return
		}

		switch req.Method {
		case MethodAuthRequest:
			var params AuthRequestParams
			_ = req.DecodeParams(&params)
			n.mu.Lock()
			n.auth = append(n.auth, params)
			n.mu.Unlock()

			if n.holdChallenge != nil {
				<-n.holdChallenge
			}

			switch {
			case n.silent:
			case n.errorOnRequest:
				n.respond(ws, req.RequestID, MethodError, ErrorParams{Error: "unknown application"})
			default:
				n.respond(ws, req.RequestID, MethodAuthChallenge, []AuthChallengeParams{{ChallengeMessage: testChallenge}})
			}
		case MethodAuthVerify:
			var sig []byte
			if len(envelope.Sig) == 1 {
				sig, _ = hexutil.Decode(envelope.Sig[0])
			}
			n.mu.Lock()
			n.verifies = append(n.verifies, capturedVerify{raw: append([]byte(nil), envelope.Req...), sig: sig})
			n.mu.Unlock()

			n.respond(ws, req.RequestID, MethodAuthVerify, []AuthVerifyResult{{Success: !n.rejectVerify}})
			if n.closeAfterAuth.Load() {
				return
			}
		case MethodSendTx:
			var tx TxParams
			_ = req.DecodeParams(&tx)
			n.mu.Lock()
			n.txs = append(n.txs, tx)
			n.mu.Unlock()

			if n.rejectTx {
				n.respond(ws, req.RequestID, MethodError, ErrorParams{Error: "insufficient allowance"})
			} else {
				n.respond(ws, req.RequestID, MethodSendTx, map[string]bool{"accepted": true})
			}
		}
	}
}

func (n *fakeNode) respond(ws *websocket.Conn, id uint64, method string, params any) {
	payload, err := NewPayload(id, method, params, uint64(time.Now().UnixMilli()))
	if err != nil {
		return
	}
	_ = ws.WriteJSON(Response{Res: payload})
}

func newTestSession(t *testing.T, node *fakeNode, mode AuthMode, authTimeout time.Duration) (*Client, *ledger.Signer) {
	server := httptest.NewServer(node)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := ledger.NewSigner(key)

	client := NewClient(Config{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		AuthMode:    mode,
		AuthTimeout: authTimeout,
	}, signer, nil)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, signer
}

func TestConnectRawMode(t *testing.T) {
	node := &fakeNode{}
	client, signer := newTestSession(t, node, AuthModeRaw, time.Second)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, core.SessionAuthenticated, client.State())

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.auth, 1)
	auth := node.auth[0]
	assert.Equal(t, signer.Address().Hex(), auth.Address)
	assert.Equal(t, signer.Address().Hex(), auth.SessionKey)
	assert.Equal(t, DefaultAppName, auth.AppName)
	assert.Equal(t, DefaultScope, auth.Scope)
	assert.NotNil(t, auth.Allowances)

	require.Len(t, node.verifies, 1)
	verify := node.verifies[0]
	recovered, err := ledger.RecoverMessageSigner(crypto.Keccak256(verify.raw), verify.sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestConnectEIP712Mode(t *testing.T) {
	node := &fakeNode{}
	client, signer := newTestSession(t, node, AuthModeEIP712, time.Second)

	require.NoError(t, client.Connect(context.Background()))

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.verifies, 1)
	recovered, err := ledger.RecoverTypedDataSigner(PolicyTypedData(testChallenge, node.auth[0]), node.verifies[0].sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestConnectWhenAuthenticatedIsNoop(t *testing.T) {
	node := &fakeNode{}
	client, _ := newTestSession(t, node, AuthModeRaw, time.Second)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, int32(1), node.connections.Load())
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	node := &fakeNode{holdChallenge: make(chan struct{})}
	client, _ := newTestSession(t, node, AuthModeRaw, 5*time.Second)

	const callers = 10
	var (
		entered  sync.WaitGroup
		wg       sync.WaitGroup
		released atomic.Bool
	)
	errs := make(chan error, callers)
	entered.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entered.Done()
			err := client.Connect(context.Background())
			if !released.Load() {
				err = errors.New("connect returned before the challenge was sent")
			}
			errs <- err
		}()
	}

	// the first attempt is parked on the challenge while everyone else piles in
	entered.Wait()
	require.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return len(node.auth) == 1
	}, time.Second, time.Millisecond)
	assert.NotEqual(t, core.SessionAuthenticated, client.State())
	time.Sleep(50 * time.Millisecond)

	released.Store(true)
	close(node.holdChallenge)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), node.connections.Load())
	node.mu.Lock()
	defer node.mu.Unlock()
	assert.Len(t, node.auth, 1)
}

func TestConnectTimeoutResetsState(t *testing.T) {
	node := &fakeNode{silent: true}
	client, _ := newTestSession(t, node, AuthModeRaw, 100*time.Millisecond)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthTimeout)
	assert.Equal(t, core.SessionDisconnected, client.State())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthTimeout)
	assert.Equal(t, int32(2), node.connections.Load())
}

func TestConnectCallerContextDoesNotCancelAttempt(t *testing.T) {
	node := &fakeNode{silent: true}
	client, _ := newTestSession(t, node, AuthModeRaw, 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		return client.State() == core.SessionAwaitingChallenge
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return client.State() == core.SessionDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectVerifyRejected(t *testing.T) {
	node := &fakeNode{rejectVerify: true}
	client, _ := newTestSession(t, node, AuthModeRaw, time.Second)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthRejected)
	assert.Equal(t, core.SessionDisconnected, client.State())
}

func TestConnectErrorBeforeAuth(t *testing.T) {
	node := &fakeNode{errorOnRequest: true}
	client, _ := newTestSession(t, node, AuthModeRaw, time.Second)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthRejected)
	assert.Contains(t, err.Error(), "unknown application")
}

func TestConnectNotConfigured(t *testing.T) {
	client := NewClient(Config{}, nil, nil)
	assert.ErrorIs(t, client.Connect(context.Background()), core.ErrSessionNotConfigured)
}

func TestSendRequiresAuthenticatedSession(t *testing.T) {
	node := &fakeNode{}
	client, _ := newTestSession(t, node, AuthModeRaw, time.Second)

	_, err := client.Send(context.Background(), "ping", []any{})
	assert.ErrorIs(t, err, core.ErrSessionNotConnected)
	assert.Equal(t, int32(0), node.connections.Load())

	require.NoError(t, client.Connect(context.Background()))
	id, err := client.Send(context.Background(), "ping", []any{})
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestTransportCloseResetsState(t *testing.T) {
	node := &fakeNode{}
	node.closeAfterAuth.Store(true)
	client, _ := newTestSession(t, node, AuthModeRaw, time.Second)

	require.NoError(t, client.Connect(context.Background()))
	assert.Eventually(t, func() bool {
		return client.State() == core.SessionDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err := client.Send(context.Background(), "ping", []any{})
	assert.ErrorIs(t, err, core.ErrSessionNotConnected)

	node.closeAfterAuth.Store(false)
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, int32(2), node.connections.Load())
}

func TestSendSignedTxAcknowledged(t *testing.T) {
	node := &fakeNode{}
	client, signer := newTestSession(t, node, AuthModeRaw, time.Second)

	to := "0x1000000000000000000000000000000000000001"
	require.NoError(t, client.SendSignedTx(context.Background(), to, []byte{0xde, 0xad}))

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.txs, 1)
	assert.Equal(t, signer.Address().Hex(), node.txs[0].From)
	assert.Equal(t, to, node.txs[0].To)
	assert.Equal(t, "0xdead", node.txs[0].Data)
}

func TestSendSignedTxRejected(t *testing.T) {
	node := &fakeNode{rejectTx: true}
	client, _ := newTestSession(t, node, AuthModeRaw, time.Second)

	err := client.SendSignedTx(context.Background(), common.Address{}.Hex(), nil)
	assert.ErrorIs(t, err, core.ErrRequestRejected)
	assert.Contains(t, err.Error(), "insufficient allowance")
	assert.Equal(t, core.SessionAuthenticated, client.State())
}
