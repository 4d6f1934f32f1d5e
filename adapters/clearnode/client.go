package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/layer-3/certsettle/adapters/ledger"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAuthTimeout bounds one connect attempt from dial to verified
	DefaultAuthTimeout = 15 * time.Second

	// DefaultSessionTTL is the requested session key lifetime
	DefaultSessionTTL = time.Hour

	// DefaultAppName identifies the application to the settlement network
	DefaultAppName = "SkillCert"

	// DefaultScope is the requested session scope
	DefaultScope = "console"

	connectKey = "connect"
)

// Config holds the session settings
type Config struct {
	URL         string
	AppName     string
	Scope       string
	AuthMode    AuthMode
	AuthTimeout time.Duration
	SessionTTL  time.Duration
	Allowances  []Allowance
	Dialer      *websocket.Dialer
}

// Client is the authenticated session with the off-chain settlement network
type Client struct {
	cfg        Config
	signer     *ledger.Signer
	raw        RawSigner
	challenger ChallengeSigner
	dialer     *websocket.Dialer
	logger     *slog.Logger
	now        func() time.Time

	group  singleflight.Group
	nextID atomic.Uint64

	mu      sync.Mutex
	state   core.SessionState
	conn    *conn
	waiters map[uint64]chan Payload
}

// conn is one transport and its handshake
type conn struct {
	ws       *websocket.Conn
	auth     AuthRequestParams
	writeMu  sync.Mutex
	authDone chan error
	authOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) finishAuth(err error) {
	c.authOnce.Do(func() { c.authDone <- err })
}

var _ ports.Session = (*Client)(nil)

// NewClient creates a session client. Nothing is dialed until Connect.
func NewClient(cfg Config, signer *ledger.Signer, logger *slog.Logger) *Client {
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeRaw
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		signer:     signer,
		raw:        RawSigner{signer: signer},
		challenger: NewChallengeSigner(cfg.AuthMode, signer),
		dialer:     dialer,
		logger:     logger.With("component", "clearnode"),
		now:        time.Now,
		state:      core.SessionDisconnected,
		waiters:    make(map[uint64]chan Payload),
	}
	c.nextID.Store(uint64(time.Now().UnixMilli()))
	return c
}

// State returns the current session state
func (c *Client) State() core.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(t *conn, state core.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == t {
		c.state = state
	}
}

// Connect authenticates the session. Concurrent callers share one attempt; a caller
// whose ctx ends returns early while the attempt runs to its own deadline.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" || c.signer == nil {
		return core.ErrSessionNotConfigured
	}
	if c.State() == core.SessionAuthenticated {
		return nil
	}

	result := c.group.DoChan(connectKey, func() (any, error) {
		if c.State() == core.SessionAuthenticated {
			return nil, nil
		}
		return nil, c.establish()
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) establish() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout)
	defer cancel()

	c.mu.Lock()
	c.state = core.SessionConnecting
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state = core.SessionDisconnected
		c.mu.Unlock()
		if ctx.Err() != nil {
			return fmt.Errorf("dial %s: %w", c.cfg.URL, core.ErrAuthTimeout)
		}
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	address := c.signer.Address().Hex()
	t := &conn{
		ws: ws,
		auth: AuthRequestParams{
			Address:     address,
			SessionKey:  address,
			AppName:     c.cfg.AppName,
			Allowances:  nonNilAllowances(c.cfg.Allowances),
			Expire:      strconv.FormatInt(c.now().Add(c.cfg.SessionTTL).Unix(), 10),
			Scope:       c.cfg.Scope,
			Application: address,
		},
		authDone: make(chan error, 1),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = t
	c.mu.Unlock()

	go c.readLoop(t)

	payload, err := NewPayload(c.nextID.Add(1), MethodAuthRequest, t.auth, c.timestamp())
	if err != nil {
		c.teardown(t, err)
		return err
	}
	c.setState(t, core.SessionAwaitingChallenge)
	if err := t.write(Request{Req: payload, Sig: []string{}}); err != nil {
		c.teardown(t, err)
		return fmt.Errorf("failed to send auth request: %w", err)
	}

	select {
	case err := <-t.authDone:
		if err != nil {
			c.teardown(t, err)
			return err
		}
		c.logger.Info("session authenticated", "url", c.cfg.URL, "mode", string(c.cfg.AuthMode))
		return nil
	case <-ctx.Done():
		c.teardown(t, core.ErrAuthTimeout)
		return core.ErrAuthTimeout
	}
}

func (c *Client) readLoop(t *conn) {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			c.teardown(t, fmt.Errorf("%w: %v", core.ErrSessionClosed, err))
			return
		}
		c.handleMessage(t, data)
	}
}

func (c *Client) handleMessage(t *conn, data []byte) {
	authenticated := c.State() == core.SessionAuthenticated

	msg, err := ParseResponse(data)
	if err != nil {
		if !authenticated {
			t.finishAuth(err)
			return
		}
		c.logger.Warn("dropping malformed message", "error", err)
		return
	}
	res := msg.Res

	switch res.Method {
	case MethodAuthChallenge:
		if authenticated {
			return
		}
		c.setState(t, core.SessionAuthenticating)
		if err := c.answerChallenge(t, res); err != nil {
			t.finishAuth(err)
		}
	case MethodAuthVerify:
		if authenticated {
			return
		}
		var result AuthVerifyResult
		if err := res.DecodeParams(&result); err != nil {
			t.finishAuth(err)
			return
		}
		if !result.Success {
			t.finishAuth(core.ErrAuthRejected)
			return
		}
		c.setState(t, core.SessionAuthenticated)
		t.finishAuth(nil)
	case MethodError:
		if !authenticated {
			t.finishAuth(fmt.Errorf("%s: %w", errorText(res), core.ErrAuthRejected))
			return
		}
		if !c.deliver(res) {
			c.logger.Warn("settlement network error", "request_id", res.RequestID, "error", errorText(res))
		}
	default:
		if !c.deliver(res) {
			c.logger.Debug("unsolicited message", "method", res.Method, "request_id", res.RequestID)
		}
	}
}

func (c *Client) answerChallenge(t *conn, res Payload) error {
	var challenge AuthChallengeParams
	if err := res.DecodeParams(&challenge); err != nil {
		return err
	}
	if challenge.ChallengeMessage == "" {
		return fmt.Errorf("%w: empty challenge", core.ErrMalformedMessage)
	}

	payload, err := NewPayload(c.nextID.Add(1), MethodAuthVerify,
		[]AuthVerifyParams{{Challenge: challenge.ChallengeMessage}}, c.timestamp())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal auth verify: %w", err)
	}
	sig, err := c.challenger.SignVerify(raw, challenge.ChallengeMessage, t.auth)
	if err != nil {
		return err
	}
	if err := t.write(Request{Req: payload, Sig: []string{hexutil.Encode(sig)}}); err != nil {
		return fmt.Errorf("failed to send auth verify: %w", err)
	}
	return nil
}

func (c *Client) deliver(res Payload) bool {
	c.mu.Lock()
	waiter, ok := c.waiters[res.RequestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case waiter <- res:
	default:
	}
	return true
}

// teardown closes the transport and resets the state if t is still current
func (c *Client) teardown(t *conn, cause error) {
	t.doneOnce.Do(func() {
		close(t.done)
		t.finishAuth(cause)
		_ = t.ws.Close()

		c.mu.Lock()
		current := c.conn == t
		if current {
			c.conn = nil
			c.state = core.SessionDisconnected
		}
		c.mu.Unlock()

		if current {
			c.logger.Info("session disconnected", "reason", cause)
		}
	})
}

// Send signs and writes a request on the authenticated session and returns its id
func (c *Client) Send(ctx context.Context, method string, params any) (uint64, error) {
	t, err := c.current()
	if err != nil {
		return 0, err
	}
	payload, err := c.send(t, method, params)
	if err != nil {
		return 0, err
	}
	return payload.RequestID, nil
}

// SendSignedTx forwards a signed off-chain transaction and waits for its acknowledgement
func (c *Client) SendSignedTx(ctx context.Context, to string, data []byte) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	t, err := c.current()
	if err != nil {
		return err
	}

	id := c.nextID.Add(1)
	waiter := make(chan Payload, 1)
	c.mu.Lock()
	c.waiters[id] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	params := []TxParams{{From: c.signer.Address().Hex(), To: to, Data: hexutil.Encode(data)}}
	if _, err := c.sendWithID(t, id, MethodSendTx, params); err != nil {
		return err
	}

	select {
	case res := <-waiter:
		if res.Method == MethodError {
			return fmt.Errorf("%s: %w", errorText(res), core.ErrRequestRejected)
		}
		return nil
	case <-t.done:
		return core.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the current transport
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.conn
	c.mu.Unlock()
	if t == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	c.teardown(t, core.ErrSessionClosed)
	return nil
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != core.SessionAuthenticated {
		return nil, core.ErrSessionNotConnected
	}
	return c.conn, nil
}

func (c *Client) send(t *conn, method string, params any) (Payload, error) {
	return c.sendWithID(t, c.nextID.Add(1), method, params)
}

func (c *Client) sendWithID(t *conn, id uint64, method string, params any) (Payload, error) {
	payload, err := NewPayload(id, method, params, c.timestamp())
	if err != nil {
		return Payload{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal %s: %w", method, err)
	}
	sig, err := c.raw.SignPayload(raw)
	if err != nil {
		return Payload{}, err
	}
	if err := t.write(Request{Req: payload, Sig: []string{hexutil.Encode(sig)}}); err != nil {
		c.teardown(t, err)
		return Payload{}, errors.Join(core.ErrSessionNotConnected, err)
	}
	return payload, nil
}

func (c *Client) timestamp() uint64 {
	return uint64(c.now().UnixMilli())
}

func nonNilAllowances(allowances []Allowance) []Allowance {
	if allowances == nil {
		return []Allowance{}
	}
	return allowances
}
