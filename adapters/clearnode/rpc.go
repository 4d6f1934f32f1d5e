package clearnode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/layer-3/certsettle/core"
)

// RPC method names used by the engine
const (
	MethodAuthRequest   = "auth_request"
	MethodAuthChallenge = "auth_challenge"
	MethodAuthVerify    = "auth_verify"
	MethodError         = "error"
	MethodSendTx        = "eth_sendTransaction"
)

// Payload is the positional [id, method, params, timestamp] tuple of the RPC envelope
type Payload struct {
	RequestID uint64
	Method    string
	Params    json.RawMessage
	Timestamp uint64
}

// NewPayload builds a payload, encoding params as JSON
func NewPayload(id uint64, method string, params any, ts uint64) (Payload, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return Payload{RequestID: id, Method: method, Params: raw, Timestamp: ts}, nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	params := p.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	return json.Marshal([]any{p.RequestID, p.Method, params, p.Timestamp})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("%w: payload has %d elements", core.ErrMalformedMessage, len(parts))
	}
	if err := json.Unmarshal(parts[0], &p.RequestID); err != nil {
		return fmt.Errorf("%w: request id: %v", core.ErrMalformedMessage, err)
	}
	if err := json.Unmarshal(parts[1], &p.Method); err != nil {
		return fmt.Errorf("%w: method: %v", core.ErrMalformedMessage, err)
	}
	p.Params = append(json.RawMessage(nil), parts[2]...)
	if err := json.Unmarshal(parts[3], &p.Timestamp); err != nil {
		return fmt.Errorf("%w: timestamp: %v", core.ErrMalformedMessage, err)
	}
	return nil
}

// DecodeParams decodes the params into v. A single-element array is unwrapped first.
func (p Payload) DecodeParams(v any) error {
	raw := bytes.TrimSpace(p.Params)
	if len(raw) > 0 && raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("%w: %s params: %v", core.ErrMalformedMessage, p.Method, err)
		}
		if len(list) == 0 {
			return fmt.Errorf("%w: %s params are empty", core.ErrMalformedMessage, p.Method)
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s params: %v", core.ErrMalformedMessage, p.Method, err)
	}
	return nil
}

// Request is an outbound envelope
type Request struct {
	Req Payload  `json:"req"`
	Sig []string `json:"sig"`
}

// Response is an inbound envelope
type Response struct {
	Res Payload  `json:"res"`
	Sig []string `json:"sig,omitempty"`
}

// ParseResponse decodes an inbound message
func ParseResponse(data []byte) (Response, error) {
	var envelope struct {
		Res *Payload `json:"res"`
		Sig []string `json:"sig"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Response{}, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	if envelope.Res == nil {
		return Response{}, fmt.Errorf("%w: missing res", core.ErrMalformedMessage)
	}
	return Response{Res: *envelope.Res, Sig: envelope.Sig}, nil
}

// AuthRequestParams opens the handshake
type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	AppName     string      `json:"app_name"`
	Allowances  []Allowance `json:"allowances"`
	Expire      string      `json:"expire"`
	Scope       string      `json:"scope"`
	Application string      `json:"application"`
}

// Allowance is a spending allowance granted to the session key
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthChallengeParams carries the challenge to sign
type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams answers the challenge
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// AuthVerifyResult is the final handshake answer
type AuthVerifyResult struct {
	Success    bool   `json:"success"`
	Address    string `json:"address,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// ErrorParams is the body of an error message
type ErrorParams struct {
	Error string `json:"error"`
}

// TxParams is an off-chain transaction forwarded to the settlement network
type TxParams struct {
	From string `json:"from"`
	To   string `json:"to"`
	Data string `json:"data"`
}

// errorText extracts a readable reason from an error payload
func errorText(p Payload) string {
	var params ErrorParams
	if err := p.DecodeParams(&params); err == nil && params.Error != "" {
		return params.Error
	}
	var text string
	if err := p.DecodeParams(&text); err == nil && text != "" {
		return text
	}
	return string(p.Params)
}
