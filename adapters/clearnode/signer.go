package clearnode

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/layer-3/certsettle/adapters/ledger"
)

// AuthMode selects how the challenge answer is signed
type AuthMode string

const (
	// AuthModeRaw signs keccak256 of the serialized payload as a personal message
	AuthModeRaw AuthMode = "raw"

	// AuthModeEIP712 signs the session policy as typed data
	AuthModeEIP712 AuthMode = "eip712"
)

// ParseAuthMode maps a configuration value to an AuthMode, defaulting to raw
func ParseAuthMode(value string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", AuthModeRaw:
		return AuthModeRaw, nil
	case AuthModeEIP712:
		return AuthModeEIP712, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", value)
	}
}

// ChallengeSigner signs the auth_verify message
type ChallengeSigner interface {
	SignVerify(payload []byte, challenge string, auth AuthRequestParams) ([]byte, error)
}

// NewChallengeSigner returns the signer for the mode
func NewChallengeSigner(mode AuthMode, signer *ledger.Signer) ChallengeSigner {
	if mode == AuthModeEIP712 {
		return PolicySigner{signer: signer}
	}
	return RawSigner{signer: signer}
}

// RawSigner signs payloads the way every non-auth request is signed
type RawSigner struct {
	signer *ledger.Signer
}

// SignPayload signs keccak256(payload) as an EIP-191 message
func (s RawSigner) SignPayload(payload []byte) ([]byte, error) {
	return s.signer.SignMessage(crypto.Keccak256(payload))
}

func (s RawSigner) SignVerify(payload []byte, _ string, _ AuthRequestParams) ([]byte, error) {
	return s.SignPayload(payload)
}

// PolicySigner signs the EIP-712 session policy
type PolicySigner struct {
	signer *ledger.Signer
}

func (s PolicySigner) SignVerify(_ []byte, challenge string, auth AuthRequestParams) ([]byte, error) {
	return s.signer.SignTypedData(PolicyTypedData(challenge, auth))
}

// PolicyTypedData builds the typed data a session policy signature covers
func PolicyTypedData(challenge string, auth AuthRequestParams) apitypes.TypedData {
	allowances := make([]interface{}, len(auth.Allowances))
	for i, a := range auth.Allowances {
		allowances[i] = map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		}
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: auth.AppName,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       auth.Scope,
			"wallet":      common.HexToAddress(auth.Address).Hex(),
			"session_key": common.HexToAddress(auth.SessionKey).Hex(),
			"expires_at":  auth.Expire,
			"allowances":  allowances,
		},
	}
}
