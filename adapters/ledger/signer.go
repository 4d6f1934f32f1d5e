package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer is the backend-controlled signing identity
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an ECDSA private key
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewSignerFromHex parses a hex-encoded private key, with or without "0x"
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the ledger address of the signer
func (s *Signer) Address() common.Address {
	return s.address
}

// SignHash signs a 32-byte digest and returns a 65-byte [R || S || V] signature with V in {27, 28}
func (s *Signer) SignHash(hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignMessage produces an EIP-191 personal signature over data
func (s *Signer) SignMessage(data []byte) ([]byte, error) {
	return s.SignHash(accounts.TextHash(data))
}

// SignTypedData produces an EIP-712 signature over typed data
func (s *Signer) SignTypedData(typedData apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return s.SignHash(hash)
}

// SignTx signs a transaction for the given chain
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// RecoverMessageSigner returns the address that produced an EIP-191 signature over data
func RecoverMessageSigner(data, sig []byte) (common.Address, error) {
	return recoverHashSigner(accounts.TextHash(data), sig)
}

// RecoverTypedDataSigner returns the address that produced an EIP-712 signature
func RecoverTypedDataSigner(typedData apitypes.TypedData, sig []byte) (common.Address, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return recoverHashSigner(hash, sig)
}

func recoverHashSigner(hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
