package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/certsettle/core"
)

// CredentialABI covers the credential contract functions the engine calls
const CredentialABI = `[
	{"type":"function","name":"mintToUser","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"},{"name":"expires","type":"uint64"},{"name":"skill","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"batchMint","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address[]"},{"name":"courses","type":"string[]"},{"name":"expires","type":"uint256[]"},{"name":"uris","type":"string[]"},{"name":"rentals","type":"bool[]"}],
	 "outputs":[]}
]`

// ForwarderABI covers the trusted forwarder used by the gasless relay
const ForwarderABI = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"from","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	credentialABI = mustParseABI(CredentialABI)
	forwarderABI  = mustParseABI(ForwarderABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid abi: %v", err))
	}
	return parsed
}

// PackMint encodes a mintToUser call
func PackMint(input core.MintInput) ([]byte, error) {
	if !core.ValidWallet(input.To) {
		return nil, core.ErrInvalidWallet
	}
	data, err := credentialABI.Pack("mintToUser",
		common.HexToAddress(input.To), input.ContentRef, input.Expires, input.Course)
	if err != nil {
		return nil, fmt.Errorf("failed to pack mintToUser: %w", err)
	}
	return data, nil
}

// PackBatchMint encodes a batchMint call covering every input
func PackBatchMint(inputs []core.MintInput) ([]byte, error) {
	to := make([]common.Address, len(inputs))
	courses := make([]string, len(inputs))
	expires := make([]*big.Int, len(inputs))
	uris := make([]string, len(inputs))
	rentals := make([]bool, len(inputs))
	for i, input := range inputs {
		if !core.ValidWallet(input.To) {
			return nil, core.ErrInvalidWallet
		}
		to[i] = common.HexToAddress(input.To)
		courses[i] = input.Course
		expires[i] = new(big.Int).SetUint64(input.Expires)
		uris[i] = input.ContentRef
		rentals[i] = input.IsRental
	}

	data, err := credentialABI.Pack("batchMint", to, courses, expires, uris, rentals)
	if err != nil {
		return nil, fmt.Errorf("failed to pack batchMint: %w", err)
	}
	return data, nil
}

// PackForwarderNonce encodes a getNonce call
func PackForwarderNonce(from common.Address) ([]byte, error) {
	return forwarderABI.Pack("getNonce", from)
}

// UnpackForwarderNonce decodes the getNonce result
func UnpackForwarderNonce(result []byte) (*big.Int, error) {
	outputs, err := forwarderABI.Unpack("getNonce", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getNonce: %w", err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected getNonce outputs: %d", len(outputs))
	}
	nonce, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce type %T", outputs[0])
	}
	return nonce, nil
}
