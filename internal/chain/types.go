package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// CallMsg is the subset of eth_call parameters the wallet engine needs.
type CallMsg struct {
	To   common.Address
	Data []byte
}

// Reader defines the read/submit interface that any chain backend must
// provide so higher layers can interact with different networks uniformly.
// Implementations may be backed by several RPC endpoints; WaitForCode only
// reports success once every configured endpoint sees code at the address.
type Reader interface {
	// ChainID returns the EIP-155 chain id the reader is connected to.
	ChainID() *big.Int
	// GetCode returns the contract code at addr, or an empty slice for an
	// externally owned or undeployed address.
	GetCode(ctx context.Context, addr common.Address) ([]byte, error)
	// GetNonce returns the pending protocol nonce of addr. Endpoints that
	// answer "0x" for never-used accounts are normalized to zero.
	GetNonce(ctx context.Context, addr common.Address) (uint64, error)
	// GetBalance returns the native token balance of addr.
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	// CallContract executes a read-only eth_call against the latest block.
	CallContract(ctx context.Context, msg CallMsg) ([]byte, error)
	// GasPrice returns the current suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)
	// EstimateGas estimates the gas needed by a transaction from `from`.
	EstimateGas(ctx context.Context, from common.Address, msg CallMsg, value *big.Int) (uint64, error)
	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	// WaitReceipt blocks until a receipt for hash is visible on at least one
	// endpoint, or the context expires.
	WaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	// WaitForCode blocks until every configured endpoint reports non-empty
	// code at addr. A single fast node is not sufficient evidence that the
	// deployment is globally visible.
	WaitForCode(ctx context.Context, addr common.Address) error
	// Close releases any network connections held by the reader.
	Close()
}
