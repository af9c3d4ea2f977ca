package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
	"OpenWallet-Chain/pkg/retry"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct a multi-endpoint EVM reader.
type Config struct {
	Network           chain.Network
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReceiptTimeout    time.Duration
}

// endpoint bundles the raw RPC client and its typed wrapper for one node.
type endpoint struct {
	url string
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// Reader implements chain.Reader against one or more JSON-RPC endpoints.
// The first endpoint serves ordinary reads and submissions; visibility
// checks consult every endpoint so that a single fast node cannot convince
// the engine that a deployment has propagated.
type Reader struct {
	network   chain.Network
	chainID   *big.Int
	endpoints []endpoint

	pollInterval      time.Duration
	visibilityTimeout time.Duration
	receiptTimeout    time.Duration

	mu      sync.Mutex
	visible map[common.Address]bool
}

// NewReader dials every configured RPC endpoint and returns a ready reader.
func NewReader(ctx context.Context, cfg Config) (*Reader, error) {
	if len(cfg.Network.RPCURLs) == 0 {
		return nil, errors.New("未配置任何 RPC 端点")
	}

	endpoints := make([]endpoint, 0, len(cfg.Network.RPCURLs))
	for _, rawURL := range cfg.Network.RPCURLs {
		url := strings.TrimSpace(rawURL)
		if url == "" {
			continue
		}
		rpcClient, err := gethrpc.DialContext(ctx, url)
		if err != nil {
			for _, ep := range endpoints {
				ep.rpc.Close()
			}
			return nil, fmt.Errorf("连接 RPC 端点 %s 失败: %w", url, err)
		}
		endpoints = append(endpoints, endpoint{url: url, rpc: rpcClient, eth: ethclient.NewClient(rpcClient)})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("未配置任何 RPC 端点")
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	receipt := cfg.ReceiptTimeout
	if receipt <= 0 {
		receipt = 2 * time.Minute
	}

	return &Reader{
		network:           cfg.Network,
		chainID:           big.NewInt(cfg.Network.ChainID),
		endpoints:         endpoints,
		pollInterval:      poll,
		visibilityTimeout: visibility,
		receiptTimeout:    receipt,
		visible:           make(map[common.Address]bool),
	}, nil
}

// ChainID returns the configured chain id.
func (r *Reader) ChainID() *big.Int {
	return new(big.Int).Set(r.chainID)
}

func (r *Reader) primary() endpoint {
	return r.endpoints[0]
}

// GetCode returns the contract code at addr from the primary endpoint.
func (r *Reader) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := r.primary().eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "查询合约代码失败")
	}
	return code, nil
}

// GetNonce returns the pending nonce of addr. The raw RPC call is used so
// that endpoints answering "0x" for never-used accounts yield zero instead
// of a decode error.
func (r *Reader) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var raw string
	err := r.primary().rpc.CallContext(ctx, &raw, "eth_getTransactionCount", addr, "pending")
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "查询账户 nonce 失败")
	}
	return parseHexUint(raw)
}

// GetBalance returns the native balance of addr.
func (r *Reader) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := r.primary().eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "查询余额失败")
	}
	return balance, nil
}

// CallContract executes a read-only call against the latest block.
func (r *Reader) CallContract(ctx context.Context, msg chain.CallMsg) ([]byte, error) {
	to := msg.To
	out, err := r.primary().eth.CallContract(ctx, gethcore.CallMsg{To: &to, Data: msg.Data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "eth_call 失败")
	}
	return out, nil
}

// GasPrice returns the suggested gas price from the primary endpoint.
func (r *Reader) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := r.primary().eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "查询 gas price 失败")
	}
	return price, nil
}

// EstimateGas estimates the gas required by the call.
func (r *Reader) EstimateGas(ctx context.Context, from common.Address, msg chain.CallMsg, value *big.Int) (uint64, error) {
	to := msg.To
	gas, err := r.primary().eth.EstimateGas(ctx, gethcore.CallMsg{
		From:  from,
		To:    &to,
		Data:  msg.Data,
		Value: value,
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "估算 gas 失败")
	}
	return gas, nil
}

// SendTransaction broadcasts the signed transaction via the primary endpoint.
func (r *Reader) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := r.primary().eth.SendTransaction(ctx, tx); err != nil {
		return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "广播交易失败")
	}
	return nil
}

// WaitReceipt polls every endpoint until a receipt for hash shows up on any
// of them. A receipt on one endpoint is enough to treat the transaction as
// locally observed; global code visibility is handled by WaitForCode.
func (r *Reader) WaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.receiptTimeout)
	defer cancel()

	var receipt *coretypes.Receipt
	policy := retry.Policy{
		MaxAttempts:     int(r.receiptTimeout/r.pollInterval) + 1,
		InitialInterval: r.pollInterval,
		MaxInterval:     r.pollInterval,
		Multiplier:      1,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		for _, ep := range r.endpoints {
			got, err := ep.eth.TransactionReceipt(ctx, hash)
			if err == nil && got != nil {
				receipt = got
				return nil
			}
		}
		return xerrors.New(xerrors.CodeTimeout, "交易回执尚未可见")
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("等待交易 %s 回执超时", hash.Hex()))
	}
	return receipt, nil
}

// WaitForCode blocks until every endpoint reports non-empty code at addr.
// After the first success the address is memoised so repeated calls cost a
// single cheap existence check against the primary endpoint.
func (r *Reader) WaitForCode(ctx context.Context, addr common.Address) error {
	r.mu.Lock()
	seen := r.visible[addr]
	r.mu.Unlock()
	if seen {
		code, err := r.GetCode(ctx, addr)
		if err == nil && len(code) > 0 {
			return nil
		}
		// 缓存失效（例如链重组），退回完整检查。
		r.mu.Lock()
		delete(r.visible, addr)
		r.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, r.visibilityTimeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:     int(r.visibilityTimeout/r.pollInterval) + 1,
		InitialInterval: r.pollInterval,
		MaxInterval:     8 * r.pollInterval,
		Multiplier:      1.5,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		for _, ep := range r.endpoints {
			code, err := ep.eth.CodeAt(ctx, addr, nil)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, fmt.Sprintf("端点 %s 查询代码失败", ep.url))
			}
			if len(code) == 0 {
				return xerrors.New(chain.CodeDeploymentNotVisible,
					fmt.Sprintf("端点 %s 尚未看到 %s 的合约代码", ep.url, addr.Hex()))
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(chain.CodeDeploymentNotVisible, err,
			fmt.Sprintf("合约 %s 在超时前未被所有端点看到", addr.Hex()))
	}

	r.mu.Lock()
	r.visible[addr] = true
	r.mu.Unlock()
	return nil
}

// Close releases all endpoint connections.
func (r *Reader) Close() {
	for _, ep := range r.endpoints {
		ep.rpc.Close()
	}
	r.endpoints = nil
}

func parseHexUint(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0x" {
		// 部分节点对从未使用过的账户返回空值。
		return 0, nil
	}
	value, ok := new(big.Int).SetString(strings.TrimPrefix(raw, "0x"), 16)
	if !ok {
		return 0, xerrors.New(xerrors.CodeRPCUnavailable, fmt.Sprintf("无法解析 nonce 返回值: %s", raw))
	}
	return value.Uint64(), nil
}
