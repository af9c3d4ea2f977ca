package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
	"OpenWallet-Chain/pkg/logger"
)

// gasMargin 在估算值上追加 20% 余量，部署等调用的实际消耗经常高于估算。
const gasMargin = 120

// Relayer 用中继钱包代付 gas 提交外层交易。所有者只签名 Safe 摘要，
// 链上交易由中继钱包签名并广播，钱包本身不需要持有原生代币。
type Relayer struct {
	reader     chain.Reader
	key        *ecdsa.PrivateKey
	address    common.Address
	nonces     NonceCoordinator
	minBalance *big.Int
}

// NewRelayer 从十六进制私钥构造中继器。minBalance 低于该值时拒绝提交，
// 避免交易因余额不足卡在池里。
func NewRelayer(reader chain.Reader, hexKey string, nonces NonceCoordinator, minBalance *big.Int) (*Relayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析中继私钥失败: %w", err)
	}
	if nonces == nil {
		nonces = NewMemoryNonceCoordinator()
	}
	return &Relayer{
		reader:     reader,
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		nonces:     nonces,
		minBalance: orZero(minBalance),
	}, nil
}

// Address 返回中继钱包地址。
func (r *Relayer) Address() common.Address {
	return r.address
}

// checkBalance 校验中继钱包余额足以覆盖本次调用与最低水位。
func (r *Relayer) checkBalance(ctx context.Context, gasLimit uint64, gasPrice, value *big.Int) error {
	balance, err := r.reader.GetBalance(ctx, r.address)
	if err != nil {
		return err
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	cost.Add(cost, orZero(value))
	required := new(big.Int).Add(cost, r.minBalance)
	if balance.Cmp(required) < 0 {
		return xerrors.New(CodeSponsorBalanceLow,
			fmt.Sprintf("中继钱包余额 %s 不足以覆盖 %s", balance, required))
	}
	return nil
}

// Submit 构造、签名并广播一笔由中继钱包付费的交易，等待回执返回。
// nonce 通过协调器分配，广播后立即释放锁，等待回执不占锁。
func (r *Relayer) Submit(ctx context.Context, to common.Address, data []byte, value *big.Int) (*coretypes.Receipt, error) {
	gasPrice, err := r.reader.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasLimit, err := r.reader.EstimateGas(ctx, r.address, chain.CallMsg{To: to, Data: data}, value)
	if err != nil {
		return nil, xerrors.Wrap(CodeExecutionReverted, err, "交易估算失败，链上执行会回滚")
	}
	gasLimit = gasLimit * gasMargin / 100

	if err := r.checkBalance(ctx, gasLimit, gasPrice, value); err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context) (uint64, error) {
		return r.reader.GetNonce(ctx, r.address)
	}
	nonce, release, err := r.nonces.Acquire(ctx, fetch)
	if err != nil {
		return nil, err
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    orZero(value),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(r.reader.ChainID()), r.key)
	if err != nil {
		release()
		return nil, xerrors.Wrap(CodeSignatureRejected, err, "签名外层交易失败")
	}

	err = r.reader.SendTransaction(ctx, signed)
	release()
	if err != nil {
		if isNonceError(err) {
			// 缓存与链上脱节，重置后由上层重试。
			if resetErr := r.nonces.Reset(ctx, fetch); resetErr != nil {
				logger.L().Warn("重置中继 nonce 失败", "error", resetErr)
			}
			return nil, xerrors.Wrap(CodeNonceCollision, err, "中继 nonce 与链上不一致")
		}
		return nil, err
	}

	logger.L().Info("中继交易已广播",
		"tx_hash", signed.Hash().Hex(),
		"relayer", r.address.Hex(),
		"nonce", nonce,
		"gas_limit", gasLimit,
	)

	receipt, err := r.reader.WaitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return receipt, xerrors.New(CodeExecutionReverted,
			fmt.Sprintf("外层交易 %s 回滚", signed.Hash().Hex()))
	}
	return receipt, nil
}

// isNonceError 识别节点返回的 nonce 类错误。
func isNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction") ||
		strings.Contains(msg, "already known")
}
