package wallet

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
)

// SaltNonceForOwner 从所有者密钥 ID 派生确定性的 CREATE2 salt nonce，
// 取 keccak256(ownerKeyID) 的前 8 字节按大端解释。同一所有者在同一网络
// 上因此总会得到同一个钱包地址。
func SaltNonceForOwner(ownerKeyID string) (uint64, error) {
	if err := ValidateOwnerKeyID(ownerKeyID); err != nil {
		return 0, err
	}
	digest := crypto.Keccak256([]byte(ownerKeyID))
	return binary.BigEndian.Uint64(digest[:8]), nil
}

// ownerIDNamespaces 列出所有者密钥 ID 允许的命名空间前缀。
var ownerIDNamespaces = map[string]bool{
	"user": true,
	"key":  true,
}

// ValidateOwnerKeyID 校验所有者密钥 ID 的格式。ID 必须是
// user:<id> 或 key:<id> 的命名空间形式；空串、首尾空白或含控制字符的
// ID 同样被拒绝，避免两个"看起来一样"的 ID 派生出不同地址。
func ValidateOwnerKeyID(ownerKeyID string) error {
	if ownerKeyID == "" {
		return xerrors.New(CodeOwnerIDInvalid, "所有者密钥 ID 不能为空")
	}
	if strings.TrimSpace(ownerKeyID) != ownerKeyID {
		return xerrors.New(CodeOwnerIDInvalid, "所有者密钥 ID 含有首尾空白字符")
	}
	for _, r := range ownerKeyID {
		if unicode.IsControl(r) {
			return xerrors.New(CodeOwnerIDInvalid, "所有者密钥 ID 含有控制字符")
		}
	}
	ns, rest, ok := strings.Cut(ownerKeyID, ":")
	if !ok || rest == "" || !ownerIDNamespaces[ns] {
		return xerrors.New(CodeOwnerIDInvalid,
			fmt.Sprintf("所有者密钥 ID %q 必须是 user:<id> 或 key:<id> 格式", ownerKeyID))
	}
	return nil
}

// BuildInitializer 构造 Safe.setup() 的 initializer calldata。
// 它与 saltNonce 一起唯一决定钱包地址，因此这里的任何字段变化都会
// 产生不同的地址。展示性元数据绝不能进入该编码。
func BuildInitializer(net chain.Network, owners []common.Address, threshold int) ([]byte, error) {
	if len(owners) == 0 {
		return nil, xerrors.New(CodeOwnerIDInvalid, "至少需要一个所有者地址")
	}
	if threshold < 1 || threshold > len(owners) {
		return nil, xerrors.New(CodeOwnerIDInvalid,
			fmt.Sprintf("签名阈值必须在 1..%d 之间", len(owners)))
	}

	zero := common.Address{}
	calldata, err := safeABI.Pack("setup",
		owners,
		big.NewInt(int64(threshold)),
		zero,          // to
		[]byte{},      // data
		net.FallbackHandler,
		zero,          // paymentToken
		big.NewInt(0), // payment
		zero,          // paymentReceiver
	)
	if err != nil {
		return nil, fmt.Errorf("编码 setup calldata 失败: %w", err)
	}
	return calldata, nil
}

// PredictAddress 计算给定 initializer 与 saltNonce 对应的 CREATE2 地址。
//
// 工厂合约的推导方式:
//
//	salt     = keccak256(keccak256(initializer) ++ uint256(saltNonce))
//	initCode = proxyCreationCode ++ abi.encode(singleton)
//	address  = keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
//
// initializer 只进入 salt，不进入 initCode。把它混入 initCode 会对所有
// 输入算出同一个错误地址。
func PredictAddress(net chain.Network, initializer []byte, saltNonce uint64) common.Address {
	salt := create2Salt(initializer, saltNonce)

	initCode := make([]byte, 0, len(proxyCreationCode)+32)
	initCode = append(initCode, proxyCreationCode...)
	initCode = append(initCode, common.LeftPadBytes(net.SafeSingleton.Bytes(), 32)...)

	return crypto.CreateAddress2(net.ProxyFactory, salt, crypto.Keccak256(initCode))
}

func create2Salt(initializer []byte, saltNonce uint64) [32]byte {
	initializerHash := crypto.Keccak256(initializer)
	nonceWord := common.LeftPadBytes(new(big.Int).SetUint64(saltNonce).Bytes(), 32)

	var salt [32]byte
	copy(salt[:], crypto.Keccak256(initializerHash, nonceWord))
	return salt
}

// EncodeDeploy 构造 ProxyFactory.createProxyWithNonce() 的 calldata。
func EncodeDeploy(net chain.Network, initializer []byte, saltNonce uint64) ([]byte, error) {
	calldata, err := proxyFactoryABI.Pack("createProxyWithNonce",
		net.SafeSingleton,
		initializer,
		new(big.Int).SetUint64(saltNonce),
	)
	if err != nil {
		return nil, fmt.Errorf("编码 createProxyWithNonce 失败: %w", err)
	}
	return calldata, nil
}

// ProxyAddressFromReceipt 从部署回执中解析 ProxyCreation 事件得到实际
// 部署地址。事件缺失说明部署没有成功。
func ProxyAddressFromReceipt(receipt *coretypes.Receipt, factory common.Address) (common.Address, error) {
	if receipt == nil {
		return common.Address{}, xerrors.New(CodeDeployFailed, "部署回执为空")
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != factory {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != proxyCreationTopic {
			continue
		}
		if len(log.Data) < 32 {
			return common.Address{}, xerrors.New(CodeDeployFailed, "ProxyCreation 事件数据长度异常")
		}
		return common.BytesToAddress(log.Data[12:32]), nil
	}
	return common.Address{}, xerrors.New(CodeDeployFailed, "部署回执中没有 ProxyCreation 事件")
}

// VerifyDeployedAddress 校验事件地址与预测地址一致。不一致属于致命的
// 完整性错误，调用方必须将账户标记为 Failed 并停止使用该地址。
func VerifyDeployedAddress(predicted, actual common.Address) error {
	if predicted == actual {
		return nil
	}
	return xerrors.New(CodeAddressMismatch,
		fmt.Sprintf("预测地址 %s 与实际部署地址 %s 不一致", predicted.Hex(), actual.Hex()))
}
