package wallet

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenWallet-Chain/internal/errors"
)

// EIP-712 类型哈希，与 Safe v1.3.0 合约中的常量一致。
var (
	safeDomainTypehash = crypto.Keccak256(
		[]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypehash = crypto.Keccak256([]byte(
		"SafeTx(address to,uint256 value,bytes data,uint8 operation," +
			"uint256 safeTxGas,uint256 baseGas,uint256 gasPrice," +
			"address gasToken,address refundReceiver,uint256 nonce)"))
)

// SafeTx 是一笔待签名的钱包交易。gas 相关字段在赞助执行模式下保持零值，
// 由中继钱包在外层交易中承担。
type SafeTx struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      Operation
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func uint256Word(v *big.Int) []byte {
	return common.LeftPadBytes(orZero(v).Bytes(), 32)
}

func addressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// Hash 计算所有者需要签名的 EIP-712 摘要。
// 域分隔符绑定 chainID 与钱包地址，同一笔交易在不同链或不同钱包上的
// 摘要必然不同。
func (tx *SafeTx) Hash(chainID *big.Int, safe common.Address) common.Hash {
	domainSeparator := crypto.Keccak256(
		safeDomainTypehash,
		uint256Word(chainID),
		addressWord(safe),
	)

	structHash := crypto.Keccak256(
		safeTxTypehash,
		addressWord(tx.To),
		uint256Word(tx.Value),
		crypto.Keccak256(tx.Data),
		uint256Word(new(big.Int).SetUint64(uint64(tx.Operation))),
		uint256Word(tx.SafeTxGas),
		uint256Word(tx.BaseGas),
		uint256Word(tx.GasPrice),
		addressWord(tx.GasToken),
		addressWord(tx.RefundReceiver),
		uint256Word(new(big.Int).SetUint64(tx.Nonce)),
	)

	return common.BytesToHash(crypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator,
		structHash,
	))
}

// EncodeExecTransaction 构造 Safe.execTransaction() 的 calldata。
// signatures 必须已经按签名者地址升序拼接。
func (tx *SafeTx) EncodeExecTransaction(signatures []byte) ([]byte, error) {
	calldata, err := safeABI.Pack("execTransaction",
		tx.To,
		orZero(tx.Value),
		tx.Data,
		uint8(tx.Operation),
		orZero(tx.SafeTxGas),
		orZero(tx.BaseGas),
		orZero(tx.GasPrice),
		tx.GasToken,
		tx.RefundReceiver,
		signatures,
	)
	if err != nil {
		return nil, fmt.Errorf("编码 execTransaction 失败: %w", err)
	}
	return calldata, nil
}

// OwnerSignature 是单个所有者对 SafeTx 摘要的 65 字节签名。
type OwnerSignature struct {
	Signer    common.Address
	Signature [65]byte
}

// NormalizeSignature 把 r‖s‖v 形式的原始签名规整为 Safe 期望的格式。
// 部分签名方返回 v 为 0/1，合约只接受 27/28。
func NormalizeSignature(raw []byte) ([65]byte, error) {
	var sig [65]byte
	if len(raw) != 65 {
		return sig, xerrors.New(CodeSignatureRejected,
			fmt.Sprintf("签名长度必须为 65 字节，实际 %d", len(raw)))
	}
	copy(sig[:], raw)
	if sig[64] < 27 {
		sig[64] += 27
	}
	if sig[64] != 27 && sig[64] != 28 {
		return sig, xerrors.New(CodeSignatureRejected,
			fmt.Sprintf("无法识别的恢复字节 v=%d", sig[64]))
	}
	return sig, nil
}

// RecoverSigner 从签名恢复出签名者地址，用于排序与校验。
func RecoverSigner(digest common.Hash, sig [65]byte) (common.Address, error) {
	recovery := sig
	// go-ethereum 的恢复函数要求 v 为 0/1。
	recovery[64] -= 27
	pubkey, err := crypto.SigToPub(digest.Bytes(), recovery[:])
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeSignatureRejected, err, "恢复签名者失败")
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

// CombineSignatures 按签名者地址升序拼接多签。顺序错误会被合约以
// GS026 拒绝，因此排序在这里强制执行而不是交给调用方。
func CombineSignatures(sigs []OwnerSignature) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, xerrors.New(CodeSignatureRejected, "至少需要一个签名")
	}
	ordered := make([]OwnerSignature, len(sigs))
	copy(ordered, sigs)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].Signer.Bytes(), ordered[j].Signer.Bytes()) < 0
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Signer == ordered[i-1].Signer {
			return nil, xerrors.New(CodeSignatureRejected,
				fmt.Sprintf("签名者 %s 重复", ordered[i].Signer.Hex()))
		}
	}

	combined := make([]byte, 0, len(ordered)*65)
	for _, sig := range ordered {
		combined = append(combined, sig.Signature[:]...)
	}
	return combined, nil
}

// EncodeMultiSend 把多个子调用打包为 MultiSendCallOnly.multiSend() 的
// calldata。每个子调用按 operation‖to‖value‖len(data)‖data 紧凑编码。
// 外层 SafeTx 必须以 DelegateCall 调用 MultiSend 合约。
func EncodeMultiSend(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, xerrors.New(CodeCapabilityUnsupported, "multisend 批量不能为空")
	}

	var packed bytes.Buffer
	for _, call := range calls {
		if call.Operation != OperationCall {
			// CallOnly 变体在合约层拒绝 delegatecall 子调用。
			return nil, xerrors.New(CodeCapabilityUnsupported,
				"MultiSendCallOnly 不允许 delegatecall 子调用")
		}
		packed.WriteByte(byte(call.Operation))
		packed.Write(call.To.Bytes())
		packed.Write(uint256Word(call.Value))
		packed.Write(uint256Word(big.NewInt(int64(len(call.Data)))))
		packed.Write(call.Data)
	}

	calldata, err := multiSendABI.Pack("multiSend", packed.Bytes())
	if err != nil {
		return nil, fmt.Errorf("编码 multiSend 失败: %w", err)
	}
	return calldata, nil
}

// BuildSafeTx 把一组子调用折叠为一笔 SafeTx。单个调用直接执行；
// 多个调用通过 MultiSendCallOnly 以 delegatecall 批量执行。
func BuildSafeTx(multiSend common.Address, calls []Call, nonce uint64) (*SafeTx, error) {
	switch len(calls) {
	case 0:
		return nil, xerrors.New(CodeCapabilityUnsupported, "交易必须包含至少一个调用")
	case 1:
		call := calls[0]
		return &SafeTx{
			To:        call.To,
			Value:     orZero(call.Value),
			Data:      call.Data,
			Operation: call.Operation,
			Nonce:     nonce,
		}, nil
	default:
		data, err := EncodeMultiSend(calls)
		if err != nil {
			return nil, err
		}
		return &SafeTx{
			To:        multiSend,
			Value:     new(big.Int),
			Data:      data,
			Operation: OperationDelegateCall,
			Nonce:     nonce,
		}, nil
	}
}

// ExecutionOutcomeFromLogs 在回执日志中查找 ExecutionSuccess /
// ExecutionFailure 事件来判定内层执行结果。外层交易成功而内层失败时，
// 回执状态仍是 1，只有事件能暴露真实结果。
func ExecutionOutcomeFromLogs(safe common.Address, logs []*coretypes.Log) (bool, error) {
	for _, log := range logs {
		if log == nil || log.Address != safe || len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case executionSuccessTopic:
			return true, nil
		case executionFailureTopic:
			return false, xerrors.New(CodeExecutionReverted, "钱包内层执行失败")
		}
	}
	return false, xerrors.New(CodeExecutionReverted, "回执中没有执行结果事件")
}
