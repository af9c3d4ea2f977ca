package wallet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenWallet-Chain/internal/errors"
)

// DeploymentState 表示智能钱包在部署生命周期中的状态。
// 除 Failed 外状态只能单调前进。
type DeploymentState string

const (
	StateUndeployed        DeploymentState = "undeployed"
	StateDeployTxSubmitted DeploymentState = "deploy_tx_submitted"
	StateDeployedLocalView DeploymentState = "deployed_local_view"
	StateVisibleAcrossRPC  DeploymentState = "visible_across_rpc"
	StateModulesConfigured DeploymentState = "modules_configured"
	StateFailed            DeploymentState = "failed"
)

// rank 返回状态在生命周期中的序号，用于校验单调推进。
func (s DeploymentState) rank() int {
	switch s {
	case StateUndeployed:
		return 0
	case StateDeployTxSubmitted:
		return 1
	case StateDeployedLocalView:
		return 2
	case StateVisibleAcrossRPC:
		return 3
	case StateModulesConfigured:
		return 4
	default:
		return -1
	}
}

// AtLeast 判断状态是否已经达到 target。
func (s DeploymentState) AtLeast(target DeploymentState) bool {
	r, t := s.rank(), target.rank()
	return r >= 0 && t >= 0 && r >= t
}

// IsValidDeploymentState 检查给定状态是否为支持的枚举值。
func IsValidDeploymentState(s DeploymentState) bool {
	switch s {
	case StateUndeployed, StateDeployTxSubmitted, StateDeployedLocalView,
		StateVisibleAcrossRPC, StateModulesConfigured, StateFailed:
		return true
	default:
		return false
	}
}

// TxStatus 表示一笔待处理交易的状态。
type TxStatus string

const (
	TxBuilt     TxStatus = "built"
	TxSigned    TxStatus = "signed"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxAbandoned TxStatus = "abandoned"
)

// Operation 区分普通调用与委托调用（multisend 批量时使用）。
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

// Call 描述钱包将要执行的一个子调用。
type Call struct {
	To        common.Address `json:"to"`
	Value     *big.Int       `json:"value"`
	Data      []byte         `json:"data"`
	Operation Operation      `json:"operation"`
}

// KeyKind 区分服务端授权密钥与用户密钥。
type KeyKind string

const (
	KeyKindServer KeyKind = "server"
	KeyKindUser   KeyKind = "user"
)

// AuthorizationKey 描述一个有权控制钱包的公钥。密钥材料本身从不落库，
// 服务端密钥仅记录指纹。
type AuthorizationKey struct {
	ID          string  `json:"id"`
	Kind        KeyKind `json:"kind"`
	PublicKey   string  `json:"public_key,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
}

// AllowanceConfig 是 Allowance Module 的类型化配置，取代原先的松散 JSON。
type AllowanceConfig struct {
	Token            common.Address `json:"token"`
	Delegate         common.Address `json:"delegate"`
	Amount           *big.Int       `json:"amount"`
	ResetTimeMinutes uint16         `json:"reset_time_minutes"`
}

// ModuleState 记录钱包上已启用模块及其配置快照。
type ModuleState struct {
	AllowanceEnabled bool             `json:"allowance_enabled"`
	Allowance        *AllowanceConfig `json:"allowance,omitempty"`
}

// Account 描述一个归属某个 agent/用户的智能钱包账户。
// PredictedAddress 在创建时即确定，整个生命周期不可变。
type Account struct {
	ID               string             `json:"id"`
	OwnerID          string             `json:"owner_id"`
	Network          string             `json:"network"`
	OwnerAddress     common.Address     `json:"owner_address"`
	OwnerKeys        []AuthorizationKey `json:"owner_keys,omitempty"`
	Threshold        int                `json:"threshold"`
	SaltNonce        uint64             `json:"salt_nonce"`
	PredictedAddress common.Address     `json:"predicted_address"`
	State            DeploymentState    `json:"state"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	LocalNonce       uint64             `json:"local_nonce"`
	Modules          ModuleState        `json:"modules"`
	DisplayName      string             `json:"display_name,omitempty"`
	CreatedAt        int64              `json:"created_at"`
	UpdatedAt        int64              `json:"updated_at"`
}

// PendingTransaction 描述一笔通过钱包执行的交易。
// Nonce 是钱包维度的，同一账户内不可重复。
type PendingTransaction struct {
	ID         string         `json:"id"`
	AccountID  string         `json:"account_id"`
	Calls      []Call         `json:"calls"`
	Nonce      uint64         `json:"nonce"`
	SafeTxHash common.Hash    `json:"safe_tx_hash"`
	Signatures []byte         `json:"signatures,omitempty"`
	Status     TxStatus       `json:"status"`
	Relayer    common.Address `json:"relayer,omitempty"`
	TxHash     common.Hash    `json:"tx_hash,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Snapshot 是暴露给外部协作方的只读视图，不包含签名或密钥材料。
type Snapshot struct {
	AccountID string          `json:"account_id"`
	Address   common.Address  `json:"address"`
	Network   string          `json:"network"`
	State     DeploymentState `json:"state"`
	Modules   ModuleState     `json:"modules"`
}

var (
	// ErrAccountNotFound 表示指定的钱包账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "wallet account not found")
	// ErrAccountConflict 表示账户已存在或状态冲突。
	ErrAccountConflict = xerrors.New(CodeAccountConflict, "wallet account conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAddressMismatch 表示预测地址与链上实际部署地址不一致，属于致命完整性错误。
	ErrAddressMismatch = xerrors.New(CodeAddressMismatch, "predicted address does not match deployed address")
)

const (
	CodeAccountNotFound       xerrors.Code = "WALLET_ACCOUNT_NOT_FOUND"
	CodeAccountConflict       xerrors.Code = "WALLET_ACCOUNT_CONFLICT"
	CodeAddressMismatch       xerrors.Code = "WALLET_ADDRESS_MISMATCH"
	CodeOwnerIDInvalid        xerrors.Code = "WALLET_OWNER_ID_INVALID"
	CodeNonceCollision        xerrors.Code = "WALLET_NONCE_COLLISION"
	CodeLockTimeout           xerrors.Code = "WALLET_LOCK_TIMEOUT"
	CodeSponsorBalanceLow     xerrors.Code = "WALLET_SPONSOR_BALANCE_LOW"
	CodeSignatureRejected     xerrors.Code = "WALLET_SIGNATURE_REJECTED"
	CodeExecutionReverted     xerrors.Code = "WALLET_EXECUTION_REVERTED"
	CodeNotVisible            xerrors.Code = "WALLET_NOT_VISIBLE"
	CodeCapabilityUnsupported xerrors.Code = "WALLET_CAPABILITY_UNSUPPORTED"
	CodeDeployFailed          xerrors.Code = "WALLET_DEPLOY_FAILED"
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "wallet account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountConflict, xerrors.Attributes{
		Message:   "wallet account conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAddressMismatch, xerrors.Attributes{
		Message:   "predicted address mismatch",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOwnerIDInvalid, xerrors.Attributes{
		Message:   "owner identifier malformed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNonceCollision, xerrors.Attributes{
		Message:   "nonce collision detected",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeLockTimeout, xerrors.Attributes{
		Message:   "account lock acquisition timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSponsorBalanceLow, xerrors.Attributes{
		Message:   "sponsor balance insufficient for gasless execution",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSignatureRejected, xerrors.Attributes{
		Message:   "wallet rejected the supplied signatures",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeExecutionReverted, xerrors.Attributes{
		Message:   "wallet execution reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotVisible, xerrors.Attributes{
		Message:   "wallet not yet visible across rpc endpoints",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeCapabilityUnsupported, xerrors.Attributes{
		Message:   "operation unsupported by wallet provider",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDeployFailed, xerrors.Attributes{
		Message:   "wallet deployment failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// SnapshotOf 构造账户的对外只读视图。
func SnapshotOf(account *Account) Snapshot {
	if account == nil {
		return Snapshot{}
	}
	return Snapshot{
		AccountID: account.ID,
		Address:   account.PredictedAddress,
		Network:   account.Network,
		State:     account.State,
		Modules:   account.Modules,
	}
}

func cloneCalls(calls []Call) []Call {
	if calls == nil {
		return nil
	}
	cloned := make([]Call, len(calls))
	for i, call := range calls {
		cloned[i] = call
		if call.Value != nil {
			cloned[i].Value = new(big.Int).Set(call.Value)
		}
		if call.Data != nil {
			cloned[i].Data = append([]byte(nil), call.Data...)
		}
	}
	return cloned
}
