package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
)

// ProviderKind 标识钱包提供方的类型。
type ProviderKind string

const (
	ProviderSmartAccount ProviderKind = "smart_account"
	ProviderCustodial    ProviderKind = "custodial"
	ProviderReadonly     ProviderKind = "readonly"
)

// Provider 是钱包能力的封闭接口。三种实现按能力递减:
// SmartAccountProvider 具备完整能力，CustodialProvider 只能签名发送，
// ReadonlyProvider 仅可读。不支持的操作在类型边界返回
// WALLET_CAPABILITY_UNSUPPORTED，调用方无需区分具体实现。
type Provider interface {
	Kind() ProviderKind
	Network() string
	// Address 返回钱包地址。智能账户返回预测地址，部署前后一致。
	Address() common.Address
	// Balance 查询钱包的原生代币余额。
	Balance(ctx context.Context) (*big.Int, error)
	// Execute 通过钱包执行一组调用。
	Execute(ctx context.Context, calls []Call) (common.Hash, error)
	// ConfigureModules 配置钱包模块（当前仅 Allowance Module）。
	ConfigureModules(ctx context.Context, cfg AllowanceConfig) error

	sealed()
}

func unsupported(kind ProviderKind, op string) error {
	return xerrors.New(CodeCapabilityUnsupported,
		fmt.Sprintf("%s 钱包不支持 %s", kind, op))
}

// SmartAccountProvider 把单个智能钱包账户包装为 Provider，
// 具备完整能力集，全部操作委托给编排器。
type SmartAccountProvider struct {
	orch    *Orchestrator
	account *Account
}

// NewSmartAccountProvider 绑定编排器与已创建的账户。
func NewSmartAccountProvider(orch *Orchestrator, account *Account) *SmartAccountProvider {
	return &SmartAccountProvider{orch: orch, account: account}
}

func (p *SmartAccountProvider) Kind() ProviderKind { return ProviderSmartAccount }

func (p *SmartAccountProvider) Network() string { return p.orch.network.ID }

func (p *SmartAccountProvider) Address() common.Address { return p.account.PredictedAddress }

func (p *SmartAccountProvider) Balance(ctx context.Context) (*big.Int, error) {
	return p.orch.reader.GetBalance(ctx, p.account.PredictedAddress)
}

func (p *SmartAccountProvider) Execute(ctx context.Context, calls []Call) (common.Hash, error) {
	record, err := p.orch.Execute(ctx, p.account.ID, calls)
	if err != nil {
		return common.Hash{}, err
	}
	return record.TxHash, nil
}

func (p *SmartAccountProvider) ConfigureModules(ctx context.Context, cfg AllowanceConfig) error {
	return p.orch.ConfigureAllowance(ctx, p.account.ID, cfg)
}

func (p *SmartAccountProvider) sealed() {}

// CustodialProvider 是平台托管私钥的普通外部账户。能签名发送交易，
// 但没有模块体系，也不支持批量调用。
type CustodialProvider struct {
	network chain.Network
	reader  chain.Reader
	relayer *Relayer
}

// NewCustodialProvider 用托管私钥创建外部账户钱包。
func NewCustodialProvider(net chain.Network, reader chain.Reader, privateKeyHex string) (*CustodialProvider, error) {
	relayer, err := NewRelayer(reader, privateKeyHex, NewMemoryNonceCoordinator(), nil)
	if err != nil {
		return nil, err
	}
	return &CustodialProvider{network: net, reader: reader, relayer: relayer}, nil
}

func (p *CustodialProvider) Kind() ProviderKind { return ProviderCustodial }

func (p *CustodialProvider) Network() string { return p.network.ID }

func (p *CustodialProvider) Address() common.Address { return p.relayer.Address() }

func (p *CustodialProvider) Balance(ctx context.Context) (*big.Int, error) {
	return p.reader.GetBalance(ctx, p.relayer.Address())
}

// Execute 直接从托管账户发出交易。外部账户没有批量原语，
// 多个调用必须逐笔发送，这里保持原子语义直接拒绝。
func (p *CustodialProvider) Execute(ctx context.Context, calls []Call) (common.Hash, error) {
	if len(calls) != 1 {
		return common.Hash{}, unsupported(ProviderCustodial, "批量调用")
	}
	call := calls[0]
	if call.Operation != OperationCall {
		return common.Hash{}, unsupported(ProviderCustodial, "委托调用")
	}
	receipt, err := p.relayer.Submit(ctx, call.To, call.Data, call.Value)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

func (p *CustodialProvider) ConfigureModules(ctx context.Context, cfg AllowanceConfig) error {
	return unsupported(ProviderCustodial, "模块配置")
}

func (p *CustodialProvider) sealed() {}

// ReadonlyProvider 只能查看地址与余额，任何需要签名的操作都被拒绝。
// 用于观察外部地址或在密钥不在本进程时提供降级视图。
type ReadonlyProvider struct {
	network chain.Network
	reader  chain.Reader
	address common.Address
}

// NewReadonlyProvider 创建只读钱包视图。
func NewReadonlyProvider(net chain.Network, reader chain.Reader, address common.Address) *ReadonlyProvider {
	return &ReadonlyProvider{network: net, reader: reader, address: address}
}

func (p *ReadonlyProvider) Kind() ProviderKind { return ProviderReadonly }

func (p *ReadonlyProvider) Network() string { return p.network.ID }

func (p *ReadonlyProvider) Address() common.Address { return p.address }

func (p *ReadonlyProvider) Balance(ctx context.Context) (*big.Int, error) {
	return p.reader.GetBalance(ctx, p.address)
}

func (p *ReadonlyProvider) Execute(ctx context.Context, calls []Call) (common.Hash, error) {
	return common.Hash{}, unsupported(ProviderReadonly, "交易执行")
}

func (p *ReadonlyProvider) ConfigureModules(ctx context.Context, cfg AllowanceConfig) error {
	return unsupported(ProviderReadonly, "模块配置")
}

func (p *ReadonlyProvider) sealed() {}

var (
	_ Provider = (*SmartAccountProvider)(nil)
	_ Provider = (*CustodialProvider)(nil)
	_ Provider = (*ReadonlyProvider)(nil)
)
