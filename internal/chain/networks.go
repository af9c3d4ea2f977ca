package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenWallet-Chain/internal/errors"
)

// Safe v1.3.0 合约地址。工厂与回退处理器在所有 EVM 链上一致；
// singleton 分 L2 两种部署方式（canonical 与 EIP-155），功能等价。
var (
	SafeProxyFactory    = common.HexToAddress("0xa6B71E26C5e0845f74c812102Ca7114b6a896AB2")
	SafeFallbackHandler = common.HexToAddress("0xf48f2B2d2a534e402487b3ee7C18c33Aec0Fe5e4")
	MultiSendCallOnly   = common.HexToAddress("0x40A2aCCbd92BCA938b02010E17A5b8929b49130D")

	safeSingletonL2Canonical = common.HexToAddress("0x3E5c63644E683549055b9Be8653de26E0B4CD36E")
	safeSingletonL2EIP155    = common.HexToAddress("0xfb1bffC9d739B8D520DaF37dF666da4C687191EA")

	defaultAllowanceModule = common.HexToAddress("0xCFbFaC74C26F8647cBDb8c5caf80BB5b32E43134")
)

const (
	// CodeUnsupportedNetwork 表示请求的网络没有注册 Safe 合约地址。
	CodeUnsupportedNetwork xerrors.Code = "UNSUPPORTED_NETWORK"
	// CodeDeploymentNotVisible 表示部署后的合约代码尚未被所有 RPC 端点看到。
	CodeDeploymentNotVisible xerrors.Code = "DEPLOYMENT_NOT_VISIBLE"
)

func init() {
	xerrors.Register(CodeUnsupportedNetwork, xerrors.Attributes{
		Message:   "unsupported network",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDeploymentNotVisible, xerrors.Attributes{
		Message:   "deployment not visible across rpc endpoints",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Network 描述一个受支持网络的全部元数据。
type Network struct {
	ID              string
	Name            string
	ChainID         int64
	RPCURLs         []string
	SafeSingleton   common.Address
	ProxyFactory    common.Address
	FallbackHandler common.Address
	MultiSend       common.Address
	AllowanceModule common.Address
	USDC            common.Address
}

// builtinNetworks 是内置网络表；RPC 端点由配置文件补充。
// L2 网络必须使用 L2 版本的 singleton，选错会算出一个看似合法但
// 实际不可达的地址。
var builtinNetworks = map[string]Network{
	"ethereum-mainnet": {
		ID:      "ethereum-mainnet",
		Name:    "Ethereum",
		ChainID: 1,
		// L1 同样部署了 EIP-155 版本的 singleton，沿用与原系统一致的默认。
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	},
	"base-mainnet": {
		ID:            "base-mainnet",
		Name:          "Base",
		ChainID:       8453,
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	},
	"bnb-mainnet": {
		ID:            "bnb-mainnet",
		Name:          "BNB Smart Chain",
		ChainID:       56,
		SafeSingleton: safeSingletonL2Canonical,
		USDC:          common.HexToAddress("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"),
	},
	"polygon-mainnet": {
		ID:            "polygon-mainnet",
		Name:          "Polygon",
		ChainID:       137,
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
		// Polygon 上的 Allowance Module 是独立部署的地址。
		AllowanceModule: common.HexToAddress("0x1Fb403834C911eB98d56E74F5182b0d64C3b3b4D"),
	},
	"arbitrum-mainnet": {
		ID:            "arbitrum-mainnet",
		Name:          "Arbitrum One",
		ChainID:       42161,
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
	},
	"optimism-mainnet": {
		ID:            "optimism-mainnet",
		Name:          "Optimism",
		ChainID:       10,
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"),
	},
	"base-sepolia": {
		ID:            "base-sepolia",
		Name:          "Base Sepolia",
		ChainID:       84532,
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		// 官方 Allowance Module 未部署到该测试网，使用自部署的 v1.3.0。
		AllowanceModule: common.HexToAddress("0x3cfE2CEb10FC1654B5F4422704288D08BDF7d27F"),
	},
	"sepolia": {
		ID:            "sepolia",
		Name:          "Sepolia",
		ChainID:       11155111,
		SafeSingleton: safeSingletonL2EIP155,
		USDC:          common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
	},
}

// Lookup 返回网络元数据；未注册的网络返回 UNSUPPORTED_NETWORK。
func Lookup(networkID string) (Network, error) {
	net, ok := builtinNetworks[networkID]
	if !ok {
		return Network{}, xerrors.New(CodeUnsupportedNetwork, fmt.Sprintf("未注册的网络: %s", networkID))
	}
	return withDefaults(net), nil
}

// Networks 返回所有内置网络 ID。
func Networks() []string {
	ids := make([]string, 0, len(builtinNetworks))
	for id := range builtinNetworks {
		ids = append(ids, id)
	}
	return ids
}

func withDefaults(net Network) Network {
	zero := common.Address{}
	if net.ProxyFactory == zero {
		net.ProxyFactory = SafeProxyFactory
	}
	if net.FallbackHandler == zero {
		net.FallbackHandler = SafeFallbackHandler
	}
	if net.MultiSend == zero {
		net.MultiSend = MultiSendCallOnly
	}
	if net.AllowanceModule == zero {
		net.AllowanceModule = defaultAllowanceModule
	}
	return net
}
