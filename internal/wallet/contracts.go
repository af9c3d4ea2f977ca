package wallet

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Safe v1.3.0 合约 ABI。只声明引擎实际调用的方法与事件。
const (
	proxyFactoryABIJSON = `[
		{"type":"function","name":"createProxyWithNonce","inputs":[
			{"name":"_singleton","type":"address"},
			{"name":"initializer","type":"bytes"},
			{"name":"saltNonce","type":"uint256"}],
		 "outputs":[{"name":"proxy","type":"address"}]},
		{"type":"event","name":"ProxyCreation","inputs":[
			{"name":"proxy","type":"address","indexed":false},
			{"name":"singleton","type":"address","indexed":false}]}
	]`

	safeABIJSON = `[
		{"type":"function","name":"setup","inputs":[
			{"name":"_owners","type":"address[]"},
			{"name":"_threshold","type":"uint256"},
			{"name":"to","type":"address"},
			{"name":"data","type":"bytes"},
			{"name":"fallbackHandler","type":"address"},
			{"name":"paymentToken","type":"address"},
			{"name":"payment","type":"uint256"},
			{"name":"paymentReceiver","type":"address"}],
		 "outputs":[]},
		{"type":"function","name":"execTransaction","inputs":[
			{"name":"to","type":"address"},
			{"name":"value","type":"uint256"},
			{"name":"data","type":"bytes"},
			{"name":"operation","type":"uint8"},
			{"name":"safeTxGas","type":"uint256"},
			{"name":"baseGas","type":"uint256"},
			{"name":"gasPrice","type":"uint256"},
			{"name":"gasToken","type":"address"},
			{"name":"refundReceiver","type":"address"},
			{"name":"signatures","type":"bytes"}],
		 "outputs":[{"name":"success","type":"bool"}]},
		{"type":"function","name":"enableModule","inputs":[
			{"name":"module","type":"address"}],"outputs":[]},
		{"type":"function","name":"nonce","inputs":[],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"getOwners","inputs":[],
		 "outputs":[{"name":"","type":"address[]"}]},
		{"type":"function","name":"getThreshold","inputs":[],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"isModuleEnabled","inputs":[
			{"name":"module","type":"address"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"event","name":"ExecutionSuccess","inputs":[
			{"name":"txHash","type":"bytes32","indexed":false},
			{"name":"payment","type":"uint256","indexed":false}]},
		{"type":"event","name":"ExecutionFailure","inputs":[
			{"name":"txHash","type":"bytes32","indexed":false},
			{"name":"payment","type":"uint256","indexed":false}]}
	]`

	multiSendABIJSON = `[
		{"type":"function","name":"multiSend","inputs":[
			{"name":"transactions","type":"bytes"}],"outputs":[]}
	]`

	allowanceModuleABIJSON = `[
		{"type":"function","name":"addDelegate","inputs":[
			{"name":"delegate","type":"address"}],"outputs":[]},
		{"type":"function","name":"setAllowance","inputs":[
			{"name":"delegate","type":"address"},
			{"name":"token","type":"address"},
			{"name":"allowanceAmount","type":"uint96"},
			{"name":"resetTimeMin","type":"uint16"},
			{"name":"resetBaseMin","type":"uint32"}],
		 "outputs":[]},
		{"type":"function","name":"getTokenAllowance","inputs":[
			{"name":"safe","type":"address"},
			{"name":"delegate","type":"address"},
			{"name":"token","type":"address"}],
		 "outputs":[{"name":"","type":"uint256[5]"}]},
		{"type":"function","name":"generateTransferHash","inputs":[
			{"name":"safe","type":"address"},
			{"name":"token","type":"address"},
			{"name":"to","type":"address"},
			{"name":"amount","type":"uint96"},
			{"name":"paymentToken","type":"address"},
			{"name":"payment","type":"uint96"},
			{"name":"nonce","type":"uint16"}],
		 "outputs":[{"name":"","type":"bytes32"}]},
		{"type":"function","name":"executeAllowanceTransfer","inputs":[
			{"name":"safe","type":"address"},
			{"name":"token","type":"address"},
			{"name":"to","type":"address"},
			{"name":"amount","type":"uint96"},
			{"name":"paymentToken","type":"address"},
			{"name":"payment","type":"uint96"},
			{"name":"delegate","type":"address"},
			{"name":"signature","type":"bytes"}],
		 "outputs":[]}
	]`

	erc20ABIJSON = `[
		{"type":"function","name":"transfer","inputs":[
			{"name":"to","type":"address"},
			{"name":"amount","type":"uint256"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"balanceOf","inputs":[
			{"name":"account","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]}
	]`
)

var (
	proxyFactoryABI    = mustParseABI("proxy factory", proxyFactoryABIJSON)
	safeABI            = mustParseABI("safe", safeABIJSON)
	multiSendABI       = mustParseABI("multisend", multiSendABIJSON)
	allowanceModuleABI = mustParseABI("allowance module", allowanceModuleABIJSON)
	erc20ABI           = mustParseABI("erc20", erc20ABIJSON)

	// 收据日志里用来判定执行结果的事件主题。
	proxyCreationTopic    = crypto.Keccak256Hash([]byte("ProxyCreation(address,address)"))
	executionSuccessTopic = crypto.Keccak256Hash([]byte("ExecutionSuccess(bytes32,uint256)"))
	executionFailureTopic = crypto.Keccak256Hash([]byte("ExecutionFailure(bytes32,uint256)"))
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析 %s ABI 失败: %v", name, err))
	}
	return parsed
}

// proxyCreationCode 是 Safe v1.3.0 GnosisSafeProxyFactory 部署代理时使用的
// 创建字节码。CREATE2 的 initCode 由它加上 ABI 编码的 singleton 地址构成，
// initializer 不参与 initCode，只进入 salt。
var proxyCreationCode = common.FromHex(
	"0x608060405234801561001057600080fd5b506040516101e63803806101e68339818101604052602081101561003357600080fd5b8101908080519060200190929190505050600073ffffffffffffffffffffffffffffffffffffffff168173ffffffffffffffffffffffffffffffffffffffff1614156100ca576040517f08c379a00000000000000000000000000000000000000000000000000000000081526004018080602001828103825260228152602001806101c46022913960400191505060405180910390fd5b806000806101000a81548173ffffffffffffffffffffffffffffffffffffffff021916908373ffffffffffffffffffffffffffffffffffffffff1602179055505060ab806101196000396000f3fe608060405273ffffffffffffffffffffffffffffffffffffffff600054167fa619486e0000000000000000000000000000000000000000000000000000000060003514156050578060005260206000f35b3660008037600080366000845af43d6000803e60008114156070573d6000fd5b3d6000f3fea2646970667358221220d1429297349653a4918076d650332de1a1068c5f3e07c5c82360c277770b955264736f6c63430007060033496e76616c69642073696e676c65746f6e20616464726573732070726f7669646564",
)
