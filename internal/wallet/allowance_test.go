package wallet

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
)

// allowanceWords 构造 getTokenAllowance 的 uint256[5] 返回值。
func allowanceWords(amount, spent int64, nonce uint16) []byte {
	out := make([]byte, 160)
	big.NewInt(amount).FillBytes(out[0:32])
	big.NewInt(spent).FillBytes(out[32:64])
	big.NewInt(10080).FillBytes(out[64:96])
	big.NewInt(0).FillBytes(out[96:128])
	new(big.Int).SetUint64(uint64(nonce)).FillBytes(out[128:160])
	return out
}

// moduleCallDispatcher 按选择器分发 eth_call，未覆盖的调用返回一个零字。
func moduleCallDispatcher(enabled bool, allowance []byte, transferHash common.Hash) func(chain.CallMsg) ([]byte, error) {
	isEnabledSel := safeABI.Methods["isModuleEnabled"].ID
	nonceSel := safeABI.Methods["nonce"].ID
	allowanceSel := allowanceModuleABI.Methods["getTokenAllowance"].ID
	hashSel := allowanceModuleABI.Methods["generateTransferHash"].ID

	return func(msg chain.CallMsg) ([]byte, error) {
		switch {
		case bytes.HasPrefix(msg.Data, isEnabledSel):
			out := make([]byte, 32)
			if enabled {
				out[31] = 1
			}
			return out, nil
		case bytes.HasPrefix(msg.Data, nonceSel):
			return make([]byte, 32), nil
		case bytes.HasPrefix(msg.Data, allowanceSel):
			return allowance, nil
		case bytes.HasPrefix(msg.Data, hashSel):
			return transferHash.Bytes(), nil
		default:
			return make([]byte, 32), nil
		}
	}
}

func testAllowanceConfig() AllowanceConfig {
	return AllowanceConfig{
		Token:            common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		Amount:           big.NewInt(25_000_000), // 25 USDC
		ResetTimeMinutes: 10080,
	}
}

func TestConfigureAllowanceEnablesModuleAndSetsLimit(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-1")

	deployTxs := h.reader.sentCount()
	h.reader.callFn = moduleCallDispatcher(false, allowanceWords(0, 0, 0), common.Hash{})
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return executionSuccessReceipt(account.PredictedAddress)
	}

	if err := h.orch.ConfigureAllowance(ctx, account.ID, testAllowanceConfig()); err != nil {
		t.Fatalf("configure allowance: %v", err)
	}

	// enableModule 一笔，addDelegate+setAllowance 批量一笔。
	if got := h.reader.sentCount() - deployTxs; got != 2 {
		t.Fatalf("expected 2 module transactions, got %d", got)
	}

	got, err := h.store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.State != StateModulesConfigured {
		t.Fatalf("expected modules_configured, got %s", got.State)
	}
	if !got.Modules.AllowanceEnabled || got.Modules.Allowance == nil {
		t.Fatalf("modules not recorded: %+v", got.Modules)
	}
	if got.Modules.Allowance.Delegate != account.OwnerAddress {
		t.Fatalf("delegate must default to the owner, got %s", got.Modules.Allowance.Delegate.Hex())
	}
	// 两笔交易消耗 nonce 0 与 1，本地记录推进到 2。
	if got.LocalNonce != 2 {
		t.Fatalf("expected local nonce 2, got %d", got.LocalNonce)
	}
}

func TestConfigureAllowanceSkipsEnableWhenAlreadyEnabled(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-2")

	deployTxs := h.reader.sentCount()
	h.reader.callFn = moduleCallDispatcher(true, allowanceWords(0, 0, 0), common.Hash{})
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return executionSuccessReceipt(account.PredictedAddress)
	}

	if err := h.orch.ConfigureAllowance(ctx, account.ID, testAllowanceConfig()); err != nil {
		t.Fatalf("configure allowance: %v", err)
	}
	if got := h.reader.sentCount() - deployTxs; got != 1 {
		t.Fatalf("expected a single batch transaction, got %d", got)
	}
}

func TestConfigureAllowanceGatedBeforeVisibility(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account, err := h.orch.Provision(ctx, "user:owner-allow-3")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	err = h.orch.ConfigureAllowance(ctx, account.ID, testAllowanceConfig())
	if err == nil {
		t.Fatal("expected visibility gate rejection")
	}
	if xerrors.CodeOf(err) != CodeNotVisible {
		t.Fatalf("expected WALLET_NOT_VISIBLE, got %v", err)
	}
}

func TestGetTokenAllowanceParsesFiveWords(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	h.reader.callFn = moduleCallDispatcher(true, allowanceWords(100, 40, 7), common.Hash{})

	allowance, err := h.orch.GetTokenAllowance(context.Background(),
		common.HexToAddress("0x1"), common.HexToAddress("0x2"), common.HexToAddress("0x3"))
	if err != nil {
		t.Fatalf("get token allowance: %v", err)
	}
	if allowance.Amount.Int64() != 100 || allowance.Spent.Int64() != 40 {
		t.Fatalf("unexpected allowance: %+v", allowance)
	}
	if allowance.Nonce != 7 {
		t.Fatalf("nonce must come from the fifth word, got %d", allowance.Nonce)
	}
	if allowance.Remaining().Int64() != 60 {
		t.Fatalf("expected remaining 60, got %s", allowance.Remaining())
	}
}

func TestAllowanceTransferHappyPath(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-4")

	cfg := testAllowanceConfig()
	if err := h.store.UpdateModules(ctx, account.ID, ModuleState{AllowanceEnabled: true, Allowance: &cfg}, 0); err != nil {
		t.Fatalf("seed modules: %v", err)
	}

	digest := common.HexToHash("0x1234000000000000000000000000000000000000000000000000000000005678")
	h.reader.callFn = moduleCallDispatcher(true, allowanceWords(25_000_000, 0, 3), digest)
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(103)}
	}
	before := h.reader.sentCount()

	txHash, err := h.orch.AllowanceTransfer(ctx, account.ID, cfg.Token,
		common.HexToAddress("0x4444444444444444444444444444444444444444"), big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("allowance transfer: %v", err)
	}
	if txHash == (common.Hash{}) {
		t.Fatal("missing tx hash")
	}
	if h.reader.sentCount() != before+1 {
		t.Fatalf("expected one submission, got %d", h.reader.sentCount()-before)
	}

	// 外层交易直接调用模块合约，不经过 Safe。
	h.reader.mu.Lock()
	last := h.reader.sent[len(h.reader.sent)-1]
	h.reader.mu.Unlock()
	if *last.To() != h.orch.Network().AllowanceModule {
		t.Fatalf("transfer must target the allowance module, got %s", last.To().Hex())
	}
	execSel := allowanceModuleABI.Methods["executeAllowanceTransfer"].ID
	if !bytes.HasPrefix(last.Data(), execSel) {
		t.Fatal("calldata is not executeAllowanceTransfer")
	}
}

func TestAllowanceTransferRejectsOverLimit(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-5")

	cfg := testAllowanceConfig()
	if err := h.store.UpdateModules(ctx, account.ID, ModuleState{AllowanceEnabled: true, Allowance: &cfg}, 0); err != nil {
		t.Fatalf("seed modules: %v", err)
	}
	// 剩余额度 5 USDC，尝试转 10 USDC。
	h.reader.callFn = moduleCallDispatcher(true, allowanceWords(25_000_000, 20_000_000, 1), common.Hash{})

	_, err := h.orch.AllowanceTransfer(ctx, account.ID, cfg.Token,
		common.HexToAddress("0x1"), big.NewInt(10_000_000))
	if err == nil {
		t.Fatal("expected over-limit rejection")
	}
	if xerrors.CodeOf(err) != CodeCapabilityUnsupported {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestTransferTokenFallsBackToSafeExecution(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-6")

	cfg := testAllowanceConfig()
	if err := h.store.UpdateModules(ctx, account.ID, ModuleState{AllowanceEnabled: true, Allowance: &cfg}, 0); err != nil {
		t.Fatalf("seed modules: %v", err)
	}
	// 额度不足，必须回退到 Safe 执行路径。
	h.reader.callFn = moduleCallDispatcher(true, allowanceWords(25_000_000, 25_000_000, 1), common.Hash{})
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return executionSuccessReceipt(account.PredictedAddress)
	}

	txHash, err := h.orch.TransferToken(ctx, account.ID, cfg.Token,
		common.HexToAddress("0x5555555555555555555555555555555555555555"), big.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("transfer token: %v", err)
	}
	if txHash == (common.Hash{}) {
		t.Fatal("missing tx hash")
	}

	// 回退路径目标是 Safe 本体。
	h.reader.mu.Lock()
	last := h.reader.sent[len(h.reader.sent)-1]
	h.reader.mu.Unlock()
	if *last.To() != account.PredictedAddress {
		t.Fatalf("fallback must target the wallet, got %s", last.To().Hex())
	}
}

func TestResyncModulesReappliesMissingConfig(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-7")

	cfg := testAllowanceConfig()
	if err := h.store.UpdateModules(ctx, account.ID, ModuleState{AllowanceEnabled: true, Allowance: &cfg}, 0); err != nil {
		t.Fatalf("seed modules: %v", err)
	}

	// 链上模块并未启用: resync 必须重放配置流程。
	deployTxs := h.reader.sentCount()
	h.reader.callFn = moduleCallDispatcher(false, allowanceWords(0, 0, 0), common.Hash{})
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return executionSuccessReceipt(account.PredictedAddress)
	}
	if err := h.orch.ResyncModules(ctx, account.ID); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := h.reader.sentCount() - deployTxs; got != 2 {
		t.Fatalf("expected reconfiguration to submit 2 txs, got %d", got)
	}
}

func TestResyncModulesIsNoopWhenInSync(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-allow-8")

	cfg := testAllowanceConfig()
	if err := h.store.UpdateModules(ctx, account.ID, ModuleState{AllowanceEnabled: true, Allowance: &cfg}, 0); err != nil {
		t.Fatalf("seed modules: %v", err)
	}

	deployTxs := h.reader.sentCount()
	h.reader.callFn = moduleCallDispatcher(true, allowanceWords(25_000_000, 0, 1), common.Hash{})
	if err := h.orch.ResyncModules(ctx, account.ID); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := h.reader.sentCount() - deployTxs; got != 0 {
		t.Fatalf("in-sync resync must not submit, got %d txs", got)
	}
	account2, _ := h.store.GetAccount(ctx, account.ID)
	if account2.State != StateModulesConfigured {
		t.Fatalf("expected modules_configured, got %s", account2.State)
	}
}
