package wallet

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
)

// fakeReader 是 chain.Reader 的可编程测试替身。
type fakeReader struct {
	chainID *big.Int

	mu        sync.Mutex
	code      map[common.Address][]byte
	balance   *big.Int
	nonce     uint64
	callFn    func(msg chain.CallMsg) ([]byte, error)
	receiptFn func(tx *coretypes.Transaction) *coretypes.Receipt
	sendErr   error
	sent      []*coretypes.Transaction
	calls     int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		chainID: big.NewInt(8453),
		code:    make(map[common.Address][]byte),
		balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
	}
}

func (f *fakeReader) ChainID() *big.Int { return new(big.Int).Set(f.chainID) }

func (f *fakeReader) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.code[addr], nil
}

func (f *fakeReader) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.nonce, nil
}

func (f *fakeReader) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeReader) CallContract(ctx context.Context, msg chain.CallMsg) ([]byte, error) {
	f.mu.Lock()
	fn := f.callFn
	f.calls++
	f.mu.Unlock()
	if fn == nil {
		return make([]byte, 32), nil
	}
	return fn(msg)
}

func (f *fakeReader) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return big.NewInt(1e9), nil
}

func (f *fakeReader) EstimateGas(ctx context.Context, from common.Address, msg chain.CallMsg, value *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 200000, nil
}

func (f *fakeReader) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeReader) WaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			if f.receiptFn != nil {
				receipt := f.receiptFn(tx)
				receipt.TxHash = hash
				return receipt, nil
			}
			return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, TxHash: hash}, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeTimeout, "交易未广播")
}

func (f *fakeReader) WaitForCode(ctx context.Context, addr common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code[addr] = []byte{0x60, 0x01}
	return nil
}

func (f *fakeReader) Close() {}

func (f *fakeReader) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// testRelayerKey 仅用于测试的中继私钥。
const testRelayerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type orchestratorHarness struct {
	orch   *Orchestrator
	reader *fakeReader
	store  *MemoryStore
	signer *LocalHashSigner
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	t.Helper()

	net, err := chain.Lookup("base-mainnet")
	if err != nil {
		t.Fatalf("lookup network: %v", err)
	}
	reader := newFakeReader()
	store := NewMemoryStore()
	signer := NewLocalHashSigner()

	relayer, err := NewRelayer(reader, testRelayerKey, NewMemoryNonceCoordinator(), big.NewInt(1e15))
	if err != nil {
		t.Fatalf("new relayer: %v", err)
	}
	orch, err := NewOrchestrator(OrchestratorConfig{
		Network: net,
		Reader:  reader,
		Store:   store,
		Keys:    signer,
		Relayer: relayer,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &orchestratorHarness{orch: orch, reader: reader, store: store, signer: signer}
}

// proxyCreationReceipt 构造携带 ProxyCreation 事件的部署回执。
func proxyCreationReceipt(factory, deployed common.Address) *coretypes.Receipt {
	data := make([]byte, 64)
	copy(data[12:32], deployed.Bytes())
	return &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs: []*coretypes.Log{
			{Address: factory, Topics: []common.Hash{proxyCreationTopic}, Data: data},
		},
	}
}

func executionSuccessReceipt(safe common.Address) *coretypes.Receipt {
	return &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(101),
		Logs: []*coretypes.Log{
			{Address: safe, Topics: []common.Hash{executionSuccessTopic}, Data: make([]byte, 64)},
		},
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()

	first, err := h.orch.Provision(ctx, "user:owner-alpha")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if first.State != StateUndeployed {
		t.Fatalf("expected undeployed, got %s", first.State)
	}
	if first.PredictedAddress == (common.Address{}) {
		t.Fatal("predicted address missing")
	}

	second, err := h.orch.Provision(ctx, "user:owner-alpha")
	if err != nil {
		t.Fatalf("provision replay: %v", err)
	}
	if second.ID != first.ID || second.PredictedAddress != first.PredictedAddress {
		t.Fatalf("replay must return the same account: %s vs %s", first.ID, second.ID)
	}
}

func TestProvisionRejectsMalformedOwner(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	if _, err := h.orch.Provision(context.Background(), " bad-owner"); err == nil {
		t.Fatal("expected owner id rejection")
	}
	// 缺少命名空间前缀的 ID 同样拒绝。
	if _, err := h.orch.Provision(context.Background(), "owner-without-namespace"); err == nil {
		t.Fatal("expected rejection for id without namespace")
	}
}

func TestEnsureDeployedHappyPath(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()

	account, err := h.orch.Provision(ctx, "user:owner-beta")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return proxyCreationReceipt(h.orch.Network().ProxyFactory, account.PredictedAddress)
	}

	if err := h.orch.EnsureDeployed(ctx, account.ID); err != nil {
		t.Fatalf("ensure deployed: %v", err)
	}

	got, err := h.store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.State != StateVisibleAcrossRPC {
		t.Fatalf("expected visible_across_rpc, got %s", got.State)
	}
	if h.reader.sentCount() != 1 {
		t.Fatalf("expected exactly one deploy transaction, got %d", h.reader.sentCount())
	}

	// 幂等重入不再发交易。
	if err := h.orch.EnsureDeployed(ctx, account.ID); err != nil {
		t.Fatalf("ensure deployed replay: %v", err)
	}
	if h.reader.sentCount() != 1 {
		t.Fatalf("replay must not submit again, got %d", h.reader.sentCount())
	}
}

func TestEnsureDeployedAddressMismatchIsFatal(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()

	account, err := h.orch.Provision(ctx, "user:owner-gamma")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	wrong := common.HexToAddress("0xBAD0000000000000000000000000000000000bad")
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return proxyCreationReceipt(h.orch.Network().ProxyFactory, wrong)
	}

	err = h.orch.EnsureDeployed(ctx, account.ID)
	if err == nil {
		t.Fatal("expected address mismatch error")
	}
	if xerrors.CodeOf(err) != CodeAddressMismatch {
		t.Fatalf("expected ADDRESS_MISMATCH, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("mismatch must not be retryable")
	}

	got, _ := h.store.GetAccount(ctx, account.ID)
	if got.State != StateFailed {
		t.Fatalf("account must be failed, got %s", got.State)
	}

	// 失败账户拒绝后续操作。
	if err := h.orch.EnsureDeployed(ctx, account.ID); err == nil {
		t.Fatal("failed account must reject further deployment")
	}
}

func TestEnsureDeployedRecoversExistingCode(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()

	account, err := h.orch.Provision(ctx, "user:owner-delta")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	// 上一次运行已经部署，进程崩溃时状态没有落库。
	h.reader.mu.Lock()
	h.reader.code[account.PredictedAddress] = []byte{0x60, 0x01}
	h.reader.mu.Unlock()

	if err := h.orch.EnsureDeployed(ctx, account.ID); err != nil {
		t.Fatalf("ensure deployed: %v", err)
	}
	if h.reader.sentCount() != 0 {
		t.Fatalf("existing code must not be redeployed, sent %d txs", h.reader.sentCount())
	}
	got, _ := h.store.GetAccount(ctx, account.ID)
	if got.State != StateVisibleAcrossRPC {
		t.Fatalf("expected visible_across_rpc, got %s", got.State)
	}
}

func TestExecuteRejectedBeforeVisibilityWithoutNetworkCalls(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()

	account, err := h.orch.Provision(ctx, "user:owner-epsilon")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	before := h.reader.callCount()
	_, err = h.orch.Execute(ctx, account.ID, []Call{{To: common.HexToAddress("0x1"), Value: big.NewInt(0)}})
	if err == nil {
		t.Fatal("expected visibility gate rejection")
	}
	if xerrors.CodeOf(err) != CodeNotVisible {
		t.Fatalf("expected WALLET_NOT_VISIBLE, got %v", err)
	}
	if h.reader.callCount() != before {
		t.Fatal("gate rejection must not touch the network")
	}
}

func setupVisibleAccount(t *testing.T, h *orchestratorHarness, ownerID string) *Account {
	t.Helper()
	ctx := context.Background()
	account, err := h.orch.Provision(ctx, ownerID)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return proxyCreationReceipt(h.orch.Network().ProxyFactory, account.PredictedAddress)
	}
	if err := h.orch.EnsureDeployed(ctx, account.ID); err != nil {
		t.Fatalf("ensure deployed: %v", err)
	}
	return account
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-zeta")

	nonceSelector := safeABI.Methods["nonce"].ID
	h.reader.callFn = func(msg chain.CallMsg) ([]byte, error) {
		if bytes.HasPrefix(msg.Data, nonceSelector) {
			return make([]byte, 32), nil // Safe nonce = 0
		}
		return make([]byte, 32), nil
	}
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return executionSuccessReceipt(account.PredictedAddress)
	}

	record, err := h.orch.Execute(ctx, account.ID, []Call{
		{To: common.HexToAddress("0x1234567890123456789012345678901234567890"), Value: big.NewInt(1000)},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if record.Status != TxConfirmed {
		t.Fatalf("expected confirmed, got %s", record.Status)
	}
	if record.Nonce != 0 {
		t.Fatalf("expected safe nonce 0, got %d", record.Nonce)
	}

	// 签名必须能恢复出所有者地址。
	if len(record.Signatures) != 65 {
		t.Fatalf("expected one packed signature, got %d bytes", len(record.Signatures))
	}
	var sig [65]byte
	copy(sig[:], record.Signatures)
	recovered, err := RecoverSigner(record.SafeTxHash, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != account.OwnerAddress {
		t.Fatalf("signature recovers %s, want owner %s", recovered.Hex(), account.OwnerAddress.Hex())
	}

	// 本地 Safe nonce 已推进。
	got, _ := h.store.GetAccount(ctx, account.ID)
	if got.LocalNonce != 1 {
		t.Fatalf("expected local nonce 1, got %d", got.LocalNonce)
	}
}

func TestExecuteSerializesSafeNonceAllocation(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-iota")

	nonceSelector := safeABI.Methods["nonce"].ID
	h.reader.callFn = func(msg chain.CallMsg) ([]byte, error) {
		if bytes.HasPrefix(msg.Data, nonceSelector) {
			// 链上 nonce 固定为 5，本地推进必须接管后续分配。
			out := make([]byte, 32)
			out[31] = 5
			return out, nil
		}
		return make([]byte, 32), nil
	}
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return executionSuccessReceipt(account.PredictedAddress)
	}

	var wg sync.WaitGroup
	records := make([]*PendingTransaction, 2)
	errs := make([]error, 2)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = h.orch.Execute(ctx, account.ID, []Call{
				{To: common.HexToAddress("0x1"), Value: big.NewInt(int64(i + 1))},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if records[0].Nonce == records[1].Nonce {
		t.Fatalf("concurrent executions allocated the same safe nonce %d", records[0].Nonce)
	}
	if records[0].SafeTxHash == records[1].SafeTxHash {
		t.Fatal("concurrent executions produced identical safe tx hashes")
	}
	allocated := map[uint64]bool{records[0].Nonce: true, records[1].Nonce: true}
	if !allocated[5] || !allocated[6] {
		t.Fatalf("expected nonces 5 and 6, got %d and %d", records[0].Nonce, records[1].Nonce)
	}

	got, _ := h.store.GetAccount(ctx, account.ID)
	if got.LocalNonce != 7 {
		t.Fatalf("expected local nonce 7 after both executions, got %d", got.LocalNonce)
	}
}

func TestExecuteInnerFailureIsReverted(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account := setupVisibleAccount(t, h, "user:owner-eta")

	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return &coretypes.Receipt{
			Status:      coretypes.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(102),
			Logs: []*coretypes.Log{
				{Address: account.PredictedAddress, Topics: []common.Hash{executionFailureTopic}, Data: make([]byte, 64)},
			},
		}
	}

	record, err := h.orch.Execute(ctx, account.ID, []Call{
		{To: common.HexToAddress("0x1"), Value: big.NewInt(0)},
	})
	if err == nil {
		t.Fatal("expected inner execution failure")
	}
	if xerrors.CodeOf(err) != CodeExecutionReverted {
		t.Fatalf("expected EXECUTION_REVERTED, got %v", err)
	}
	if record == nil || record.Status != TxReverted {
		t.Fatalf("transaction record must be reverted: %+v", record)
	}

	// 内层失败不推进本地 nonce。
	got, _ := h.store.GetAccount(ctx, account.ID)
	if got.LocalNonce != 0 {
		t.Fatalf("local nonce must stay 0, got %d", got.LocalNonce)
	}
}

func TestSnapshotOmitsSensitiveFields(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	ctx := context.Background()
	account, err := h.orch.Provision(ctx, "user:owner-theta")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	snap, err := h.orch.Snapshot(ctx, account.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Address != account.PredictedAddress || snap.Network != "base-mainnet" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.State != StateUndeployed {
		t.Fatalf("expected undeployed, got %s", snap.State)
	}
}
