package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func newTestAccount(id, ownerID string) *Account {
	return &Account{
		ID:               id,
		OwnerID:          ownerID,
		Network:          "base-mainnet",
		OwnerAddress:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Threshold:        1,
		SaltNonce:        42,
		PredictedAddress: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		State:            StateUndeployed,
	}
}

func TestMemoryStoreCreateAndFindAccount(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, newTestAccount("acct-1", "user:owner-1")); err != nil {
		t.Fatalf("create account: %v", err)
	}

	got, err := store.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.OwnerID != "user:owner-1" || got.State != StateUndeployed {
		t.Fatalf("unexpected account: %+v", got)
	}

	byOwner, err := store.FindAccountByOwner(ctx, "user:owner-1", "base-mainnet")
	if err != nil {
		t.Fatalf("find by owner: %v", err)
	}
	if byOwner.ID != "acct-1" {
		t.Fatalf("expected acct-1, got %s", byOwner.ID)
	}

	if _, err := store.GetAccount(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRejectsDuplicateOwner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, newTestAccount("acct-1", "user:owner-1")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	err := store.CreateAccount(ctx, newTestAccount("acct-2", "user:owner-1"))
	if !errors.Is(err, ErrAccountConflict) {
		t.Fatalf("expected conflict for same owner+network, got %v", err)
	}
}

func TestMemoryStoreStateIsMonotonic(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateAccount(ctx, newTestAccount("acct-1", "user:owner-1")); err != nil {
		t.Fatalf("create account: %v", err)
	}

	steps := []DeploymentState{
		StateDeployTxSubmitted,
		StateDeployedLocalView,
		StateVisibleAcrossRPC,
		StateModulesConfigured,
	}
	for _, state := range steps {
		if err := store.UpdateState(ctx, "acct-1", state, ""); err != nil {
			t.Fatalf("advance to %s: %v", state, err)
		}
	}

	// 回退被拒绝。
	if err := store.UpdateState(ctx, "acct-1", StateDeployedLocalView, ""); err == nil {
		t.Fatal("expected rejection of backwards transition")
	}

	// 任意状态都可以转入 Failed。
	if err := store.UpdateState(ctx, "acct-1", StateFailed, "address mismatch"); err != nil {
		t.Fatalf("fail transition: %v", err)
	}
	got, err := store.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.State != StateFailed || got.FailureReason != "address mismatch" {
		t.Fatalf("unexpected failed account: %+v", got)
	}

	// 失败账户不可复活。
	if err := store.UpdateState(ctx, "acct-1", StateVisibleAcrossRPC, ""); err == nil {
		t.Fatal("expected rejection of resurrecting a failed account")
	}
}

func TestMemoryStoreIdempotentReplay(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateAccount(ctx, newTestAccount("acct-1", "user:owner-1")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.UpdateState(ctx, "acct-1", StateVisibleAcrossRPC, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// 同状态重放等价于无操作。
	if err := store.UpdateState(ctx, "acct-1", StateVisibleAcrossRPC, ""); err != nil {
		t.Fatalf("same-state replay must succeed: %v", err)
	}
}

func TestMemoryStoreModulesAndLocalNonce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateAccount(ctx, newTestAccount("acct-1", "user:owner-1")); err != nil {
		t.Fatalf("create account: %v", err)
	}

	modules := ModuleState{
		AllowanceEnabled: true,
		Allowance: &AllowanceConfig{
			Token:            common.HexToAddress("0x3333333333333333333333333333333333333333"),
			Delegate:         common.HexToAddress("0x4444444444444444444444444444444444444444"),
			Amount:           big.NewInt(1000000),
			ResetTimeMinutes: 10080,
		},
	}
	if err := store.UpdateModules(ctx, "acct-1", modules, 2); err != nil {
		t.Fatalf("update modules: %v", err)
	}

	got, err := store.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.Modules.AllowanceEnabled || got.Modules.Allowance == nil {
		t.Fatalf("modules not recorded: %+v", got.Modules)
	}
	if got.LocalNonce != 2 {
		t.Fatalf("expected local nonce 2, got %d", got.LocalNonce)
	}

	// 本地 nonce 只前进不后退。
	if err := store.UpdateLocalNonce(ctx, "acct-1", 1); err != nil {
		t.Fatalf("update local nonce: %v", err)
	}
	got, _ = store.GetAccount(ctx, "acct-1")
	if got.LocalNonce != 2 {
		t.Fatalf("local nonce must not move backwards, got %d", got.LocalNonce)
	}
}

func TestMemoryStoreListAccountsByState(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	for i, owner := range []string{"user:owner-a", "user:owner-b", "user:owner-c"} {
		account := newTestAccount("acct-"+owner, owner)
		if err := store.CreateAccount(ctx, account); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if err := store.UpdateState(ctx, "acct-user:owner-b", StateDeployTxSubmitted, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	pending, err := store.ListAccounts(ctx, []DeploymentState{StateDeployTxSubmitted}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "acct-user:owner-b" {
		t.Fatalf("unexpected list result: %+v", pending)
	}

	all, err := store.ListAccounts(ctx, nil, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(all))
	}
}

func TestMemoryStoreTransactionLifecycle(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateAccount(ctx, newTestAccount("acct-1", "user:owner-1")); err != nil {
		t.Fatalf("create account: %v", err)
	}

	tx := &PendingTransaction{
		ID:        "tx-1",
		AccountID: "acct-1",
		Calls:     []Call{{To: common.HexToAddress("0x5555555555555555555555555555555555555555"), Value: big.NewInt(1)}},
		Nonce:     0,
		Status:    TxBuilt,
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}
	if err := store.CreateTransaction(ctx, tx); err == nil {
		t.Fatal("expected duplicate transaction rejection")
	}

	tx.Status = TxConfirmed
	tx.TxHash = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000000")
	if err := store.UpdateTransaction(ctx, tx); err != nil {
		t.Fatalf("update tx: %v", err)
	}

	got, err := store.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if got.Status != TxConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}

	list, err := store.ListTransactions(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("list txs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(list))
	}
}
