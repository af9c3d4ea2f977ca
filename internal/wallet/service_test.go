package wallet

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenWallet-Chain/internal/errors"
)

func newServiceHarness(t *testing.T) (*Service, *orchestratorHarness, *MemoryQueue) {
	t.Helper()
	h := newOrchestratorHarness(t)
	queue := NewMemoryQueue(16)
	service, err := NewService(h.store, queue, map[string]*Orchestrator{
		"base-mainnet": h.orch,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, h, queue
}

func TestServiceProvisionPublishesDeploymentJob(t *testing.T) {
	t.Parallel()

	service, _, queue := newServiceHarness(t)
	ctx := context.Background()

	account, err := service.ProvisionWallet(ctx, "user:owner-service-1", "base-mainnet")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if account.PredictedAddress == (common.Address{}) {
		t.Fatal("expected a predicted address immediately")
	}
	if account.State != StateUndeployed {
		t.Fatalf("expected undeployed state, got %s", account.State)
	}

	select {
	case payload := <-queue.ch:
		job, err := DecodeJob(payload)
		if err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.AccountID != account.ID || job.Network != "base-mainnet" {
			t.Fatalf("unexpected job: %+v", job)
		}
	default:
		t.Fatal("expected a deployment job in the queue")
	}

	// 重复创建返回同一账户，不再入队。
	again, err := service.ProvisionWallet(ctx, "user:owner-service-1", "base-mainnet")
	if err != nil {
		t.Fatalf("re-provision: %v", err)
	}
	if again.ID != account.ID {
		t.Fatalf("expected same account, got %s vs %s", again.ID, account.ID)
	}
	select {
	case <-queue.ch:
		t.Fatal("re-provision must not enqueue another job")
	default:
	}
}

func TestServiceRejectsUnknownNetwork(t *testing.T) {
	t.Parallel()

	service, _, _ := newServiceHarness(t)
	_, err := service.ProvisionWallet(context.Background(), "user:owner-service-2", "no-such-net")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestServiceExecuteDeploysFirst(t *testing.T) {
	t.Parallel()

	service, h, _ := newServiceHarness(t)
	ctx := context.Background()

	account, err := service.ProvisionWallet(ctx, "user:owner-service-3", "base-mainnet")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	deployed := false
	h.reader.receiptFn = func(tx *coretypes.Transaction) *coretypes.Receipt {
		if !deployed {
			deployed = true
			return proxyCreationReceipt(h.orch.Network().ProxyFactory, account.PredictedAddress)
		}
		return executionSuccessReceipt(account.PredictedAddress)
	}

	record, err := service.Execute(ctx, account.ID, []Call{
		{To: common.HexToAddress("0x7777777777777777777777777777777777777777")},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if record.Status != TxConfirmed {
		t.Fatalf("expected confirmed, got %s", record.Status)
	}

	updated, err := h.store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !updated.State.AtLeast(StateVisibleAcrossRPC) {
		t.Fatalf("execute must deploy first, state is %s", updated.State)
	}

	snapshot, err := service.Snapshot(ctx, account.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Address != account.PredictedAddress {
		t.Fatal("snapshot address mismatch")
	}

	txs, err := service.Transactions(ctx, account.ID, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction record, got %d", len(txs))
	}
}
