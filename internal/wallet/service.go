package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenWallet-Chain/internal/errors"
	"OpenWallet-Chain/internal/observability/metrics"
	"OpenWallet-Chain/pkg/logger"
)

// Service 是钱包子系统的对外门面。按网络路由到对应的编排器，
// 创建账户时把部署任务投入队列，让部署与调用方解耦。
type Service struct {
	orchestrators map[string]*Orchestrator
	store         Store
	producer      Producer
}

// NewService 构造钱包服务。orchestrators 以网络 ID 为键。
func NewService(store Store, producer Producer, orchestrators map[string]*Orchestrator) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "钱包存储未初始化")
	}
	if len(orchestrators) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "没有可用的网络编排器")
	}
	return &Service{
		orchestrators: orchestrators,
		store:         store,
		producer:      producer,
	}, nil
}

func (s *Service) orchestratorFor(network string) (*Orchestrator, error) {
	orch, ok := s.orchestrators[network]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的网络: %s", network))
	}
	return orch, nil
}

// ProvisionWallet 为所有者创建钱包账户。地址立即可用，部署任务
// 异步投入队列。重复调用返回已有账户（恢复路径）。
func (s *Service) ProvisionWallet(ctx context.Context, ownerID, network string) (account *Account, err error) {
	done := observe("provision", network)
	defer func() { done(err) }()

	orch, err := s.orchestratorFor(network)
	if err != nil {
		return nil, err
	}
	account, err = orch.Provision(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	// 已经在部署流程里的账户不重复入队。
	if s.producer != nil && account.State == StateUndeployed {
		payload, encErr := EncodeJob(DeploymentJob{
			AccountID: account.ID,
			Network:   network,
		})
		if encErr != nil {
			return nil, encErr
		}
		if pubErr := s.producer.Publish(ctx, payload); pubErr != nil {
			// 入队失败不作废账户，部署可以通过恢复扫描或显式
			// EnsureDeployed 补上。
			logger.L().Error("部署任务入队失败",
				slog.Any("error", pubErr),
				slog.String("account_id", account.ID),
			)
		}
	}
	return account, nil
}

// EnsureDeployed 同步驱动账户到全端点可见。
func (s *Service) EnsureDeployed(ctx context.Context, accountID string) (err error) {
	orch, err := s.orchestratorForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	done := observe("deploy", orch.Network().ID)
	defer func() { done(err) }()
	return orch.EnsureDeployed(ctx, accountID)
}

// Execute 通过钱包执行一组调用。未部署的账户先同步部署。
func (s *Service) Execute(ctx context.Context, accountID string, calls []Call) (record *PendingTransaction, err error) {
	orch, err := s.orchestratorForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	done := observe("execute", orch.Network().ID)
	defer func() { done(err) }()

	if err = orch.EnsureDeployed(ctx, accountID); err != nil {
		return nil, err
	}
	return orch.Execute(ctx, accountID, calls)
}

// SyncModules 配置或修复账户的 Allowance Module。
func (s *Service) SyncModules(ctx context.Context, accountID string, cfg *AllowanceConfig) (err error) {
	orch, err := s.orchestratorForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	done := observe("sync_modules", orch.Network().ID)
	defer func() { done(err) }()

	if cfg != nil {
		return orch.ConfigureAllowance(ctx, accountID, *cfg)
	}
	return orch.ResyncModules(ctx, accountID)
}

// ConfigureAllowance 让 Service 满足部署 Worker 的 Deployer 约定。
func (s *Service) ConfigureAllowance(ctx context.Context, accountID string, cfg AllowanceConfig) error {
	return s.SyncModules(ctx, accountID, &cfg)
}

// TransferToken 执行免 gas 的 ERC-20 转账。
func (s *Service) TransferToken(ctx context.Context, accountID string, token, to common.Address, amount *big.Int) (txHash common.Hash, err error) {
	orch, err := s.orchestratorForAccount(ctx, accountID)
	if err != nil {
		return common.Hash{}, err
	}
	done := observe("transfer", orch.Network().ID)
	defer func() { done(err) }()
	return orch.TransferToken(ctx, accountID, token, to, amount)
}

// Snapshot 返回账户的对外只读视图，不含签名或密钥材料。
func (s *Service) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(account), nil
}

// Transactions 返回账户最近的交易记录。
func (s *Service) Transactions(ctx context.Context, accountID string, limit int) ([]*PendingTransaction, error) {
	return s.store.ListTransactions(ctx, accountID, limit)
}

// observe 返回记录单次操作耗时与结果的回调。
func observe(op, network string) func(error) {
	start := time.Now()
	return func(err error) {
		metrics.ObserveWalletOperation(op, network, err, time.Since(start))
	}
}

func (s *Service) orchestratorForAccount(ctx context.Context, accountID string) (*Orchestrator, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.orchestratorFor(account.Network)
}

// WaitUntilVisible 在指定超时时间内轮询账户部署状态。
func (s *Service) WaitUntilVisible(ctx context.Context, accountID string, interval time.Duration) (*Account, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		account, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if account.State == StateFailed {
			return account, xerrors.New(CodeDeployFailed,
				fmt.Sprintf("账户 %s 部署失败: %s", accountID, account.FailureReason))
		}
		if account.State.AtLeast(StateVisibleAcrossRPC) {
			return account, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
