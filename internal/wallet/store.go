package wallet

import "context"

// Store 抽象了钱包账户与交易记录的持久化接口。
type Store interface {
	// CreateAccount 写入新账户；同一 (OwnerID, Network) 已存在时返回
	// ErrAccountConflict，调用方据此走幂等恢复路径。
	CreateAccount(ctx context.Context, account *Account) error
	// GetAccount 按 ID 返回账户。
	GetAccount(ctx context.Context, id string) (*Account, error)
	// FindAccountByOwner 按 (OwnerID, Network) 返回账户。
	FindAccountByOwner(ctx context.Context, ownerID, network string) (*Account, error)
	// UpdateState 推进账户部署状态。状态只允许前进或转入 Failed。
	UpdateState(ctx context.Context, id string, state DeploymentState, failureReason string) error
	// UpdateModules 记录模块配置快照与本地 Safe nonce。
	UpdateModules(ctx context.Context, id string, modules ModuleState, localNonce uint64) error
	// UpdateLocalNonce 只推进本地 Safe nonce。
	UpdateLocalNonce(ctx context.Context, id string, localNonce uint64) error
	// ListAccounts 按状态筛选账户，用于恢复扫描。
	ListAccounts(ctx context.Context, states []DeploymentState, limit int) ([]*Account, error)

	// CreateTransaction 写入一笔待处理交易。
	CreateTransaction(ctx context.Context, tx *PendingTransaction) error
	// GetTransaction 按 ID 返回交易。
	GetTransaction(ctx context.Context, id string) (*PendingTransaction, error)
	// UpdateTransaction 更新交易状态与回执信息。
	UpdateTransaction(ctx context.Context, tx *PendingTransaction) error
	// ListTransactions 返回某账户的交易，按创建时间倒序。
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*PendingTransaction, error)

	Close() error
}
