package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "OpenWallet-Chain/internal/errors"
)

// MemoryStore 以内存方式保存账户与交易，主要用于测试与单副本部署。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byOwner  map[string]string // ownerID+"/"+network -> account id
	txs      map[string]*PendingTransaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byOwner:  make(map[string]string),
		txs:      make(map[string]*PendingTransaction),
	}
}

func ownerKey(ownerID, network string) string {
	return ownerID + "/" + network
}

func cloneAccount(account *Account) *Account {
	clone := *account
	clone.OwnerKeys = append([]AuthorizationKey(nil), account.OwnerKeys...)
	if account.Modules.Allowance != nil {
		allowance := *account.Modules.Allowance
		clone.Modules.Allowance = &allowance
	}
	return &clone
}

func cloneTransaction(tx *PendingTransaction) *PendingTransaction {
	clone := *tx
	clone.Calls = cloneCalls(tx.Calls)
	clone.Signatures = append([]byte(nil), tx.Signatures...)
	return &clone
}

// CreateAccount 实现 Store 接口。
func (m *MemoryStore) CreateAccount(_ context.Context, account *Account) error {
	if account == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	if account.ID == "" || account.OwnerID == "" || account.Network == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户 ID、OwnerID 与 Network 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; ok {
		return ErrAccountConflict
	}
	if _, ok := m.byOwner[ownerKey(account.OwnerID, account.Network)]; ok {
		return ErrAccountConflict
	}
	now := time.Now().Unix()
	if account.CreatedAt == 0 {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	m.accounts[account.ID] = cloneAccount(account)
	m.byOwner[ownerKey(account.OwnerID, account.Network)] = account.ID
	return nil
}

// GetAccount 实现 Store 接口。
func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

// FindAccountByOwner 实现 Store 接口。
func (m *MemoryStore) FindAccountByOwner(_ context.Context, ownerID, network string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[ownerKey(ownerID, network)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

// UpdateState 实现 Store 接口，强制状态单调推进。
func (m *MemoryStore) UpdateState(_ context.Context, id string, state DeploymentState, failureReason string) error {
	if !IsValidDeploymentState(state) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的部署状态: %s", state))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if state != StateFailed {
		if account.State == StateFailed {
			return xerrors.New(CodeAccountConflict, "失败账户不能继续推进状态")
		}
		if state.rank() < account.State.rank() {
			return xerrors.New(CodeAccountConflict,
				fmt.Sprintf("部署状态不能回退: %s -> %s", account.State, state))
		}
	}
	account.State = state
	account.FailureReason = failureReason
	account.UpdatedAt = time.Now().Unix()
	return nil
}

// UpdateModules 实现 Store 接口。
func (m *MemoryStore) UpdateModules(_ context.Context, id string, modules ModuleState, localNonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.Modules = modules
	if modules.Allowance != nil {
		allowance := *modules.Allowance
		account.Modules.Allowance = &allowance
	}
	if localNonce > account.LocalNonce {
		account.LocalNonce = localNonce
	}
	account.UpdatedAt = time.Now().Unix()
	return nil
}

// UpdateLocalNonce 实现 Store 接口，只允许向前推进。
func (m *MemoryStore) UpdateLocalNonce(_ context.Context, id string, localNonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if localNonce > account.LocalNonce {
		account.LocalNonce = localNonce
		account.UpdatedAt = time.Now().Unix()
	}
	return nil
}

// ListAccounts 实现 Store 接口。
func (m *MemoryStore) ListAccounts(_ context.Context, states []DeploymentState, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	wanted := make(map[DeploymentState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, limit)
	for _, account := range m.accounts {
		if len(wanted) > 0 && !wanted[account.State] {
			continue
		}
		out = append(out, cloneAccount(account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateTransaction 实现 Store 接口。
func (m *MemoryStore) CreateTransaction(_ context.Context, tx *PendingTransaction) error {
	if tx == nil || tx.ID == "" || tx.AccountID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 与账户 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return xerrors.New(CodeAccountConflict, fmt.Sprintf("交易 %s 已存在", tx.ID))
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.txs[tx.ID] = cloneTransaction(tx)
	return nil
}

// GetTransaction 实现 Store 接口。
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*PendingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, xerrors.New(CodeAccountNotFound, fmt.Sprintf("交易 %s 不存在", id))
	}
	return cloneTransaction(tx), nil
}

// UpdateTransaction 实现 Store 接口。
func (m *MemoryStore) UpdateTransaction(_ context.Context, tx *PendingTransaction) error {
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return xerrors.New(CodeAccountNotFound, fmt.Sprintf("交易 %s 不存在", tx.ID))
	}
	tx.UpdatedAt = time.Now().Unix()
	m.txs[tx.ID] = cloneTransaction(tx)
	return nil
}

// ListTransactions 实现 Store 接口。
func (m *MemoryStore) ListTransactions(_ context.Context, accountID string, limit int) ([]*PendingTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PendingTransaction, 0, limit)
	for _, tx := range m.txs {
		if tx.AccountID == accountID {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}
