package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "OpenWallet-Chain/internal/errors"
	storagemysql "OpenWallet-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 持久化钱包账户与交易记录。
// 表结构由 deploy/migrations 中的迁移文件维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。建立连接池时应用待执行的迁移。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := storagemysql.Open(ctx, storagemysql.Config{
		DSN:             dsn,
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 10 * time.Minute,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 存储失败")
	}
	return &MySQLStore{db: db}, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// CreateAccount 实现 Store 接口。唯一索引冲突映射为 ErrAccountConflict。
func (s *MySQLStore) CreateAccount(ctx context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户 ID 不能为空")
	}

	now := time.Now().Unix()
	if account.CreatedAt == 0 {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	ownerKeys, err := marshalJSON(account.OwnerKeys)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 owner_keys 失败")
	}
	modules, err := marshalJSON(account.Modules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 modules 失败")
	}

	const stmt = `INSERT INTO wallet_accounts
        (id, owner_id, network, owner_address, owner_keys, threshold, salt_nonce,
         predicted_address, state, failure_reason, local_nonce, modules, display_name, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		account.ID,
		account.OwnerID,
		account.Network,
		account.OwnerAddress.Hex(),
		ownerKeys,
		account.Threshold,
		account.SaltNonce,
		account.PredictedAddress.Hex(),
		account.State,
		account.LocalNonce,
		modules,
		account.DisplayName,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAccountConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包账户失败")
	}
	return nil
}

const accountColumns = `id, owner_id, network, owner_address, owner_keys, threshold, salt_nonce,
        predicted_address, state, failure_reason, local_nonce, modules, display_name, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		account      Account
		ownerAddr    string
		ownerKeys    sql.NullString
		predicted    string
		state        string
		failure      sql.NullString
		modules      sql.NullString
		displayName  sql.NullString
	)
	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.Network,
		&ownerAddr,
		&ownerKeys,
		&account.Threshold,
		&account.SaltNonce,
		&predicted,
		&state,
		&failure,
		&account.LocalNonce,
		&modules,
		&displayName,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取钱包账户失败")
	}

	account.OwnerAddress = common.HexToAddress(ownerAddr)
	account.PredictedAddress = common.HexToAddress(predicted)
	account.State = DeploymentState(state)
	account.FailureReason = failure.String
	account.DisplayName = displayName.String
	if ownerKeys.Valid && ownerKeys.String != "" {
		if err := json.Unmarshal([]byte(ownerKeys.String), &account.OwnerKeys); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码 owner_keys 失败")
		}
	}
	if modules.Valid && modules.String != "" {
		if err := json.Unmarshal([]byte(modules.String), &account.Modules); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码 modules 失败")
		}
	}
	return &account, nil
}

// GetAccount 实现 Store 接口。
func (s *MySQLStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	stmt := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE id = ?`
	return scanAccount(s.db.QueryRowContext(ctx, stmt, id))
}

// FindAccountByOwner 实现 Store 接口。
func (s *MySQLStore) FindAccountByOwner(ctx context.Context, ownerID, network string) (*Account, error) {
	stmt := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE owner_id = ? AND network = ?`
	return scanAccount(s.db.QueryRowContext(ctx, stmt, ownerID, network))
}

// UpdateState 实现 Store 接口。回退保护在 SQL 条件里完成。
func (s *MySQLStore) UpdateState(ctx context.Context, id string, state DeploymentState, failureReason string) error {
	if !IsValidDeploymentState(state) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的部署状态: %s", state))
	}

	var (
		result sql.Result
		err    error
	)
	if state == StateFailed {
		const stmt = `UPDATE wallet_accounts SET state = ?, failure_reason = ?, updated_at = ? WHERE id = ?`
		result, err = s.db.ExecContext(ctx, stmt, state, failureReason, time.Now().Unix(), id)
	} else {
		// 状态机单调: 只能从生命周期中更早的状态推进，失败账户不可复活。
		const stmt = `UPDATE wallet_accounts SET state = ?, failure_reason = '', updated_at = ?
            WHERE id = ? AND state != 'failed' AND FIELD(state, 'undeployed','deploy_tx_submitted','deployed_local_view','visible_across_rpc','modules_configured')
                <= FIELD(?, 'undeployed','deploy_tx_submitted','deployed_local_view','visible_across_rpc','modules_configured')`
		result, err = s.db.ExecContext(ctx, stmt, state, time.Now().Unix(), id, state)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认状态更新失败")
	}
	if affected == 0 {
		if _, getErr := s.GetAccount(ctx, id); getErr != nil {
			return getErr
		}
		return xerrors.New(CodeAccountConflict, fmt.Sprintf("账户 %s 状态不允许推进到 %s", id, state))
	}
	return nil
}

// UpdateModules 实现 Store 接口。
func (s *MySQLStore) UpdateModules(ctx context.Context, id string, modules ModuleState, localNonce uint64) error {
	encoded, err := marshalJSON(modules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 modules 失败")
	}
	const stmt = `UPDATE wallet_accounts SET modules = ?, local_nonce = GREATEST(local_nonce, ?), updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, encoded, localNonce, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新模块配置失败")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.GetAccount(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpdateLocalNonce 实现 Store 接口。
func (s *MySQLStore) UpdateLocalNonce(ctx context.Context, id string, localNonce uint64) error {
	const stmt = `UPDATE wallet_accounts SET local_nonce = GREATEST(local_nonce, ?), updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, localNonce, time.Now().Unix(), id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新本地 nonce 失败")
	}
	return nil
}

// ListAccounts 实现 Store 接口。
func (s *MySQLStore) ListAccounts(ctx context.Context, states []DeploymentState, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}

	stmt := `SELECT ` + accountColumns + ` FROM wallet_accounts`
	args := make([]any, 0, len(states)+1)
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, state)
		}
		stmt += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	stmt += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包账户失败")
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历钱包账户失败")
	}
	return out, nil
}

// CreateTransaction 实现 Store 接口。
func (s *MySQLStore) CreateTransaction(ctx context.Context, tx *PendingTransaction) error {
	if tx == nil || tx.ID == "" || tx.AccountID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 与账户 ID 不能为空")
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	calls, err := marshalJSON(tx.Calls)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 calls 失败")
	}

	const stmt = `INSERT INTO wallet_transactions
        (id, account_id, calls, nonce, safe_tx_hash, signatures, status, relayer, tx_hash, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.AccountID,
		calls,
		tx.Nonce,
		tx.SafeTxHash.Hex(),
		common.Bytes2Hex(tx.Signatures),
		tx.Status,
		tx.Relayer.Hex(),
		tx.TxHash.Hex(),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(CodeAccountConflict, fmt.Sprintf("交易 %s 已存在", tx.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易记录失败")
	}
	return nil
}

const txColumns = `id, account_id, calls, nonce, safe_tx_hash, signatures, status, relayer, tx_hash, last_error, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (*PendingTransaction, error) {
	var (
		tx         PendingTransaction
		calls      sql.NullString
		safeTxHash string
		signatures sql.NullString
		status     string
		relayer    sql.NullString
		txHash     sql.NullString
		lastError  sql.NullString
	)
	err := row.Scan(
		&tx.ID,
		&tx.AccountID,
		&calls,
		&tx.Nonce,
		&safeTxHash,
		&signatures,
		&status,
		&relayer,
		&txHash,
		&lastError,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(CodeAccountNotFound, "交易不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取交易记录失败")
	}

	if calls.Valid && calls.String != "" {
		if err := json.Unmarshal([]byte(calls.String), &tx.Calls); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码 calls 失败")
		}
	}
	tx.SafeTxHash = common.HexToHash(safeTxHash)
	tx.Signatures = common.Hex2Bytes(signatures.String)
	tx.Status = TxStatus(status)
	tx.Relayer = common.HexToAddress(relayer.String)
	tx.TxHash = common.HexToHash(txHash.String)
	tx.LastError = lastError.String
	return &tx, nil
}

// GetTransaction 实现 Store 接口。
func (s *MySQLStore) GetTransaction(ctx context.Context, id string) (*PendingTransaction, error) {
	stmt := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE id = ?`
	return scanTransaction(s.db.QueryRowContext(ctx, stmt, id))
}

// UpdateTransaction 实现 Store 接口。
func (s *MySQLStore) UpdateTransaction(ctx context.Context, tx *PendingTransaction) error {
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	tx.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE wallet_transactions
        SET signatures = ?, status = ?, relayer = ?, tx_hash = ?, last_error = ?, updated_at = ?
        WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		common.Bytes2Hex(tx.Signatures),
		tx.Status,
		tx.Relayer.Hex(),
		tx.TxHash.Hex(),
		tx.LastError,
		tx.UpdatedAt,
		tx.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易记录失败")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// MySQL 对无变化的 UPDATE 也返回 0，需要区分记录不存在。
		if _, getErr := s.GetTransaction(ctx, tx.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListTransactions 实现 Store 接口。
func (s *MySQLStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*PendingTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	stmt := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, stmt, accountID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	var out []*PendingTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return out, nil
}

// Close 实现 Store 接口。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
