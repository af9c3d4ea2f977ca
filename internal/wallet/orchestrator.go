package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
	"OpenWallet-Chain/pkg/logger"
)

// KeyProvisioner 在 HashSigner 之上增加密钥创建能力。
type KeyProvisioner interface {
	HashSigner
	// EnsureKey 返回 keyID 对应的地址，密钥不存在时先创建。
	EnsureKey(ctx context.Context, keyID string) (common.Address, error)
}

// EnsureKey 让 LocalHashSigner 实现 KeyProvisioner。
func (s *LocalHashSigner) EnsureKey(ctx context.Context, keyID string) (common.Address, error) {
	if addr, err := s.Address(keyID); err == nil {
		return addr, nil
	}
	return s.GenerateKey(keyID)
}

// Orchestrator 驱动单个网络上钱包的完整生命周期:
// 地址预测、部署、跨端点可见性确认、模块配置与交易执行。
type Orchestrator struct {
	network    chain.Network
	reader     chain.Reader
	store      Store
	keys       KeyProvisioner
	relayer    *Relayer
	auth       *AuthorizationKeySet
	safeNonces SafeNonceLocker
}

// OrchestratorConfig 聚合编排器的依赖。
type OrchestratorConfig struct {
	Network chain.Network
	Reader  chain.Reader
	Store   Store
	Keys    KeyProvisioner
	Relayer *Relayer
	// Auth 可为空；配置后服务端授权密钥的指纹会进入审计日志。
	Auth *AuthorizationKeySet
	// SafeNonces 可为空，缺省使用进程内账户锁。多副本部署必须传入
	// Redis 实现，否则钱包 Safe nonce 会跨副本撞号。
	SafeNonces SafeNonceLocker
}

// NewOrchestrator 创建编排器。
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Reader == nil {
		return nil, errors.New("chain reader 不能为空")
	}
	if cfg.Store == nil {
		return nil, errors.New("store 不能为空")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key provisioner 不能为空")
	}
	if cfg.Relayer == nil {
		return nil, errors.New("relayer 不能为空")
	}
	safeNonces := cfg.SafeNonces
	if safeNonces == nil {
		safeNonces = NewMemorySafeNonceLocker()
	}
	return &Orchestrator{
		network:    cfg.Network,
		reader:     cfg.Reader,
		store:      cfg.Store,
		keys:       cfg.Keys,
		relayer:    cfg.Relayer,
		auth:       cfg.Auth,
		safeNonces: safeNonces,
	}, nil
}

// Network 返回编排器绑定的网络。
func (o *Orchestrator) Network() chain.Network {
	return o.network
}

// Provision 为所有者创建（或返回已有的）钱包账户。地址在这里一次性
// 确定，之后整个生命周期不可变。同一所有者重复调用返回同一账户。
func (o *Orchestrator) Provision(ctx context.Context, ownerID string) (*Account, error) {
	if err := ValidateOwnerKeyID(ownerID); err != nil {
		return nil, err
	}

	if existing, err := o.store.FindAccountByOwner(ctx, ownerID, o.network.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	ownerAddr, err := o.keys.EnsureKey(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	saltNonce, err := SaltNonceForOwner(ownerID)
	if err != nil {
		return nil, err
	}
	initializer, err := BuildInitializer(o.network, []common.Address{ownerAddr}, 1)
	if err != nil {
		return nil, err
	}
	predicted := PredictAddress(o.network, initializer, saltNonce)

	account := &Account{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Network:          o.network.ID,
		OwnerAddress:     ownerAddr,
		OwnerKeys: []AuthorizationKey{
			{ID: ownerID, Kind: KeyKindUser, PublicKey: ownerAddr.Hex()},
		},
		Threshold:        1,
		SaltNonce:        saltNonce,
		PredictedAddress: predicted,
		State:            StateUndeployed,
		CreatedAt:        time.Now().Unix(),
	}
	for _, fp := range o.auth.Fingerprints() {
		account.OwnerKeys = append(account.OwnerKeys, AuthorizationKey{
			ID: fp, Kind: KeyKindServer, Fingerprint: fp,
		})
	}

	if err := o.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, ErrAccountConflict) {
			// 并发创建时以先写入的为准。
			return o.store.FindAccountByOwner(ctx, ownerID, o.network.ID)
		}
		return nil, err
	}

	logger.Audit().Info("钱包账户已创建",
		"account_id", account.ID,
		"owner_id", ownerID,
		"network", o.network.ID,
		"predicted_address", predicted.Hex(),
		"salt_nonce", saltNonce,
		"auth_fingerprints", o.auth.Fingerprints(),
	)
	return account, nil
}

// rebuildPrediction 从持久化的账户参数重算预测地址，用于部署前的
// 完整性自检。配置漂移（比如换了 singleton）会在这里暴露，而不是
// 部署后才发现地址对不上。
func (o *Orchestrator) rebuildPrediction(account *Account) ([]byte, common.Address, error) {
	initializer, err := BuildInitializer(o.network, []common.Address{account.OwnerAddress}, account.Threshold)
	if err != nil {
		return nil, common.Address{}, err
	}
	return initializer, PredictAddress(o.network, initializer, account.SaltNonce), nil
}

// EnsureDeployed 把账户推进到 VisibleAcrossRPC。幂等:
// 已到达的状态直接返回；中途崩溃后重入会从链上实际进度继续。
func (o *Orchestrator) EnsureDeployed(ctx context.Context, accountID string) error {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.State == StateFailed {
		return xerrors.New(CodeAccountConflict,
			fmt.Sprintf("账户 %s 已失败: %s", accountID, account.FailureReason))
	}
	if account.State.AtLeast(StateVisibleAcrossRPC) {
		return nil
	}

	initializer, predicted, err := o.rebuildPrediction(account)
	if err != nil {
		return err
	}
	if predicted != account.PredictedAddress {
		mismatch := VerifyDeployedAddress(account.PredictedAddress, predicted)
		_ = o.store.UpdateState(ctx, accountID, StateFailed, mismatch.Error())
		logger.L().Error("钱包配置漂移，预测地址变化",
			"account_id", accountID,
			"stored", account.PredictedAddress.Hex(),
			"recomputed", predicted.Hex(),
		)
		return mismatch
	}

	code, err := o.reader.GetCode(ctx, predicted)
	if err != nil {
		return err
	}
	if len(code) == 0 {
		if err := o.deploy(ctx, account, initializer); err != nil {
			return err
		}
	} else if !account.State.AtLeast(StateDeployedLocalView) {
		// 上一次运行已经部署成功但状态没落库。
		if err := o.store.UpdateState(ctx, accountID, StateDeployedLocalView, ""); err != nil {
			return err
		}
	}

	// 所有 RPC 端点都看到代码之前，后续的模块配置与执行都不安全:
	// 落后的节点会用空 nonce/空 owners 响应导致签名校验失败。
	if err := o.reader.WaitForCode(ctx, predicted); err != nil {
		return err
	}
	return o.store.UpdateState(ctx, accountID, StateVisibleAcrossRPC, "")
}

func (o *Orchestrator) deploy(ctx context.Context, account *Account, initializer []byte) error {
	calldata, err := EncodeDeploy(o.network, initializer, account.SaltNonce)
	if err != nil {
		return err
	}
	if err := o.store.UpdateState(ctx, account.ID, StateDeployTxSubmitted, ""); err != nil {
		return err
	}

	receipt, err := o.relayer.Submit(ctx, o.network.ProxyFactory, calldata, nil)
	if err != nil {
		return xerrors.Wrap(CodeDeployFailed, err, fmt.Sprintf("部署账户 %s 失败", account.ID))
	}

	actual, err := ProxyAddressFromReceipt(receipt, o.network.ProxyFactory)
	if err != nil {
		return err
	}
	if err := VerifyDeployedAddress(account.PredictedAddress, actual); err != nil {
		// 致命完整性错误: 账户立即作废，该地址永不交付使用。
		_ = o.store.UpdateState(ctx, account.ID, StateFailed, err.Error())
		logger.L().Error("部署地址与预测不一致",
			"account_id", account.ID,
			"predicted", account.PredictedAddress.Hex(),
			"actual", actual.Hex(),
			"tx_hash", receipt.TxHash.Hex(),
		)
		return err
	}

	logger.L().Info("钱包部署确认",
		"account_id", account.ID,
		"address", actual.Hex(),
		"tx_hash", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber,
	)
	return o.store.UpdateState(ctx, account.ID, StateDeployedLocalView, "")
}

// requireVisible 返回已达到可见状态的账户，否则拒绝且不触网。
func (o *Orchestrator) requireVisible(ctx context.Context, accountID string) (*Account, error) {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.State == StateFailed {
		return nil, xerrors.New(CodeAccountConflict,
			fmt.Sprintf("账户 %s 已失败: %s", accountID, account.FailureReason))
	}
	if !account.State.AtLeast(StateVisibleAcrossRPC) {
		return nil, xerrors.New(CodeNotVisible,
			fmt.Sprintf("账户 %s 尚未全端点可见 (当前 %s)", accountID, account.State))
	}
	return account, nil
}

// safeNonce 读取钱包当前的链上 nonce，并与本地记录取较大值。
// 连续发多笔交易时链上值会滞后，本地记录保证 nonce 不被复用。
// 调用方必须持有该账户的 SafeNonceLocker 锁。
func (o *Orchestrator) safeNonce(ctx context.Context, account *Account) (uint64, error) {
	calldata, err := safeABI.Pack("nonce")
	if err != nil {
		return 0, err
	}
	out, err := o.reader.CallContract(ctx, chain.CallMsg{To: account.PredictedAddress, Data: calldata})
	if err != nil {
		return 0, err
	}
	chainNonce := uint64(0)
	if len(out) >= 32 {
		chainNonce = new(big.Int).SetBytes(out).Uint64()
	}
	if account.LocalNonce > chainNonce {
		return account.LocalNonce, nil
	}
	return chainNonce, nil
}

// Execute 通过钱包执行一组调用。多个调用自动折叠为 multisend 批量，
// 所有者签名 Safe 摘要，中继钱包付 gas。账户锁覆盖从 nonce 分配到
// 本地 nonce 推进的整个窗口，同一账户的并发执行严格串行。
func (o *Orchestrator) Execute(ctx context.Context, accountID string, calls []Call) (*PendingTransaction, error) {
	release, err := o.safeNonces.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	// 锁内重读账户，拿到上一笔执行推进之后的本地 nonce。
	account, err := o.requireVisible(ctx, accountID)
	if err != nil {
		return nil, err
	}

	nonce, err := o.safeNonce(ctx, account)
	if err != nil {
		return nil, err
	}
	safeTx, err := BuildSafeTx(o.network.MultiSend, calls, nonce)
	if err != nil {
		return nil, err
	}

	record := &PendingTransaction{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Calls:     cloneCalls(calls),
		Nonce:     nonce,
		Status:    TxBuilt,
		Relayer:   o.relayer.Address(),
	}

	digest := safeTx.Hash(o.reader.ChainID(), account.PredictedAddress)
	record.SafeTxHash = digest

	sig, err := o.keys.SignHash(ctx, account.OwnerID, digest)
	if err != nil {
		return nil, err
	}
	combined, err := CombineSignatures([]OwnerSignature{{Signer: account.OwnerAddress, Signature: sig}})
	if err != nil {
		return nil, err
	}
	record.Signatures = combined
	record.Status = TxSigned
	if err := o.store.CreateTransaction(ctx, record); err != nil {
		return nil, err
	}

	calldata, err := safeTx.EncodeExecTransaction(combined)
	if err != nil {
		return nil, err
	}

	record.Status = TxSubmitted
	_ = o.store.UpdateTransaction(ctx, record)

	receipt, err := o.relayer.Submit(ctx, account.PredictedAddress, calldata, nil)
	if err != nil {
		record.Status = TxReverted
		record.LastError = err.Error()
		if receipt != nil {
			record.TxHash = receipt.TxHash
		}
		_ = o.store.UpdateTransaction(ctx, record)
		return record, err
	}
	record.TxHash = receipt.TxHash

	// 外层成功不代表内层成功，必须检查执行结果事件。
	if _, err := ExecutionOutcomeFromLogs(account.PredictedAddress, receipt.Logs); err != nil {
		record.Status = TxReverted
		record.LastError = err.Error()
		_ = o.store.UpdateTransaction(ctx, record)
		return record, err
	}

	record.Status = TxConfirmed
	if err := o.store.UpdateTransaction(ctx, record); err != nil {
		return record, err
	}
	_ = o.store.UpdateLocalNonce(ctx, account.ID, nonce+1)

	logger.L().Info("钱包交易确认",
		"account_id", account.ID,
		"tx_id", record.ID,
		"safe_tx_hash", digest.Hex(),
		"tx_hash", receipt.TxHash.Hex(),
		"nonce", nonce,
	)
	return record, nil
}

// Snapshot 返回账户的对外只读视图。
func (o *Orchestrator) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(account), nil
}
