package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"
	"OpenWallet-Chain/pkg/logger"
)

// TokenAllowance 是 Allowance Module 中一条额度记录的链上快照。
type TokenAllowance struct {
	Amount       *big.Int
	Spent        *big.Int
	ResetTimeMin uint16
	LastResetMin *big.Int
	Nonce        uint16
}

// Remaining 返回当前周期内剩余可用额度。
func (a *TokenAllowance) Remaining() *big.Int {
	if a == nil || a.Amount == nil {
		return new(big.Int)
	}
	remaining := new(big.Int).Sub(a.Amount, orZero(a.Spent))
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// signAndExec 用所有者密钥签名 SafeTx 并经中继提交，校验内层执行事件。
// 成功后推进本地 Safe nonce。
func (o *Orchestrator) signAndExec(ctx context.Context, account *Account, safeTx *SafeTx) error {
	digest := safeTx.Hash(o.reader.ChainID(), account.PredictedAddress)
	sig, err := o.keys.SignHash(ctx, account.OwnerID, digest)
	if err != nil {
		return err
	}
	combined, err := CombineSignatures([]OwnerSignature{{Signer: account.OwnerAddress, Signature: sig}})
	if err != nil {
		return err
	}
	calldata, err := safeTx.EncodeExecTransaction(combined)
	if err != nil {
		return err
	}
	receipt, err := o.relayer.Submit(ctx, account.PredictedAddress, calldata, nil)
	if err != nil {
		return err
	}
	if _, err := ExecutionOutcomeFromLogs(account.PredictedAddress, receipt.Logs); err != nil {
		return err
	}
	return o.store.UpdateLocalNonce(ctx, account.ID, safeTx.Nonce+1)
}

// moduleEnabled 查询 Allowance Module 是否已启用。
func (o *Orchestrator) moduleEnabled(ctx context.Context, safe common.Address) (bool, error) {
	calldata, err := safeABI.Pack("isModuleEnabled", o.network.AllowanceModule)
	if err != nil {
		return false, err
	}
	out, err := o.reader.CallContract(ctx, chain.CallMsg{To: safe, Data: calldata})
	if err != nil {
		return false, err
	}
	return len(out) >= 32 && out[31] == 1, nil
}

// ConfigureAllowance 启用 Allowance Module 并设置代币限额。
// 两笔 Safe 交易顺序执行: enableModule 用 nonce n，addDelegate 与
// setAllowance 的 multisend 批量用 n+1。第二笔的 nonce 在本地推进，
// 不再回链上读，避免第一笔尚未被所有端点看到时读到旧值。
func (o *Orchestrator) ConfigureAllowance(ctx context.Context, accountID string, cfg AllowanceConfig) error {
	release, err := o.safeNonces.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	account, err := o.requireVisible(ctx, accountID)
	if err != nil {
		return err
	}
	if cfg.Amount == nil || cfg.Amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "限额必须为正数")
	}
	if cfg.Delegate == (common.Address{}) {
		cfg.Delegate = account.OwnerAddress
	}

	nonce, err := o.safeNonce(ctx, account)
	if err != nil {
		return err
	}

	enabled, err := o.moduleEnabled(ctx, account.PredictedAddress)
	if err != nil {
		return err
	}
	if !enabled {
		enableData, err := safeABI.Pack("enableModule", o.network.AllowanceModule)
		if err != nil {
			return err
		}
		// enableModule 必须由 Safe 调用自身。
		enableTx := &SafeTx{
			To:        account.PredictedAddress,
			Value:     new(big.Int),
			Data:      enableData,
			Operation: OperationCall,
			Nonce:     nonce,
		}
		if err := o.signAndExec(ctx, account, enableTx); err != nil {
			return xerrors.Wrap(CodeDeployFailed, err, "启用 Allowance Module 失败")
		}
		nonce++
	}

	addDelegateData, err := allowanceModuleABI.Pack("addDelegate", cfg.Delegate)
	if err != nil {
		return err
	}
	setAllowanceData, err := allowanceModuleABI.Pack("setAllowance",
		cfg.Delegate,
		cfg.Token,
		cfg.Amount,
		cfg.ResetTimeMinutes,
		uint32(0),
	)
	if err != nil {
		return err
	}
	batch, err := BuildSafeTx(o.network.MultiSend, []Call{
		{To: o.network.AllowanceModule, Value: new(big.Int), Data: addDelegateData},
		{To: o.network.AllowanceModule, Value: new(big.Int), Data: setAllowanceData},
	}, nonce)
	if err != nil {
		return err
	}
	if err := o.signAndExec(ctx, account, batch); err != nil {
		return xerrors.Wrap(CodeDeployFailed, err, "设置限额失败")
	}

	allowance := cfg
	allowance.Amount = new(big.Int).Set(cfg.Amount)
	if err := o.store.UpdateModules(ctx, accountID, ModuleState{
		AllowanceEnabled: true,
		Allowance:        &allowance,
	}, nonce+1); err != nil {
		return err
	}
	if err := o.store.UpdateState(ctx, accountID, StateModulesConfigured, ""); err != nil {
		return err
	}

	logger.L().Info("Allowance Module 配置完成",
		"account_id", accountID,
		"token", cfg.Token.Hex(),
		"delegate", cfg.Delegate.Hex(),
		"amount", cfg.Amount,
		"reset_minutes", cfg.ResetTimeMinutes,
	)
	return nil
}

// GetTokenAllowance 读取链上当前额度。返回数组固定五个字:
// [amount, spent, resetTimeMin, lastResetMin, nonce]。
func (o *Orchestrator) GetTokenAllowance(ctx context.Context, safe, delegate, token common.Address) (*TokenAllowance, error) {
	calldata, err := allowanceModuleABI.Pack("getTokenAllowance", safe, delegate, token)
	if err != nil {
		return nil, err
	}
	out, err := o.reader.CallContract(ctx, chain.CallMsg{To: o.network.AllowanceModule, Data: calldata})
	if err != nil {
		return nil, err
	}
	if len(out) < 160 {
		return nil, xerrors.New(xerrors.CodeRPCUnavailable,
			fmt.Sprintf("getTokenAllowance 返回长度异常: %d", len(out)))
	}
	word := func(i int) *big.Int { return new(big.Int).SetBytes(out[i*32 : (i+1)*32]) }
	return &TokenAllowance{
		Amount:       word(0),
		Spent:        word(1),
		ResetTimeMin: uint16(word(2).Uint64()),
		LastResetMin: word(3),
		Nonce:        uint16(word(4).Uint64()),
	}, nil
}

// ResyncModules 对照链上实际配置修正本地模块快照。重放同一配置是
// 无操作，丢失的配置会被补齐。
func (o *Orchestrator) ResyncModules(ctx context.Context, accountID string) error {
	account, err := o.requireVisible(ctx, accountID)
	if err != nil {
		return err
	}

	enabled, err := o.moduleEnabled(ctx, account.PredictedAddress)
	if err != nil {
		return err
	}
	if !enabled {
		if account.Modules.AllowanceEnabled && account.Modules.Allowance != nil {
			// 本地认为已配置但链上没有，重新执行配置流程。
			return o.ConfigureAllowance(ctx, accountID, *account.Modules.Allowance)
		}
		return nil
	}

	modules := ModuleState{AllowanceEnabled: true, Allowance: account.Modules.Allowance}
	if account.Modules.Allowance != nil {
		onchain, err := o.GetTokenAllowance(ctx,
			account.PredictedAddress, account.Modules.Allowance.Delegate, account.Modules.Allowance.Token)
		if err != nil {
			return err
		}
		if onchain.Amount.Cmp(account.Modules.Allowance.Amount) != 0 {
			synced := *account.Modules.Allowance
			synced.Amount = onchain.Amount
			modules.Allowance = &synced
		}
	}
	if err := o.store.UpdateModules(ctx, accountID, modules, account.LocalNonce); err != nil {
		return err
	}
	return o.store.UpdateState(ctx, accountID, StateModulesConfigured, "")
}

// AllowanceTransfer 通过 Allowance Module 执行免 gas 的代币转账。
// 委托人签名模块生成的转账摘要，中继钱包直接调用模块合约，
// 不经过 Safe 的 execTransaction，因此不消耗 Safe nonce。
func (o *Orchestrator) AllowanceTransfer(ctx context.Context, accountID string, token, to common.Address, amount *big.Int) (common.Hash, error) {
	account, err := o.requireVisible(ctx, accountID)
	if err != nil {
		return common.Hash{}, err
	}
	if !account.Modules.AllowanceEnabled {
		return common.Hash{}, xerrors.New(CodeCapabilityUnsupported,
			"账户未启用 Allowance Module")
	}
	delegate := account.OwnerAddress

	allowance, err := o.GetTokenAllowance(ctx, account.PredictedAddress, delegate, token)
	if err != nil {
		return common.Hash{}, err
	}
	if allowance.Remaining().Cmp(amount) < 0 {
		return common.Hash{}, xerrors.New(CodeCapabilityUnsupported,
			fmt.Sprintf("剩余额度 %s 不足以转出 %s", allowance.Remaining(), amount))
	}

	zero := common.Address{}
	hashCalldata, err := allowanceModuleABI.Pack("generateTransferHash",
		account.PredictedAddress, token, to, amount, zero, big.NewInt(0), allowance.Nonce)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := o.reader.CallContract(ctx, chain.CallMsg{To: o.network.AllowanceModule, Data: hashCalldata})
	if err != nil {
		return common.Hash{}, err
	}
	if len(out) < 32 {
		return common.Hash{}, xerrors.New(xerrors.CodeRPCUnavailable, "generateTransferHash 返回长度异常")
	}
	digest := common.BytesToHash(out[:32])

	sig, err := o.keys.SignHash(ctx, account.OwnerID, digest)
	if err != nil {
		return common.Hash{}, err
	}

	execCalldata, err := allowanceModuleABI.Pack("executeAllowanceTransfer",
		account.PredictedAddress, token, to, amount, zero, big.NewInt(0), delegate, sig[:])
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := o.relayer.Submit(ctx, o.network.AllowanceModule, execCalldata, nil)
	if err != nil {
		return common.Hash{}, err
	}

	logger.L().Info("限额转账确认",
		"account_id", accountID,
		"token", token.Hex(),
		"to", to.Hex(),
		"amount", amount,
		"tx_hash", receipt.TxHash.Hex(),
	)
	return receipt.TxHash, nil
}

// TransferToken 执行免 gas 的 ERC-20 转账。额度内走 Allowance Module
// 快速路径；模块未启用或额度不足时回退到完整的 Safe 执行路径。
func (o *Orchestrator) TransferToken(ctx context.Context, accountID string, token, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}

	txHash, err := o.AllowanceTransfer(ctx, accountID, token, to, amount)
	if err == nil {
		return txHash, nil
	}
	if xerrors.CodeOf(err) != CodeCapabilityUnsupported {
		return common.Hash{}, err
	}

	// 回退: 通过 Safe 本体执行 ERC-20 transfer。
	transferData, packErr := erc20ABI.Pack("transfer", to, amount)
	if packErr != nil {
		return common.Hash{}, packErr
	}
	record, execErr := o.Execute(ctx, accountID, []Call{
		{To: token, Value: new(big.Int), Data: transferData},
	})
	if execErr != nil {
		return common.Hash{}, execErr
	}
	return record.TxHash, nil
}
