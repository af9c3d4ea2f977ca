package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenWallet-Chain/internal/errors"
	"OpenWallet-Chain/internal/observability/alerting"
	"OpenWallet-Chain/pkg/logger"
)

// Deployer 定义 Worker 所需的钱包编排能力。
type Deployer interface {
	EnsureDeployed(ctx context.Context, accountID string) error
	ConfigureAllowance(ctx context.Context, accountID string, cfg AllowanceConfig) error
}

// Worker 消费部署队列，驱动账户走完部署与模块配置流程。
// 失败的任务按 Attempt 重投，超过上限或不可重试时派发告警。
type Worker struct {
	deployer    Deployer
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	maxRetries  int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	// allowance 非空时部署完成后自动配置 Allowance Module。
	allowance *AllowanceConfig
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithMaxRetries 设置单个任务的最大重投次数。
func WithMaxRetries(retries int) WorkerOption {
	return func(w *Worker) {
		if retries >= 0 {
			w.maxRetries = retries
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// WithDefaultAllowance 让 Worker 在部署完成后自动配置限额模块。
func WithDefaultAllowance(cfg AllowanceConfig) WorkerOption {
	return func(w *Worker) {
		copied := cfg
		w.allowance = &copied
	}
}

// NewWorker 构造部署 Worker。
func NewWorker(deployer Deployer, store Store, consumer Consumer, producer Producer, opts ...WorkerOption) *Worker {
	w := &Worker{
		deployer:    deployer,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxRetries:  3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w
}

// Start 启动部署处理循环，阻塞直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置部署消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.Handle)
}

// Handle 处理一条部署任务消息。返回 nil 表示消息已终结
// （成功、重投成功或终态失败），队列不需要再自动重投。
func (w *Worker) Handle(ctx context.Context, payload string) error {
	if w.deployer == nil || w.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "部署 Worker 未初始化")
	}
	job, err := DecodeJob(payload)
	if err != nil {
		// 无法解析的消息没有重投的意义。
		logger.L().Error("丢弃无法解析的部署消息", slog.Any("error", err))
		return nil
	}

	if err := w.deployer.EnsureDeployed(ctx, job.AccountID); err != nil {
		return w.handleFailure(ctx, job, err)
	}

	if w.allowance != nil {
		account, getErr := w.store.GetAccount(ctx, job.AccountID)
		if getErr != nil {
			return w.handleFailure(ctx, job, getErr)
		}
		if !account.State.AtLeast(StateModulesConfigured) {
			if cfgErr := w.deployer.ConfigureAllowance(ctx, job.AccountID, *w.allowance); cfgErr != nil {
				return w.handleFailure(ctx, job, cfgErr)
			}
		}
	}

	logger.Audit().Info("部署任务完成",
		slog.String("account_id", job.AccountID),
		slog.String("network", job.Network),
		slog.Int("attempt", job.Attempt),
	)
	return nil
}

func (w *Worker) handleFailure(ctx context.Context, job DeploymentJob, cause error) error {
	code := xerrors.CodeOf(cause)
	retryable := xerrors.RetryableError(cause)
	terminal := job.Attempt >= w.maxRetries || !retryable

	logger.Audit().Warn("部署任务失败",
		slog.String("account_id", job.AccountID),
		slog.String("network", job.Network),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_retries", w.maxRetries),
	)

	if !terminal {
		job.Attempt++
		encoded, encErr := EncodeJob(job)
		if encErr != nil {
			return encErr
		}
		if pubErr := w.producer.Publish(ctx, encoded); pubErr != nil {
			return fmt.Errorf("账户 %s 的部署任务重投失败: %w", job.AccountID, pubErr)
		}
		w.logDebug("部署任务已重新排队",
			slog.String("account_id", job.AccountID), slog.Int("attempt", job.Attempt))
		return nil
	}

	w.emitAlert(ctx, job, code, cause)
	return nil
}

// RecoveryScan 在启动时把停在中间状态的账户重新投入队列。
// 进程崩溃后部署可能停在任意一步，EnsureDeployed 的幂等性保证
// 重放是安全的。
func (w *Worker) RecoveryScan(ctx context.Context, limit int) (int, error) {
	if w.store == nil || w.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "部署 Worker 未初始化")
	}
	pending := []DeploymentState{
		StateUndeployed,
		StateDeployTxSubmitted,
		StateDeployedLocalView,
	}
	if w.allowance != nil {
		pending = append(pending, StateVisibleAcrossRPC)
	}
	accounts, err := w.store.ListAccounts(ctx, pending, limit)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, account := range accounts {
		payload, encErr := EncodeJob(DeploymentJob{
			AccountID: account.ID,
			Network:   account.Network,
		})
		if encErr != nil {
			continue
		}
		if pubErr := w.producer.Publish(ctx, payload); pubErr != nil {
			return requeued, fmt.Errorf("恢复扫描重投账户 %s 失败: %w", account.ID, pubErr)
		}
		requeued++
	}
	if requeued > 0 {
		logger.L().Info("恢复扫描完成", slog.Int("requeued", requeued))
	}
	return requeued, nil
}

func (w *Worker) logDebug(msg string, attrs ...slog.Attr) {
	if w.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		w.logger.Debug(msg, args...)
	}
}

func (w *Worker) emitAlert(ctx context.Context, job DeploymentJob, code xerrors.Code, cause error) {
	if w == nil || w.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AccountID:  job.AccountID,
		Network:    job.Network,
		Attempts:   job.Attempt,
		MaxRetries: w.maxRetries,
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("account_id", job.AccountID),
		)
	}
}
