package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenWallet-Chain/internal/chain"
	"OpenWallet-Chain/internal/chain/registry"
	"OpenWallet-Chain/internal/config"
	"OpenWallet-Chain/internal/observability/metrics"
	storageredis "OpenWallet-Chain/internal/storage/redis"
	"OpenWallet-Chain/internal/wallet"
	"OpenWallet-Chain/pkg/logger"
)

// main 是 OpenWallet 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openwalletd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENWALLET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openwallet.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  "info",
		Format: "json",
		Audit: logger.AuditConfig{
			Enabled:   true,
			Path:      filepath.Join(dataDir, "audit.log"),
			MaxSizeMB: 64,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭部署队列失败: %v", err)
		}
	}()

	chains, err := registry.New(ctx, registry.Config{
		DefinitionsPath: cfg.Chains.DefinitionsPath,
		DefaultNetwork:  cfg.Chains.Enabled[0],
	})
	if err != nil {
		return err
	}
	defer chains.Close()

	relayerKey, err := cfg.Relayer.ResolvePrivateKey()
	if err != nil {
		return err
	}
	minBalance, ok := new(big.Int).SetString(cfg.Relayer.MinBalanceWei, 10)
	if !ok {
		return fmt.Errorf("非法的 min_balance_wei: %s", cfg.Relayer.MinBalanceWei)
	}

	auth, err := wallet.LoadAuthorizationKeys(cfg.Auth.ResolveKeys())
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Storage.Redis.Address != "" {
		redisClient, err = storageredis.Open(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	signer := wallet.NewLocalHashSigner()
	var safeNonces wallet.SafeNonceLocker = wallet.NewMemorySafeNonceLocker()
	if redisClient != nil {
		safeNonces, err = wallet.NewRedisSafeNonceLocker(redisClient)
		if err != nil {
			return err
		}
	}
	orchestrators := make(map[string]*wallet.Orchestrator, len(cfg.Chains.Enabled))
	for _, networkID := range cfg.Chains.Enabled {
		reader, ok := chains.Reader(networkID)
		if !ok {
			return fmt.Errorf("网络 %s 没有配置 RPC 端点", networkID)
		}
		net, err := chains.Network(networkID)
		if err != nil {
			return err
		}

		relayer, err := buildRelayer(reader, relayerKey, minBalance, redisClient)
		if err != nil {
			return err
		}
		orch, err := wallet.NewOrchestrator(wallet.OrchestratorConfig{
			Network:    net,
			Reader:     reader,
			Store:      store,
			Keys:       signer,
			Relayer:    relayer,
			Auth:       auth,
			SafeNonces: safeNonces,
		})
		if err != nil {
			return err
		}
		orchestrators[networkID] = orch
	}

	service, err := wallet.NewService(store, queue, orchestrators)
	if err != nil {
		return err
	}

	worker := wallet.NewWorker(service, store, queue, queue,
		wallet.WithWorkerCount(cfg.Worker.Count),
		wallet.WithMaxRetries(cfg.Worker.MaxRetries),
		wallet.WithWorkerLogger(logger.Named("worker")),
	)

	// 上一次进程退出时停在中间状态的账户重新入队。
	if _, err := worker.RecoveryScan(ctx, 500); err != nil {
		log.Printf("恢复扫描失败: %v", err)
	}

	go func() {
		if err := metrics.StartServer(ctx, cfg.Server.Address); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("metrics 服务异常退出: %v", err)
		}
	}()

	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (wallet.Store, error) {
	switch cfg.Storage.WalletStore.Driver {
	case "", "memory":
		return wallet.NewMemoryStore(), nil
	case "mysql":
		return wallet.NewMySQLStore(ctx, cfg.Storage.WalletStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.WalletStore.Driver)
	}
}

func buildQueue(cfg *config.Config) (wallet.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return wallet.NewMemoryQueue(1024), nil
	case "redis":
		return wallet.NewRedisQueue(wallet.RedisQueueConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			Queue:     cfg.Queue.Queue,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return wallet.NewRabbitMQQueue(wallet.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// buildRelayer 为单个网络构建中继。多实例部署时 nonce 协调必须走
// Redis，单机开发退化为进程内协调。
func buildRelayer(reader chain.Reader, hexKey string, minBalance *big.Int, redisClient *redis.Client) (*wallet.Relayer, error) {
	if redisClient == nil {
		return wallet.NewRelayer(reader, hexKey, wallet.NewMemoryNonceCoordinator(), minBalance)
	}
	relayer, err := wallet.NewRelayer(reader, hexKey, wallet.NewMemoryNonceCoordinator(), minBalance)
	if err != nil {
		return nil, err
	}
	coord, err := wallet.NewRedisNonceCoordinator(redisClient, relayer.Address())
	if err != nil {
		return nil, err
	}
	return wallet.NewRelayer(reader, hexKey, coord, minBalance)
}
