package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config 描述了 OpenWallet 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Chains  ChainsConfig  `json:"chains"`
	Relayer RelayerConfig `json:"relayer"`
	Auth    AuthConfig    `json:"auth"`
	Queue   QueueConfig   `json:"queue"`
	Worker  WorkerConfig  `json:"worker"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	WalletStore WalletStoreConfig `json:"wallet_store"`
	Redis       RedisConfig       `json:"redis"`
}

// WalletStoreConfig 选择账户与交易记录的持久化后端。
type WalletStoreConfig struct {
	Driver string `json:"driver"` // memory | mysql
	DSN    string `json:"dsn"`
}

// RedisConfig 描述 Redis 连接，用于 nonce 协调与部署队列。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ChainsConfig 指向网络定义文件，并列出启用的网络。
type ChainsConfig struct {
	DefinitionsPath string   `json:"definitions_path"`
	Enabled         []string `json:"enabled"`
}

// RelayerConfig 描述代付 gas 的中继账户。私钥优先从环境变量读取，
// 避免写进配置文件。
type RelayerConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	PrivateKey    string `json:"private_key,omitempty"`
	// MinBalanceWei 低于该余额时拒绝代付并告警。
	MinBalanceWei string `json:"min_balance_wei"`
}

// ResolvePrivateKey 返回中继私钥的十六进制形式。
func (r RelayerConfig) ResolvePrivateKey() (string, error) {
	if r.PrivateKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(r.PrivateKeyEnv)); v != "" {
			return v, nil
		}
	}
	if key := strings.TrimSpace(r.PrivateKey); key != "" {
		return key, nil
	}
	return "", errors.New("未配置中继私钥")
}

// AuthConfig 描述服务端授权密钥（P-256，base64 DER，可多把共存轮换）。
type AuthConfig struct {
	AuthorizationKeys []string `json:"authorization_keys"`
	// AuthorizationKeyEnv 指定的环境变量可追加一把密钥。
	AuthorizationKeyEnv string `json:"authorization_key_env"`
}

// ResolveKeys 返回全部授权私钥。
func (a AuthConfig) ResolveKeys() []string {
	keys := append([]string(nil), a.AuthorizationKeys...)
	if a.AuthorizationKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(a.AuthorizationKeyEnv)); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// QueueConfig 选择部署队列的后端。
type QueueConfig struct {
	Driver   string         `json:"driver"` // memory | redis | rabbitmq
	Queue    string         `json:"queue"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// WorkerConfig 控制部署 Worker 的并发与重试。
type WorkerConfig struct {
	Count      int `json:"count"`
	MaxRetries int `json:"max_retries"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.WalletStore.Driver == "" {
		c.Storage.WalletStore.Driver = "memory"
	}

	if c.Chains.DefinitionsPath == "" {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, "networks.yaml")
	} else if !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if len(c.Chains.Enabled) == 0 {
		c.Chains.Enabled = []string{"base-mainnet"}
	}

	if c.Relayer.PrivateKeyEnv == "" {
		c.Relayer.PrivateKeyEnv = "OPENWALLET_RELAYER_KEY"
	}
	if c.Relayer.MinBalanceWei == "" {
		// 0.01 ETH
		c.Relayer.MinBalanceWei = "10000000000000000"
	}

	if c.Auth.AuthorizationKeyEnv == "" {
		c.Auth.AuthorizationKeyEnv = "OPENWALLET_AUTH_KEY"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Worker.Count <= 0 {
		c.Worker.Count = 4
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
