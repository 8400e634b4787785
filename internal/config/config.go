package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentPay 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Chain   ChainConfig   `json:"chain"`
	Bundler BundlerConfig `json:"bundler"`
	Keyring KeyringConfig `json:"keyring"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述会话密钥存储与缓存后端的连接信息。
type StorageConfig struct {
	SessionStore SessionStoreConfig `json:"session_store"`
	SessionCache SessionCacheConfig `json:"session_cache"`
}

// SessionStoreConfig 描述会话密钥的持久化后端。
type SessionStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SessionCacheConfig 描述基于 Redis 的只读会话缓存。
type SessionCacheConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ChainConfig 指向链注册表文件以及默认链。
type ChainConfig struct {
	RegistryPath string `json:"registry_path"`
	Default      string `json:"default"`
	EntryPoint   string `json:"entry_point"`
}

// BundlerConfig 描述操作提交端点与批量提交队列。
type BundlerConfig struct {
	RPCURL string            `json:"rpc_url"`
	Queue  SubmitQueueConfig `json:"queue"`
}

// SubmitQueueConfig 描述批量提交使用的 RabbitMQ 队列。
type SubmitQueueConfig struct {
	Driver     string `json:"driver"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// KeyringConfig 描述签名材料服务的接入方式。
type KeyringConfig struct {
	Driver string `json:"driver"`
	Dir    string `json:"dir"`
}

// LoggingConfig 控制结构化日志与审计日志。
type LoggingConfig struct {
	Level          string `json:"level"`
	Format         string `json:"format"`
	AuditEnabled   bool   `json:"audit_enabled"`
	AuditPath      string `json:"audit_path"`
	AuditMaxSizeMB int    `json:"audit_max_size_mb"`
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
		c.Server.Address = ":8090"
	}

	if c.Storage.SessionStore.Driver == "" {
		c.Storage.SessionStore.Driver = "memory"
	}
	if c.Storage.SessionCache.TTLSeconds <= 0 {
		c.Storage.SessionCache.TTLSeconds = 30
	}

	if c.Chain.RegistryPath == "" {
		c.Chain.RegistryPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.RegistryPath) {
		c.Chain.RegistryPath = filepath.Join(baseDir, c.Chain.RegistryPath)
	}
	if c.Chain.Default == "" {
		c.Chain.Default = "base-sepolia"
	}

	if c.Bundler.Queue.Driver == "" {
		c.Bundler.Queue.Driver = "memory"
	}
	if c.Bundler.Queue.Queue == "" {
		c.Bundler.Queue.Queue = "agentpay.userops"
	}

	if c.Keyring.Driver == "" {
		c.Keyring.Driver = "local"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
