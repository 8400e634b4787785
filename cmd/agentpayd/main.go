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

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/bundler"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/chain/ethereum"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/engine"
	"AgentPay-Chain/internal/keyring"
	"AgentPay-Chain/internal/sessionkey"
	"AgentPay-Chain/internal/userop"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled:   cfg.Logging.AuditEnabled,
			Path:      cfg.Logging.AuditPath,
			MaxSizeMB: cfg.Logging.AuditMaxSizeMB,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 会话密钥存储。
	var store sessionkey.Store
	switch cfg.Storage.SessionStore.Driver {
	case "", "memory":
		store = sessionkey.NewMemoryStore()
	case "mysql":
		mysqlStore, err := sessionkey.NewMySQLStore(cfg.Storage.SessionStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.SessionStore.Driver)
	}
	if cfg.Storage.SessionCache.Enabled {
		cached, err := sessionkey.NewRedisCache(store, sessionkey.RedisCacheConfig{
			Address:  cfg.Storage.SessionCache.Address,
			Password: cfg.Storage.SessionCache.Password,
			DB:       cfg.Storage.SessionCache.DB,
			TTL:      time.Duration(cfg.Storage.SessionCache.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		store = cached
	}
	sessions := sessionkey.NewService(store)
	defer func() {
		_ = sessions.Close()
	}()

	// 链注册表与状态提供者。
	defs, err := chain.LoadDefinitions(cfg.Chain.RegistryPath)
	if err != nil {
		return err
	}
	def, ok := defs.Chains[cfg.Chain.Default]
	if !ok {
		return fmt.Errorf("链注册表中找不到默认链: %s", cfg.Chain.Default)
	}
	provider, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:    cfg.Chain.Default,
		RPCURL:  def.RPCURL,
		ChainID: big.NewInt(def.ChainID),
		Notes:   def.Description,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	entryPoint := cfg.Chain.EntryPoint
	if entryPoint == "" {
		entryPoint = def.EntryPoint
	}
	if entryPoint == "" {
		return errors.New("未配置入口合约地址")
	}

	// 密钥材料服务。
	var keys keyring.Signer
	switch cfg.Keyring.Driver {
	case "", "local":
		local, err := keyring.LoadDir(cfg.Keyring.Dir)
		if err != nil {
			return err
		}
		keys = local
	default:
		return fmt.Errorf("未知的密钥环驱动: %s", cfg.Keyring.Driver)
	}

	builder := userop.NewBuilder(provider)
	opSigner := userop.NewSigner(keys, common.HexToAddress(entryPoint), big.NewInt(def.ChainID))

	// bundler 客户端与提交通道。
	bundlerURL := cfg.Bundler.RPCURL
	if bundlerURL == "" {
		bundlerURL = def.BundlerURL
	}
	client, err := bundler.NewRPCClient(ctx, bundlerURL)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	submitter := bundler.NewSubmitter(client, common.HexToAddress(entryPoint))

	engineOpts := []engine.Option{engine.WithChainName(cfg.Chain.Default)}

	var queue bundler.Queue
	switch cfg.Bundler.Queue.Driver {
	case "", "memory":
		queue = bundler.NewMemoryQueue(1024)
	case "rabbitmq":
		rabbit, err := bundler.NewRabbitMQQueue(bundler.RabbitMQConfig{
			URL:        cfg.Bundler.Queue.URL,
			Queue:      cfg.Bundler.Queue.Queue,
			Prefetch:   cfg.Bundler.Queue.Prefetch,
			Durable:    cfg.Bundler.Queue.Durable,
			AutoDelete: cfg.Bundler.Queue.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbit
		engineOpts = append(engineOpts, engine.WithSubmitQueue(rabbit))
	default:
		return fmt.Errorf("未知的提交队列驱动: %s", cfg.Bundler.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭提交队列失败: %v", err)
		}
	}()

	worker := bundler.NewWorker(submitter, queue, bundler.WithSubmitWorkers(2))
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("提交工作器异常退出: %v", err)
		}
	}()

	eng := engine.New(sessions, builder, opSigner, submitter, engineOpts...)

	server := api.NewServer(cfg.Server.Address, eng, sessions)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
