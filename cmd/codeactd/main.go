package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"CodeAct-EVM/internal/agent"
	"CodeAct-EVM/internal/api"
	"CodeAct-EVM/internal/auth"
	"CodeAct-EVM/internal/config"
	"CodeAct-EVM/internal/evm/provider"
	"CodeAct-EVM/internal/explorer"
	"CodeAct-EVM/internal/knowledge"
	"CodeAct-EVM/internal/llm"
	"CodeAct-EVM/internal/llm/anthropic"
	"CodeAct-EVM/internal/llm/openai"
	"CodeAct-EVM/internal/observability/alerting"
	"CodeAct-EVM/internal/storage/mysql"
	"CodeAct-EVM/internal/task"
	"CodeAct-EVM/internal/tools"
	"CodeAct-EVM/pkg/logger"
)

// main 是 codeactd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("codeactd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CODEACT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "codeact.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 初始化链客户端。
	chains, err := provider.NewRegistry(ctx, cfg.Chains, uint64(cfg.Agent.MaxEventBlockSpan))
	if err != nil {
		return err
	}
	defer chains.Close()

	// 初始化合约浏览器客户端及 ABI 缓存。
	var abiCache explorer.Cache
	switch cfg.Explorer.CacheDriver {
	case "", "memory":
		abiCache = explorer.NewMemoryCache()
	case "redis":
		cache, err := explorer.NewRedisCache(explorer.RedisCacheConfig{
			Address:  cfg.TaskQueue.Redis.Address,
			Password: cfg.TaskQueue.Redis.Password,
			DB:       cfg.TaskQueue.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer cache.Close()
		abiCache = cache
	default:
		return fmt.Errorf("未知的 ABI 缓存驱动: %s", cfg.Explorer.CacheDriver)
	}

	explorerClient, err := explorer.NewClient(explorer.Config{
		BaseURL: cfg.Explorer.BaseURL,
		APIKey:  cfg.Explorer.APIKey,
		Timeout: cfg.Explorer.Timeout(),
	}, explorer.WithCache(abiCache, cfg.Explorer.CacheTTL()))
	if err != nil {
		return err
	}

	// 注册链上工具。
	registry := tools.NewRegistry()
	toolset := tools.NewEVMToolset(chains, explorerClient)
	if err := toolset.Register(registry); err != nil {
		return err
	}

	// 初始化会话记录存储。
	var conversationRepo mysql.ConversationRepository
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryConversationRepository(dataDir)
		if err != nil {
			return err
		}
		conversationRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLConversationRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.TaskStore.DSN,
			MaxOpenConns:    cfg.Storage.TaskStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TaskStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.TaskStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.TaskStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		conversationRepo = repo
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	if closer, ok := conversationRepo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// 初始化大模型客户端。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	ag := agent.New(
		llmClient,
		registry,
		chains,
		conversationRepo,
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithKnowledgeProvider(knowledgeProvider),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
	)

	// 初始化任务存储。
	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}

	// 初始化任务队列。
	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries)
	defer func() {
		if err := taskService.Close(); err != nil {
			log.Printf("关闭任务服务失败: %v", err)
		}
	}()

	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.L()),
		task.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务处理器异常退出: %v", err)
		}
	}()

	authSvc, err := auth.NewService(auth.Config{
		Mode:   cfg.Auth.Mode,
		Tokens: cfg.Auth.Tokens,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, taskService, ag, authSvc)
	return server.Start(ctx)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "anthropic":
		apiKey := strings.TrimSpace(cfg.LLM.Anthropic.APIKey)
		if apiKey == "" && cfg.LLM.Anthropic.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.Anthropic.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, fmt.Errorf("Anthropic provider 需要配置 api_key 或环境变量 %s", cfg.LLM.Anthropic.APIKeyEnv)
		}
		return anthropic.NewClient(anthropic.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
			Model:   cfg.LLM.Anthropic.Model,
			Timeout: cfg.LLM.Anthropic.Timeout(),
		})
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI provider 需要配置 api_key 或环境变量 %s", cfg.LLM.OpenAI.APIKeyEnv)
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
