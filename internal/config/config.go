package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 描述了 codeactd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Chains    ChainsConfig    `json:"chains"`
	Explorer  ExplorerConfig  `json:"explorer"`
	Agent     AgentConfig     `json:"agent"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务与会话记录的持久化后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Retries                int    `json:"retries"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// TaskQueueConfig 描述任务队列驱动及其连接参数。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数，同时供队列与 ABI 缓存使用。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string          `json:"provider"`
	Anthropic AnthropicConfig `json:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai"`
}

// AnthropicConfig 描述调用 Anthropic Messages API 所需的信息。
type AnthropicConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// OpenAIConfig 描述调用 OpenAI Chat Completions API 所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ChainsConfig 指向链定义文件并声明默认链。
type ChainsConfig struct {
	ConfigPath   string `json:"config_path"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// ExplorerConfig 描述合约浏览器 API（Etherscan 兼容）的访问方式。
type ExplorerConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	CacheDriver    string `json:"cache_driver"`
	CacheTTLHours  int    `json:"cache_ttl_hours"`
}

// AgentConfig 控制智能体推理循环的行为。
type AgentConfig struct {
	MemoryDepth       int `json:"memory_depth"`
	MaxSteps          int `json:"max_steps"`
	MaxEventBlockSpan int `json:"max_event_block_span"`
	LLMTimeoutSeconds int `json:"llm_timeout_seconds"`
}

// KnowledgeConfig 指定静态知识库文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AuthConfig 控制 API 的访问令牌校验。
type AuthConfig struct {
	Mode   string   `json:"mode"`
	Tokens []string `json:"tokens"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// 环境变量名称沿用原始演示工程的约定。
const (
	EnvRPCURL          = "RPC_URL"
	EnvExplorerAPIKey  = "ETHERSCAN_API_KEY"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
)

// Load 负责解析指定路径的 JSON 配置文件，并应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	// .env 文件可选，缺失时静默跳过。
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

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
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = EnvAnthropicAPIKey
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = EnvOpenAIAPIKey
	}

	if c.Chains.ConfigPath != "" && !filepath.IsAbs(c.Chains.ConfigPath) {
		c.Chains.ConfigPath = filepath.Join(baseDir, c.Chains.ConfigPath)
	}

	if c.Explorer.BaseURL == "" {
		c.Explorer.BaseURL = "https://api.etherscan.io/v2/api"
	}
	if c.Explorer.APIKeyEnv == "" {
		c.Explorer.APIKeyEnv = EnvExplorerAPIKey
	}
	if c.Explorer.TimeoutSeconds <= 0 {
		c.Explorer.TimeoutSeconds = 15
	}
	if c.Explorer.CacheDriver == "" {
		c.Explorer.CacheDriver = "memory"
	}
	if c.Explorer.CacheTTLHours <= 0 {
		c.Explorer.CacheTTLHours = 24
	}

	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 8
	}
	if c.Agent.MaxEventBlockSpan <= 0 {
		c.Agent.MaxEventBlockSpan = 10_000
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// applyEnvOverrides 让环境变量优先于配置文件，保持与原始演示一致的体验。
func (c *Config) applyEnvOverrides() {
	if rpc := strings.TrimSpace(os.Getenv(EnvRPCURL)); rpc != "" {
		c.Chains.RPCURL = rpc
	}
	if key := strings.TrimSpace(os.Getenv(c.Explorer.APIKeyEnv)); key != "" {
		c.Explorer.APIKey = key
	}
}

// Validate 在启动前做快速失败检查。
func (c *Config) Validate() error {
	if c.Chains.ConfigPath == "" && strings.TrimSpace(c.Chains.RPCURL) == "" {
		return fmt.Errorf("缺少链 RPC 配置: 请设置 %s 环境变量或 chains.config_path", EnvRPCURL)
	}
	if strings.TrimSpace(c.Explorer.APIKey) == "" {
		return fmt.Errorf("缺少浏览器 API Key: 请设置 %s 环境变量或 explorer.api_key", c.Explorer.APIKeyEnv)
	}
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
			return errors.New("mysql 任务存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.Auth.Mode {
	case "disabled", "static":
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	return nil
}

// Timeout 返回 Anthropic 调用超时时间。
func (c AnthropicConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout 返回 OpenAI 调用超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout 返回浏览器 API 的调用超时时间。
func (c ExplorerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL 返回 ABI 缓存的过期时间。
func (c ExplorerConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// LLMTimeout 返回智能体等待大模型的超时时间。
func (c AgentConfig) LLMTimeout() time.Duration {
	if c.LLMTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}
