package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"llmblast/internal/auth"
	"llmblast/internal/llm"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "LLMBLAST_CONFIG"

// DefaultPath 是未设置 LLMBLAST_CONFIG 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "llmblast.yaml")

// Config 描述了 llmblast 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
	LLM      LLMConfig      `yaml:"llm"`
	Job      JobConfig      `yaml:"job"`
	Alerting AlertingConfig `yaml:"alerting"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// MetricsConfig 为空地址时指标只挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LLMConfig 描述各 provider 的凭据与默认模型。
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	EnvFile         string                    `yaml:"env_file"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig 中 APIKey 优先，留空时读取 APIKeyEnv 指定的环境变量。
type ProviderConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	Endpoint  string `yaml:"endpoint"`
}

// JobConfig 描述异步批次任务的存储、队列与并发。
type JobConfig struct {
	Workers  int            `yaml:"workers"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// RecoveryConfig 控制启动时对遗留任务的处理。
type RecoveryConfig struct {
	Enabled     bool `yaml:"enabled"`
	FailRunning bool `yaml:"fail_running"`
}

// StoreConfig 支持 memory 与 mysql 两种驱动。
type StoreConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (s StoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// QueueConfig 支持 memory、redis 与 rabbitmq 三种驱动。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// BlockWait 返回 BRPOP 的阻塞时长。
func (r RedisConfig) BlockWait() time.Duration {
	return time.Duration(r.BlockWaitSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AlertingConfig 为空 WebhookURL 时只输出日志告警。
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AuthConfig 中 mode 为 token 时，除 /healthz 外的接口都需要 Bearer 令牌。
type AuthConfig struct {
	Mode   string            `yaml:"mode"`
	Tokens []AuthTokenConfig `yaml:"tokens"`
}

// AuthTokenConfig 中 Token 优先，留空时读取 TokenEnv 指定的环境变量。
type AuthTokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	TokenEnv    string   `yaml:"token_env"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// Timeout 返回 webhook 调用超时。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// PathFromEnv 返回 LLMBLAST_CONFIG 或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML 配置文件。
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

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(content)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyDefaults(baseDir)
	if err := LoadEnvFile(cfg.LLM.EnvFile); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFile 加载 dotenv 文件，文件不存在时忽略。已存在的环境变量不会被覆盖。
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("加载 env 文件 %s 失败: %w", path, err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = llm.KindOpenAIChat.String()
	}
	if c.LLM.EnvFile == "" {
		c.LLM.EnvFile = filepath.Join(baseDir, ".env")
	} else if !filepath.IsAbs(c.LLM.EnvFile) {
		c.LLM.EnvFile = filepath.Join(baseDir, c.LLM.EnvFile)
	}
	if c.LLM.Providers == nil {
		c.LLM.Providers = make(map[string]ProviderConfig)
	}
	openai := c.LLM.Providers[llm.KindOpenAIChat.String()]
	if openai.Model == "" {
		openai.Model = "gpt-4o-mini"
	}
	if openai.APIKeyEnv == "" {
		openai.APIKeyEnv = "OPENAI_API_KEY"
	}
	c.LLM.Providers[llm.KindOpenAIChat.String()] = openai
	anthropic := c.LLM.Providers[llm.KindAnthropicMessages.String()]
	if anthropic.APIKeyEnv == "" {
		anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	c.LLM.Providers[llm.KindAnthropicMessages.String()] = anthropic

	if c.Job.Workers <= 0 {
		c.Job.Workers = 4
	}
	if c.Job.Store.Driver == "" {
		c.Job.Store.Driver = "memory"
	}
	if c.Job.Queue.Driver == "" {
		c.Job.Queue.Driver = "memory"
	}
	if c.Job.Queue.Size <= 0 {
		c.Job.Queue.Size = 1024
	}
	if c.Job.Queue.Redis.Queue == "" {
		c.Job.Queue.Redis.Queue = "llmblast:jobs"
	}
	if c.Job.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Job.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Job.Queue.RabbitMQ.Queue == "" {
		c.Job.Queue.RabbitMQ.Queue = "llmblast.jobs"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// applyEnv 使用 LLMBLAST_* 环境变量覆盖文件中的配置。
func (c *Config) applyEnv() error {
	overrides := map[string]*string{
		"LLMBLAST_SERVER_ADDRESS":   &c.Server.Address,
		"LLMBLAST_METRICS_ADDRESS":  &c.Metrics.Address,
		"LLMBLAST_LOG_LEVEL":        &c.Log.Level,
		"LLMBLAST_DEFAULT_PROVIDER": &c.LLM.DefaultProvider,
		"LLMBLAST_JOB_STORE_DRIVER": &c.Job.Store.Driver,
		"LLMBLAST_JOB_STORE_DSN":    &c.Job.Store.DSN,
		"LLMBLAST_JOB_QUEUE_DRIVER": &c.Job.Queue.Driver,
		"LLMBLAST_REDIS_ADDRESS":    &c.Job.Queue.Redis.Address,
		"LLMBLAST_RABBITMQ_URL":     &c.Job.Queue.RabbitMQ.URL,
		"LLMBLAST_ALERT_WEBHOOK":    &c.Alerting.WebhookURL,
		"LLMBLAST_AUTH_MODE":        &c.Auth.Mode,
	}
	for key, target := range overrides {
		if value, ok := os.LookupEnv(key); ok {
			*target = strings.TrimSpace(value)
		}
	}
	if raw, ok := os.LookupEnv("LLMBLAST_JOB_WORKERS"); ok {
		workers, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || workers <= 0 {
			return fmt.Errorf("LLMBLAST_JOB_WORKERS 必须是正整数: %q", raw)
		}
		c.Job.Workers = workers
	}
	return nil
}

// Validate 检查驱动名称与默认 provider 是否受支持。
func (c *Config) Validate() error {
	if _, err := llm.ParseKind(c.LLM.DefaultProvider); err != nil {
		return fmt.Errorf("llm.default_provider: %w", err)
	}
	for name := range c.LLM.Providers {
		if _, err := llm.ParseKind(name); err != nil {
			return fmt.Errorf("llm.providers: %w", err)
		}
	}
	switch c.Job.Store.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Job.Store.DSN) == "" {
			return errors.New("job.store.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Job.Store.Driver)
	}
	switch c.Job.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Job.Queue.Redis.Address) == "" {
			return errors.New("job.queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Job.Queue.RabbitMQ.URL) == "" {
			return errors.New("job.queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Job.Queue.Driver)
	}
	if _, ok := auth.ParseMode(c.Auth.Mode); !ok {
		return fmt.Errorf("未知的认证方式: %s", c.Auth.Mode)
	}
	return nil
}

// AuthSettings 解析令牌明文并返回认证服务配置。
func (c *Config) AuthSettings() auth.Config {
	mode, _ := auth.ParseMode(c.Auth.Mode)
	settings := auth.Config{Mode: mode}
	for _, token := range c.Auth.Tokens {
		secret := strings.TrimSpace(token.Token)
		if secret == "" && token.TokenEnv != "" {
			secret = strings.TrimSpace(os.Getenv(token.TokenEnv))
		}
		settings.Tokens = append(settings.Tokens, auth.Token{
			Name:        token.Name,
			Secret:      secret,
			Permissions: append([]string(nil), token.Permissions...),
			Disabled:    token.Disabled,
		})
	}
	return settings
}

// ProviderSettings 返回某个 provider 的配置，名称支持别名。
func (c *Config) ProviderSettings(kind llm.Kind) ProviderConfig {
	return c.LLM.Providers[kind.String()]
}

// ResolveAPIKey 返回配置中的字面密钥，未配置时读取对应的环境变量。
func (c *Config) ResolveAPIKey(kind llm.Kind) string {
	settings := c.ProviderSettings(kind)
	if key := strings.TrimSpace(settings.APIKey); key != "" {
		return key
	}
	if settings.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(settings.APIKeyEnv))
	}
	return ""
}

// ResolveProvider 构造指定 provider 的描述符，model 为空时使用配置中的默认模型。
// 密钥缺失不会报错，由远端 API 在调用时拒绝。
func (c *Config) ResolveProvider(name, model string) (llm.Provider, error) {
	if strings.TrimSpace(name) == "" {
		name = c.LLM.DefaultProvider
	}
	kind, err := llm.ParseKind(name)
	if err != nil {
		return llm.Provider{}, err
	}
	if strings.TrimSpace(model) == "" {
		model = c.ProviderSettings(kind).Model
	}
	return llm.NewProvider(kind, model, c.ResolveAPIKey(kind)), nil
}
