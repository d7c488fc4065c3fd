package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/logging"
	"chaingraph/internal/retry"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 CHAINGRAPH_STORE_DSN
const EnvPrefix = "CHAINGRAPH"

// Config 主配置
type Config struct {
	Chain    *ChainConfig       `mapstructure:"chain" validate:"required"`
	Sync     *SyncConfig        `mapstructure:"sync" validate:"required"`
	Reorg    *ReorgConfig       `mapstructure:"reorg" validate:"required"`
	Skeleton *SkeletonConfig    `mapstructure:"skeleton" validate:"required"`
	Recovery *RecoveryConfig    `mapstructure:"recovery" validate:"required"`
	Decoder  *DecoderConfig     `mapstructure:"decoder" validate:"required"`
	Store    *StoreConfig       `mapstructure:"store" validate:"required"`
	Cursor   *CursorConfig      `mapstructure:"cursor" validate:"required"`
	Output   *OutputConfig      `mapstructure:"output" validate:"required"`
	API      *APIConfig         `mapstructure:"api" validate:"required"`
	Metrics  *MetricsConfig     `mapstructure:"metrics" validate:"required"`
	Logging  *logging.LogConfig `mapstructure:"logging" validate:"required"`
}

// ChainConfig 链节点配置
type ChainConfig struct {
	Nodes   []*NodeConfig     `mapstructure:"nodes" validate:"required,min=1,dive"`
	ChainID uint64            `mapstructure:"chain_id"`
	Timeout string            `mapstructure:"timeout"`
	Retry   retry.RetryConfig `mapstructure:"retry"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name" validate:"required"`
	URL       string `mapstructure:"url" validate:"required,url"`
	RateLimit int    `mapstructure:"rate_limit" validate:"gte=0"`
	Priority  int    `mapstructure:"priority"`
}

// SyncConfig 同步配置
type SyncConfig struct {
	StartBlock   uint64 `mapstructure:"start_block"`
	EndBlock     uint64 `mapstructure:"end_block"` // 0 表示追到当前链头
	Workers      int    `mapstructure:"workers" validate:"gte=1,lte=64"`
	ChunkSize    int    `mapstructure:"chunk_size" validate:"gte=1"`
	PollInterval string `mapstructure:"poll_interval"`
	NoSync       bool   `mapstructure:"no_sync"`

	IncludeTx        bool `mapstructure:"include_tx"`
	IncludeLogs      bool `mapstructure:"include_logs"`
	IncludeTransfers bool `mapstructure:"include_transfers"`
	IncludeTraces    bool `mapstructure:"include_traces"`
	ResolveNames     bool `mapstructure:"resolve_names"`
}

// ReorgConfig 重组处理配置
type ReorgConfig struct {
	MaxDepth uint64 `mapstructure:"max_depth" validate:"gte=1"`
}

// SkeletonConfig 骨架归一化配置
type SkeletonConfig struct {
	Strategy string `mapstructure:"strategy" validate:"required"`
}

// RecoveryConfig ABI恢复配置
type RecoveryConfig struct {
	Decompiler   string       `mapstructure:"decompiler" validate:"oneof=heimdall dispatch"`
	HeimdallPath string       `mapstructure:"heimdall_path"`
	WorkDir      string       `mapstructure:"work_dir"`
	Timeout      string       `mapstructure:"timeout"`
	MaxAttempts  int          `mapstructure:"max_attempts" validate:"gte=1"`
	SourceDir    string       `mapstructure:"source_dir"`
	CacheSize    int          `mapstructure:"cache_size" validate:"gte=0"`
	Redis        *RedisConfig `mapstructure:"redis" validate:"omitempty"`
}

// RedisConfig 共享骨架缓存
type RedisConfig struct {
	Host               string `mapstructure:"host" validate:"required,hostname|ip"`
	Port               string `mapstructure:"port" validate:"required,numeric"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db" validate:"gte=0"`
	UseTLS             bool   `mapstructure:"use_tls"`
	PoolSize           int    `mapstructure:"pool_size" validate:"gte=0"`
	MaxRetries         int    `mapstructure:"max_retries" validate:"gte=0"`
	DialTimeoutSeconds int    `mapstructure:"dial_timeout_seconds" validate:"gte=0"`
	KeyPrefix          string `mapstructure:"key_prefix"`
	TTLSeconds         int    `mapstructure:"ttl_seconds" validate:"gte=0"`
}

// DecoderConfig 签名解析配置
type DecoderConfig struct {
	FourByteAPIURL string `mapstructure:"fourbyte_api_url" validate:"omitempty,url"`
	APITimeout     string `mapstructure:"api_timeout"`
	EnableCache    bool   `mapstructure:"enable_cache"`
	CacheSize      int    `mapstructure:"cache_size" validate:"gte=0"`
	EnableAPI      bool   `mapstructure:"enable_api"`
}

// StoreConfig 图存储配置
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory bolt postgres"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
}

// CursorConfig 游标数据库
type CursorConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers" validate:"required,min=1"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format" validate:"oneof=kafka kafka_async file none"`
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka" validate:"required_if=Format kafka"`
}

// APIConfig 状态接口配置
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// MetricsConfig Prometheus 指标，挂在状态接口的 HTTP 服务上
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// LoadConfig 读取YAML，叠加环境变量后校验
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 单节点快捷方式
	if url := os.Getenv(EnvPrefix + "_NODE_URL"); url != "" {
		config.Chain.Nodes = []*NodeConfig{{Name: "env", URL: url, Priority: 1}}
	}

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// bindEnv 没有出现在配置文件里的键也能被环境变量覆盖
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"sync.start_block", "sync.end_block", "sync.workers", "sync.chunk_size", "sync.no_sync",
		"reorg.max_depth",
		"skeleton.strategy",
		"recovery.decompiler", "recovery.heimdall_path", "recovery.timeout", "recovery.source_dir",
		"recovery.cache_size",
		"store.backend", "store.path", "store.dsn",
		"cursor.path",
		"output.format",
		"api.enabled", "api.port",
		"metrics.enabled", "metrics.path",
		"logging.level", "logging.format", "logging.output",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate 按结构体标签校验
func Validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return syncerrors.WrapError(err, syncerrors.ErrorTypeConfig, syncerrors.SeverityCritical,
			syncerrors.CodeConfigInvalid, "配置校验失败")
	}
	return nil
}

// Duration 解析时长字符串，失败时使用默认值
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "", // 需要在YAML配置或环境变量中指定
					RateLimit: 1000,
					Priority:  1,
				},
			},
			Timeout: "30s",
			Retry:   retry.NetworkRetryConfig(),
		},
		Sync: &SyncConfig{
			Workers:          4,
			ChunkSize:        16,
			PollInterval:     "4s",
			IncludeTx:        true,
			IncludeLogs:      true,
			IncludeTransfers: true,
			IncludeTraces:    true,
		},
		Reorg: &ReorgConfig{
			MaxDepth: 64,
		},
		Skeleton: &SkeletonConfig{
			Strategy: "solc/v1",
		},
		Recovery: &RecoveryConfig{
			Decompiler:  "dispatch",
			Timeout:     "5s",
			MaxAttempts: 1,
			CacheSize:   10000,
		},
		Decoder: &DecoderConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			EnableCache:    true,
			CacheSize:      10000,
			EnableAPI:      true,
		},
		Store: &StoreConfig{
			Backend: "bolt",
			Path:    "./data/graph.db",
		},
		Cursor: &CursorConfig{
			Path: "./data/progress.db",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"reorg_notifications": "chaingraph_reorg_notifications",
					"block_commits":       "chaingraph_block_commits",
				},
			},
		},
		API: &APIConfig{
			Enabled: false,
			Port:    8080,
		},
		Metrics: &MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
