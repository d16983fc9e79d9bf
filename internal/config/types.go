package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 兼容 Go Duration 字符串（"30s"、"5m"）与纯数字秒值（"30"、"1.5"）。
type Duration time.Duration

// UnmarshalText 解析配置中的时长写法，TOML 字符串经 durationDecodeHook 转到这里。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// KeyValue 后端类型。
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// RecipeConfig 声明要抓取的菜谱地址以及持久化时使用的键。
type RecipeConfig struct {
	// URLs 的顺序即最终菜谱列表的顺序。
	URLs             []string `mapstructure:"RecipeURLs"`
	FetchConcurrency int      `mapstructure:"FetchConcurrency"`
}

// AgentConfig 控制拦截代理的命名缓存、预缓存列表与注册作用域。
type AgentConfig struct {
	CacheName string `mapstructure:"CacheName"`
	// PrecacheURLs 为空时回退到 RecipeURLs。
	PrecacheURLs []string `mapstructure:"PrecacheURLs"`
	Scope        string   `mapstructure:"AgentScope"`
	Script       string   `mapstructure:"AgentScript"`
}

// KeyValueConfig 选择持久化 "recipes" 条目的存储后端。
type KeyValueConfig struct {
	Backend        string `mapstructure:"Backend"`
	Key            string `mapstructure:"Key"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	RedisPrefix    string `mapstructure:"RedisPrefix"`
	DynamoTable    string `mapstructure:"DynamoTable"`
	DynamoRegion   string `mapstructure:"DynamoRegion"`
	DynamoEndpoint string `mapstructure:"DynamoEndpoint"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Recipes  RecipeConfig   `mapstructure:",squash"`
	Agent    AgentConfig    `mapstructure:",squash"`
	KeyValue KeyValueConfig `mapstructure:"KeyValue"`
}

// EffectivePrecacheURLs 返回安装阶段需要预缓存的地址列表，未显式配置时沿用菜谱地址。
func (c *Config) EffectivePrecacheURLs() []string {
	if len(c.Agent.PrecacheURLs) > 0 {
		return append([]string(nil), c.Agent.PrecacheURLs...)
	}
	return append([]string(nil), c.Recipes.URLs...)
}

// SourceSummary 输出日志用的来源摘要，例如 file:recipes。
func (c *Config) SourceSummary() string {
	return fmt.Sprintf("%s:%s", c.KeyValue.Backend, c.KeyValue.Key)
}
