package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultCacheName 与最初部署时使用的缓存桶名称保持一致，避免升级后整桶失效。
const DefaultCacheName = "lab-7-starter"

// DefaultRecipeURLs 是未配置 RecipeURLs 时使用的内置菜谱列表。
var DefaultRecipeURLs = []string{
	"https://introweb.tech/assets/json/1_50-thanksgiving-side-dishes.json",
	"https://introweb.tech/assets/json/2_roasting-turkey-breast-with-stuffing.json",
	"https://introweb.tech/assets/json/3_moms-cornbread-stuffing.json",
	"https://introweb.tech/assets/json/4_50-indulgent-thanksgiving-side-dishes-for-any-holiday-gathering.json",
	"https://introweb.tech/assets/json/5_healthy-thanksgiving-recipe-crockpot-turkey-breast.json",
	"https://introweb.tech/assets/json/6_one-pot-thanksgiving-dinner.json",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("FetchConcurrency", 1)
	v.SetDefault("CacheName", DefaultCacheName)
	v.SetDefault("AgentScope", "/")
	v.SetDefault("AgentScript", "/sw.js")
	v.SetDefault("KeyValue.Backend", BackendFile)
	v.SetDefault("KeyValue.Key", "recipes")
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}

	if len(cfg.Recipes.URLs) == 0 {
		cfg.Recipes.URLs = append([]string(nil), DefaultRecipeURLs...)
	}
	trimAll(cfg.Recipes.URLs)
	if cfg.Recipes.FetchConcurrency == 0 {
		cfg.Recipes.FetchConcurrency = 1
	}

	a := &cfg.Agent
	trimAll(a.PrecacheURLs)
	if strings.TrimSpace(a.CacheName) == "" {
		a.CacheName = DefaultCacheName
	}
	if a.Scope == "" {
		a.Scope = "/"
	}
	if a.Script == "" {
		a.Script = "/sw.js"
	}

	kv := &cfg.KeyValue
	kv.Backend = strings.ToLower(strings.TrimSpace(kv.Backend))
	if kv.Backend == "" {
		kv.Backend = BackendFile
	}
	if kv.Key == "" {
		kv.Key = "recipes"
	}
}

func trimAll(values []string) {
	for i, raw := range values {
		values[i] = strings.TrimSpace(raw)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, fmt.Errorf("无法解析 Duration 字段: %w", err)
			}
			return d, nil
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
