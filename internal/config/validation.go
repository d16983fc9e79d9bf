package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Recipes.URLs) == 0 {
		return newFieldError("RecipeURLs", "至少需要一个地址")
	}
	if err := validateURLList("RecipeURLs", c.Recipes.URLs); err != nil {
		return err
	}
	if c.Recipes.FetchConcurrency < 1 {
		return newFieldError("FetchConcurrency", "必须大于 0")
	}

	if strings.TrimSpace(c.Agent.CacheName) == "" {
		return newFieldError("CacheName", "不能为空")
	}
	if strings.ContainsAny(c.Agent.CacheName, `/\`) {
		return newFieldError("CacheName", "不允许包含路径分隔符")
	}
	if err := validateURLList("PrecacheURLs", c.Agent.PrecacheURLs); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Agent.Scope, "/") {
		return newFieldError("AgentScope", "必须以 / 开头")
	}
	if !strings.HasPrefix(c.Agent.Script, "/") {
		return newFieldError("AgentScript", "必须以 / 开头")
	}

	return validateKeyValue(c.KeyValue)
}

func validateKeyValue(kv KeyValueConfig) error {
	if strings.TrimSpace(kv.Key) == "" {
		return newFieldError("KeyValue.Key", "不能为空")
	}
	switch kv.Backend {
	case BackendFile:
	case BackendRedis:
		if kv.RedisAddr == "" {
			return newFieldError("KeyValue.RedisAddr", "redis 后端必须配置地址")
		}
		if kv.RedisDB < 0 {
			return newFieldError("KeyValue.RedisDB", "不能为负数")
		}
	case BackendDynamoDB:
		if kv.DynamoTable == "" {
			return newFieldError("KeyValue.DynamoTable", "dynamodb 后端必须配置表名")
		}
		if kv.DynamoEndpoint != "" {
			if err := validateUpstream(kv.DynamoEndpoint); err != nil {
				return fmt.Errorf("KeyValue.DynamoEndpoint: %w", err)
			}
		}
	default:
		return newFieldError("KeyValue.Backend", "仅支持 file|redis|dynamodb")
	}
	return nil
}

// validateURLList 要求每个地址均为绝对 http(s) URL，且列表内不重复。
func validateURLList(field string, urls []string) error {
	seen := make(map[string]struct{}, len(urls))
	for i, raw := range urls {
		if err := validateUpstream(raw); err != nil {
			return fmt.Errorf("%s: %w", listField(field, i), err)
		}
		if _, exists := seen[raw]; exists {
			return newFieldError(listField(field, i), "重复")
		}
		seen[raw] = struct{}{}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少 URL")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("无效 URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host")
	}
	return nil
}
