package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供被拦截请求的 URL/方法/缓存桶与命中状态字段。
func RequestFields(method, url, cacheName string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"url":        url,
		"cache_name": cacheName,
		"cache_hit":  cacheHit,
	}
}

// StoreFields 描述持久化条目所在的后端与键。
func StoreFields(backend, key string) logrus.Fields {
	return logrus.Fields{
		"kv_backend": backend,
		"kv_key":     key,
	}
}
