package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/recipe-hub/recipe-hub/internal/config"
)

// Store 是持久化键值存储，值为序列化后的字符串。
type Store interface {
	// Get 返回键对应的值，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (string, error)
	// Set 整体替换键对应的值。
	Set(ctx context.Context, key, value string) error
}

// ErrNotFound 表示键不存在。
var ErrNotFound = errors.New("kv entry not found")

// Open 根据配置选择后端，file 后端落在 StoragePath 下。
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	kv := cfg.KeyValue
	switch kv.Backend {
	case "", config.BackendFile:
		return NewFileStore(cfg.Global.StoragePath)
	case config.BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     kv.RedisAddr,
			Password: kv.RedisPassword,
			DB:       kv.RedisDB,
			Prefix:   kv.RedisPrefix,
		})
	case config.BackendDynamoDB:
		return NewDynamoStore(ctx, DynamoOptions{
			Table:    kv.DynamoTable,
			Region:   kv.DynamoRegion,
			Endpoint: kv.DynamoEndpoint,
		})
	default:
		return nil, fmt.Errorf("unsupported kv backend %q", kv.Backend)
	}
}
