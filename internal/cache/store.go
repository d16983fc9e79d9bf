package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理按名称区分的缓存桶，整个进程复用一份实例。
type Storage interface {
	// Open 返回指定名称的缓存桶，不存在时自动创建。
	Open(ctx context.Context, name string) (NamedCache, error)
}

// NamedCache 是单个缓存桶，保存 request → response 快照。
type NamedCache interface {
	// Name 返回桶名称。
	Name() string

	// Match 查找与请求身份一致的响应，未命中返回 ErrNotFound。返回的 Body 需由调用方关闭。
	Match(ctx context.Context, req *http.Request) (*http.Response, error)

	// Put 读取 resp.Body 并整体替换该请求身份下的条目，调用结束后 Body 已被关闭。
	Put(ctx context.Context, req *http.Request, resp *http.Response) error

	// AddAll 抓取全部 URL，只有全部成功（2xx）才写入；任何一个失败都不会留下本批次的条目。
	AddAll(ctx context.Context, client Doer, urls []string) error

	// Keys 返回当前桶中所有条目的请求 URL，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Doer 抽象 http.Client，便于测试注入。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Snapshot 是落盘的响应元数据，正文单独存放。
type Snapshot struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Status     string            `json:"status"`
	Header     http.Header       `json:"header"`
	Vary       map[string]string `json:"vary,omitempty"`
	SizeBytes  int64             `json:"size_bytes"`
	StoredAt   time.Time         `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存未命中（包括条目损坏的情况）。
	ErrNotFound = errors.New("cache entry not found")
	// ErrUnsupportedMethod 表示请求方法不可缓存，仅支持 GET。
	ErrUnsupportedMethod = errors.New("cache: request method must be GET")
	// ErrPartialContent 表示 206 响应不可写入缓存。
	ErrPartialContent = errors.New("cache: partial content responses are not cacheable")
	// ErrVaryWildcard 表示响应带有 Vary: *，无法作为缓存条目。
	ErrVaryWildcard = errors.New("cache: response with Vary: * is not cacheable")
)
