package recipes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/recipe-hub/recipe-hub/internal/kvstore"
	"github.com/recipe-hub/recipe-hub/internal/logging"
	"github.com/recipe-hub/recipe-hub/internal/version"
)

// DefaultKey 是持久化菜谱列表使用的键。
const DefaultKey = "recipes"

// Record 是一条菜谱文档，存储层只做聚合与序列化，不解析其结构。
type Record = json.RawMessage

// List 按 SourceLocation 声明顺序排列的菜谱列表，整体序列化为一个 JSON 数组。
type List []Record

// Doer 抽象 http.Client，便于测试注入。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError 表示某个来源地址抓取或解码失败，整批结果被丢弃。
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch recipe %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options 汇总 Store 的依赖，URLs 的顺序决定返回列表的顺序。
type Options struct {
	Client      Doer
	KV          kvstore.Store
	Key         string
	URLs        []string
	Concurrency int
	Backend     string
	Logger      *logrus.Logger
}

// Store 优先返回持久化的菜谱列表，缺失时抓取全部来源并整体写回。
type Store struct {
	client      Doer
	kv          kvstore.Store
	key         string
	urls        []string
	concurrency int
	backend     string
	logger      *logrus.Logger
}

// NewStore 校验依赖并构建 Store。
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.KV == nil {
		return nil, errors.New("kv store is required")
	}
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		client:      opts.Client,
		kv:          opts.KV,
		key:         key,
		urls:        append([]string(nil), opts.URLs...),
		concurrency: concurrency,
		backend:     opts.Backend,
		logger:      logger,
	}, nil
}

// URLs 返回来源地址副本。
func (s *Store) URLs() []string {
	return append([]string(nil), s.urls...)
}

// Get 返回菜谱列表。持久化条目存在时不发起任何网络请求；否则抓取全部来源，
// 任一失败返回 *FetchError 且不写入；全部成功后一次性写入再返回。
func (s *Store) Get(ctx context.Context) (List, error) {
	started := time.Now()
	fields := logging.StoreFields(s.backend, s.key)

	raw, err := s.kv.Get(ctx, s.key)
	switch {
	case err == nil && raw != "":
		var list List
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("decode persisted %s: %w", s.key, err)
		}
		fields["action"] = "recipes_load"
		fields["source"] = "store"
		fields["count"] = len(list)
		s.logger.WithFields(fields).Debug("recipes_loaded")
		return list, nil
	case err == nil, errors.Is(err, kvstore.ErrNotFound):
	default:
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}

	list, err := s.fetchAll(ctx)
	if err != nil {
		fields["action"] = "recipes_fetch"
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		s.logger.WithFields(fields).WithError(err).Error("recipes_fetch_failed")
		return nil, err
	}

	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.key, err)
	}
	if err := s.kv.Set(ctx, s.key, string(data)); err != nil {
		return nil, fmt.Errorf("persist %s: %w", s.key, err)
	}

	fields["action"] = "recipes_load"
	fields["source"] = "network"
	fields["count"] = len(list)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	s.logger.WithFields(fields).Info("recipes_loaded")
	return list, nil
}

// fetchAll 按并发上限抓取，结果写入各自下标，保证与来源顺序一致。
func (s *Store) fetchAll(ctx context.Context) (List, error) {
	records := make(List, len(s.urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, target := range s.urls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			record, err := s.fetchOne(gctx, target)
			if err != nil {
				return &FetchError{URL: target, Err: err}
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) fetchOne(ctx context.Context, target string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return record, nil
}
