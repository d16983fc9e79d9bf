package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".json"
	bucketRoot = "caches"
)

// BucketDir 返回 basePath 下名为 name 的缓存桶目录，与 NewStorage 的布局一致。
func BucketDir(basePath, name string) (string, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return filepath.Join(abs, bucketRoot, name), nil
}

// NewStorage 以 basePath/caches 为根目录构建缓存桶集合，整站复用一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	root := filepath.Join(abs, bucketRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: root,
		buckets:  make(map[string]*fileCache),
	}, nil
}

type fileStorage struct {
	basePath string

	mu      sync.Mutex
	buckets map[string]*fileCache
}

func (s *fileStorage) Open(ctx context.Context, name string) (NamedCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.buckets[name]; ok {
		return bucket, nil
	}

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache bucket %s: %w", name, err)
	}
	bucket := &fileCache{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
		now:   time.Now,
	}
	s.buckets[name] = bucket
	return bucket, nil
}

// fileCache 通过 entryLock 避免同一请求身份并发读写，正文与元数据分文件存放。
type fileCache struct {
	name string
	dir  string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}
	if requestMethod(req) != http.MethodGet {
		return nil, ErrNotFound
	}

	key, rawURL := identity(req)
	unlock := c.lockEntry(key)
	defer unlock()

	snapshot, err := c.readSnapshot(key)
	if err != nil {
		return nil, err
	}
	if snapshot.URL != rawURL || !varyMatches(snapshot.Vary, req.Header) {
		return nil, ErrNotFound
	}

	body, err := os.Open(c.entryPath(key, bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	header := snapshot.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := snapshot.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", snapshot.StatusCode, http.StatusText(snapshot.StatusCode))
	}

	return &http.Response{
		Status:        status,
		StatusCode:    snapshot.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: snapshot.SizeBytes,
		Request:       req,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	entry, err := c.stage(ctx, req, resp)
	if err != nil {
		return err
	}
	return c.commit(entry)
}

// stagedEntry 是已写入临时文件、尚未对外可见的条目。
type stagedEntry struct {
	key      string
	url      string
	bodyTemp string
	metaTemp string
}

func (e *stagedEntry) discard() {
	os.Remove(e.bodyTemp)
	os.Remove(e.metaTemp)
}

// stage 校验请求与响应并把正文、元数据写入临时文件，不改变已有条目。
func (c *fileCache) stage(ctx context.Context, req *http.Request, resp *http.Response) (*stagedEntry, error) {
	if resp == nil {
		return nil, errors.New("cache: nil response")
	}
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	defer body.Close()

	if req == nil || req.URL == nil {
		return nil, errors.New("cache: request url required")
	}
	if requestMethod(req) != http.MethodGet {
		return nil, ErrUnsupportedMethod
	}
	if resp.StatusCode == http.StatusPartialContent {
		return nil, ErrPartialContent
	}
	vary, err := varySnapshot(req.Header, resp.Header)
	if err != nil {
		return nil, err
	}

	key, rawURL := identity(req)

	tempBody, err := os.CreateTemp(c.dir, ".body-*")
	if err != nil {
		return nil, err
	}
	entry := &stagedEntry{key: key, url: rawURL, bodyTemp: tempBody.Name()}

	written, err := copyWithContext(ctx, tempBody, body)
	closeErr := tempBody.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		entry.discard()
		return nil, err
	}

	snapshot := Snapshot{
		Method:     http.MethodGet,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Vary:       vary,
		SizeBytes:  written,
		StoredAt:   c.now().UTC(),
	}
	meta, err := json.Marshal(snapshot)
	if err != nil {
		entry.discard()
		return nil, err
	}

	tempMeta, err := os.CreateTemp(c.dir, ".meta-*")
	if err != nil {
		entry.discard()
		return nil, err
	}
	entry.metaTemp = tempMeta.Name()
	_, err = tempMeta.Write(meta)
	closeErr = tempMeta.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		entry.discard()
		return nil, err
	}
	return entry, nil
}

// commit 把临时文件换到正式位置。正文先于元数据落盘，元数据存在即代表条目完整。
func (c *fileCache) commit(entry *stagedEntry) error {
	unlock := c.lockEntry(entry.key)
	defer unlock()

	if err := os.Rename(entry.bodyTemp, c.entryPath(entry.key, bodySuffix)); err != nil {
		entry.discard()
		return err
	}
	if err := os.Rename(entry.metaTemp, c.entryPath(entry.key, metaSuffix)); err != nil {
		os.Remove(entry.metaTemp)
		return err
	}
	return nil
}

// AddAll 并发抓取全部地址并逐个暂存；任何抓取或暂存失败都会丢弃整批临时文件，
// 桶内已有条目保持不变。全部暂存成功后才提交。
func (c *fileCache) AddAll(ctx context.Context, client Doer, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if client == nil {
		return errors.New("cache: http client required")
	}

	staged := make([]*stagedEntry, len(urls))
	discardAll := func() {
		for _, entry := range staged {
			if entry != nil {
				entry.discard()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, raw, nil)
			if err != nil {
				return fmt.Errorf("build request %s: %w", raw, err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", raw, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				resp.Body.Close()
				return fmt.Errorf("fetch %s: unexpected status %d", raw, resp.StatusCode)
			}
			entry, err := c.stage(gctx, req, resp)
			if err != nil {
				return fmt.Errorf("store %s: %w", raw, err)
			}
			staged[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		discardAll()
		return err
	}

	for i, entry := range staged {
		if err := c.commit(entry); err != nil {
			for _, rest := range staged[i+1:] {
				rest.discard()
			}
			return fmt.Errorf("store %s: %w", entry.url, err)
		}
	}
	return nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var urls []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		snapshot, err := c.readSnapshot(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			continue
		}
		urls = append(urls, snapshot.URL)
	}
	sort.Strings(urls)
	return urls, nil
}

func (c *fileCache) readSnapshot(key string) (Snapshot, error) {
	data, err := os.ReadFile(c.entryPath(key, metaSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, ErrNotFound
	}
	return snapshot, nil
}

func (c *fileCache) lockEntry(key string) func() {
	c.mu.Lock()
	lock := c.locks[key]
	if lock == nil {
		lock = &entryLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

func (c *fileCache) entryPath(key, suffix string) string {
	return filepath.Join(c.dir, key+suffix)
}

// identity 计算请求身份：方法 + 去掉 fragment 的绝对 URL。
func identity(req *http.Request) (string, string) {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	raw := u.String()
	sum := sha256.Sum256([]byte(requestMethod(req) + " " + raw))
	return hex.EncodeToString(sum[:]), raw
}

func requestMethod(req *http.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(req.Method)
}

// varySnapshot 记录响应 Vary 所列请求头在写入时的取值。
func varySnapshot(reqHeader, respHeader http.Header) (map[string]string, error) {
	names := varyNames(respHeader)
	if len(names) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(names))
	for _, name := range names {
		if name == "*" {
			return nil, ErrVaryWildcard
		}
		values[name] = reqHeader.Get(name)
	}
	return values, nil
}

func varyMatches(stored map[string]string, reqHeader http.Header) bool {
	for name, value := range stored {
		if reqHeader.Get(name) != value {
			return false
		}
	}
	return true
}

func varyNames(header http.Header) []string {
	var names []string
	for _, line := range header.Values("Vary") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				names = append(names, part)
				continue
			}
			names = append(names, http.CanonicalHeaderKey(part))
		}
	}
	return names
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
