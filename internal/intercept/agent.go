package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recipe-hub/recipe-hub/internal/cache"
	"github.com/recipe-hub/recipe-hub/internal/logging"
)

// State 是代理生命周期状态。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
)

// Options 汇总 Agent 的依赖。Network 是真实网络出口，默认 http.DefaultTransport；
// InstallClient 用于预缓存抓取，为空时基于 Network 构造。StatePath 非空时，
// 激活状态会写入该文件，重启后据此直接恢复为 active。
type Options struct {
	Storage       cache.Storage
	CacheName     string
	PrecacheURLs  []string
	Network       http.RoundTripper
	InstallClient *http.Client
	StatePath     string
	Logger        *logrus.Logger
}

// Agent 负责 “命中直接返回 → 未命中回源并写入副本” 的拦截流程，
// 同时实现 http.RoundTripper，所有经由它发出的请求都会被拦截。
type Agent struct {
	storage       cache.Storage
	cacheName     string
	precache      []string
	network       http.RoundTripper
	installClient *http.Client
	statePath     string
	logger        *logrus.Logger

	mu    sync.RWMutex
	state State
	// restored 表示 active 状态来自上次运行，本次尚未重新安装成功。
	restored bool
}

// New 构造处于 uninstalled 状态的代理。
func New(opts Options) (*Agent, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	installClient := opts.InstallClient
	if installClient == nil {
		installClient = &http.Client{Transport: network}
	}
	agent := &Agent{
		storage:       opts.Storage,
		cacheName:     opts.CacheName,
		precache:      append([]string(nil), opts.PrecacheURLs...),
		network:       network,
		installClient: installClient,
		statePath:     opts.StatePath,
		logger:        logger,
		state:         StateUninstalled,
	}
	agent.restoreState()
	return agent, nil
}

// restoreState 读取上次运行留下的激活标记。标记存在即恢复为 active，
// 缓存桶中的条目继续对外提供，随后的 Register 会在后台刷新预缓存。
func (a *Agent) restoreState() {
	if a.statePath == "" {
		return
	}
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.logger.WithError(err).
				WithFields(logrus.Fields{"action": "restore", "cache_name": a.cacheName, "path": a.statePath}).
				Warn("agent_state_unreadable")
		}
		return
	}
	if State(strings.TrimSpace(string(data))) != StateActive {
		return
	}
	a.state = StateActive
	a.restored = true
	a.logger.WithFields(logrus.Fields{
		"action":     "restore",
		"cache_name": a.cacheName,
	}).Info("agent_restored")
}

func (a *Agent) persistState(state State) error {
	if a.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.statePath), 0o755); err != nil {
		return err
	}
	temp, err := os.CreateTemp(filepath.Dir(a.statePath), ".agent-state-*")
	if err != nil {
		return err
	}
	_, err = temp.WriteString(string(state) + "\n")
	closeErr := temp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(temp.Name(), a.statePath)
	}
	if err != nil {
		os.Remove(temp.Name())
	}
	return err
}

// Restored 表示当前 active 状态沿用自上次运行，尚未在本次运行中重新安装。
func (a *Agent) Restored() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.restored
}

// State 返回当前生命周期状态。
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// CacheName 返回代理持有的缓存桶名称。
func (a *Agent) CacheName() string {
	return a.cacheName
}

// Client 返回经由代理发请求的 http.Client。代理激活前请求直达网络，
// 激活后同一个 Client 立即受控，无需重新创建。
func (a *Agent) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: a,
	}
}

// Install 打开缓存桶并预缓存全部地址；任何一个失败都会回到 uninstalled 并返回 *InstallError。
func (a *Agent) Install(ctx context.Context) error {
	if err := a.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}

	started := time.Now()
	err := a.populate(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	fields := logrus.Fields{
		"action":     "install",
		"cache_name": a.cacheName,
		"precache":   len(a.precache),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		a.state = StateUninstalled
		a.logger.WithFields(fields).WithError(err).Error("install_failed")
		return &InstallError{CacheName: a.cacheName, Err: err}
	}
	a.state = StateInstalled
	a.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (a *Agent) populate(ctx context.Context) error {
	bucket, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		return err
	}
	return bucket.AddAll(ctx, a.installClient, a.precache)
}

// Refresh 在保持 active 的前提下重新预缓存，用于恢复自上次运行的代理。
// 失败时返回 *InstallError，状态与桶内已有条目都不变。
func (a *Agent) Refresh(ctx context.Context) error {
	if a.State() != StateActive {
		return fmt.Errorf("%w: refresh requires %s (current %s)", ErrInvalidState, StateActive, a.State())
	}

	started := time.Now()
	err := a.populate(ctx)
	fields := logrus.Fields{
		"action":     "refresh",
		"cache_name": a.cacheName,
		"precache":   len(a.precache),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Warn("refresh_failed_keeping_active")
		return &InstallError{CacheName: a.cacheName, Err: err}
	}

	a.mu.Lock()
	a.restored = false
	a.mu.Unlock()
	a.logger.WithFields(fields).Info("refresh_complete")
	return nil
}

// Activate 从 installed 进入 active，并立即接管已有的 Client。
func (a *Agent) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	a.mu.Lock()
	a.state = StateActive
	a.mu.Unlock()

	fields := logrus.Fields{
		"action":     "activate",
		"cache_name": a.cacheName,
	}
	if err := a.persistState(StateActive); err != nil {
		a.logger.WithFields(fields).WithError(err).Warn("agent_state_persist_failed")
	}
	a.logger.WithFields(fields).Info("clients_claimed")
	return nil
}

func (a *Agent) transition(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, a.state)
	}
	a.state = to
	return nil
}

// RoundTrip 实现 http.RoundTripper：active 时走 Fetch，否则直达网络。
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	if a.State() != StateActive {
		return a.network.RoundTrip(req)
	}
	return a.Fetch(req)
}

// Fetch 执行一次拦截：命中返回缓存副本，不访问网络；未命中回源，
// 写入一份副本后返回原响应。回源失败返回 *InterceptFetchError，不缓存也不重试。
func (a *Agent) Fetch(req *http.Request) (*http.Response, error) {
	started := time.Now()
	ctx := req.Context()

	bucket, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		// 缓存桶不可用时等同于空缓存。
		a.logger.WithError(err).
			WithFields(logrus.Fields{"action": "intercept", "cache_name": a.cacheName}).
			Warn("cache_open_failed")
		bucket = nil
	}

	if bucket != nil {
		cached, err := bucket.Match(ctx, req)
		switch {
		case err == nil:
			a.logResult(req, cached.StatusCode, true, started, nil)
			return cached, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			a.logger.WithError(err).
				WithFields(logrus.Fields{"action": "intercept", "cache_name": a.cacheName, "url": req.URL.String()}).
				Warn("cache_match_failed")
		}
	}

	resp, err := a.network.RoundTrip(req)
	if err != nil {
		a.logResult(req, 0, false, started, err)
		return nil, &InterceptFetchError{URL: req.URL.String(), Err: err}
	}
	if bucket == nil || !isStorable(req, resp) {
		a.logResult(req, resp.StatusCode, false, started, nil)
		return resp, nil
	}

	// 响应体只能读取一次，先读出再分别交给缓存与调用方。
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		a.logResult(req, resp.StatusCode, false, started, err)
		return nil, &InterceptFetchError{URL: req.URL.String(), Err: err}
	}

	stored := *resp
	stored.Header = resp.Header.Clone()
	stored.Body = io.NopCloser(bytes.NewReader(body))
	if err := bucket.Put(ctx, req, &stored); err != nil {
		a.logger.WithError(err).
			WithFields(logrus.Fields{"action": "intercept", "cache_name": a.cacheName, "url": req.URL.String()}).
			Warn("cache_put_failed")
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	a.logResult(req, resp.StatusCode, false, started, nil)
	return resp, nil
}

// Entries 返回缓存桶中已保存的请求 URL。
func (a *Agent) Entries(ctx context.Context) ([]string, error) {
	bucket, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		return nil, err
	}
	return bucket.Keys(ctx)
}

func isStorable(req *http.Request, resp *http.Response) bool {
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return resp.StatusCode != http.StatusPartialContent
}

func (a *Agent) logResult(req *http.Request, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.RequestFields(req.Method, req.URL.String(), a.cacheName, cacheHit)
	fields["action"] = "intercept"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		a.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	a.logger.WithFields(fields).Debug("intercept_complete")
}
