package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recipe-hub/recipe-hub/internal/config"
	"github.com/recipe-hub/recipe-hub/internal/intercept"
)

// recipeStub 模拟菜谱 JSON 来源，并记录每个路径被请求的次数。
type recipeStub struct {
	*httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	fails map[string]bool
}

func newRecipeStub(t *testing.T) *recipeStub {
	t.Helper()
	stub := &recipeStub{hits: map[string]int{}, fails: map[string]bool{}}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		failing := stub.fails[r.URL.Path]
		stub.mu.Unlock()

		if failing {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
		_, _ = io.WriteString(w, `{"id":"`+id+`","name":"Recipe `+id+`"}`)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *recipeStub) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *recipeStub) setFailing(path string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[path] = failing
}

func newServiceConfig(t *testing.T, stub *recipeStub) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		Recipes: config.RecipeConfig{
			URLs:             []string{stub.URL + "/1.json", stub.URL + "/2.json"},
			FetchConcurrency: 2,
		},
		Agent: config.AgentConfig{
			CacheName: "lab-7-starter",
		},
		KeyValue: config.KeyValueConfig{
			Backend: config.BackendFile,
			Key:     "recipes",
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) *service {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc, err := buildService(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build service error: %v", err)
	}
	t.Cleanup(svc.close)
	return svc
}

func getJSON(t *testing.T, svc *service, method, path string, out any) int {
	t.Helper()
	resp, err := svc.app.Test(httptest.NewRequest(method, path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s error: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestServiceRecipesPersistAcrossRequests(t *testing.T) {
	stub := newRecipeStub(t)
	cfg := newServiceConfig(t, stub)
	svc := newTestService(t, cfg)

	var first []map[string]string
	if code := getJSON(t, svc, "GET", "/recipes.json", &first); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(first) != 2 || first[0]["id"] != "1" || first[1]["id"] != "2" {
		t.Fatalf("unexpected list %v", first)
	}

	var second []map[string]string
	getJSON(t, svc, "GET", "/recipes.json", &second)
	if len(second) != 2 {
		t.Fatalf("unexpected second list %v", second)
	}
	if stub.count("/1.json") != 1 || stub.count("/2.json") != 1 {
		t.Fatalf("persisted list should not refetch, hits=%v", stub.hits)
	}

	if _, err := os.Stat(filepath.Join(cfg.Global.StoragePath, "kv.json")); err != nil {
		t.Fatalf("expected kv.json to be written: %v", err)
	}
}

func TestServiceFetchFailureNotPersisted(t *testing.T) {
	stub := newRecipeStub(t)
	stub.setFailing("/2.json", true)
	cfg := newServiceConfig(t, stub)
	svc := newTestService(t, cfg)

	if code := getJSON(t, svc, "GET", "/recipes.json", nil); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
	if _, err := os.Stat(filepath.Join(cfg.Global.StoragePath, "kv.json")); !os.IsNotExist(err) {
		t.Fatalf("failed fetch must not persist anything, stat err=%v", err)
	}

	stub.setFailing("/2.json", false)
	var list []map[string]string
	if code := getJSON(t, svc, "GET", "/recipes.json", &list); code != http.StatusOK {
		t.Fatalf("expected 200 after recovery, got %d", code)
	}
	if len(list) != 2 {
		t.Fatalf("unexpected list %v", list)
	}
}

func TestServiceAgentServesRecipesFromCache(t *testing.T) {
	stub := newRecipeStub(t)
	cfg := newServiceConfig(t, stub)
	svc := newTestService(t, cfg)

	var registered map[string]string
	if code := getJSON(t, svc, "POST", "/-/agent/register", &registered); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if registered["state"] != string(intercept.StateActive) {
		t.Fatalf("expected active, got %v", registered)
	}
	if stub.count("/1.json") != 1 || stub.count("/2.json") != 1 {
		t.Fatalf("install should precache each recipe once, hits=%v", stub.hits)
	}

	var status intercept.Status
	getJSON(t, svc, "GET", "/-/agent", &status)
	if len(status.Entries) != 2 {
		t.Fatalf("expected 2 cached entries, got %v", status.Entries)
	}

	// 持久化列表缺失时，抓取请求由已激活的代理从缓存中返回。
	var list []map[string]string
	if code := getJSON(t, svc, "GET", "/recipes.json", &list); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(list) != 2 {
		t.Fatalf("unexpected list %v", list)
	}
	if stub.count("/1.json") != 1 || stub.count("/2.json") != 1 {
		t.Fatalf("recipe fetch should be served from cache, hits=%v", stub.hits)
	}
}

func TestServiceInstallFailureCanBeRetried(t *testing.T) {
	stub := newRecipeStub(t)
	stub.setFailing("/1.json", true)
	cfg := newServiceConfig(t, stub)
	svc := newTestService(t, cfg)

	if code := getJSON(t, svc, "POST", "/-/agent/register", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	var status intercept.Status
	getJSON(t, svc, "GET", "/-/agent", &status)
	if status.State != intercept.StateUninstalled || len(status.Entries) != 0 {
		t.Fatalf("failed install should leave an empty bucket, got %+v", status)
	}

	stub.setFailing("/1.json", false)
	if code := getJSON(t, svc, "POST", "/-/agent/register", nil); code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d", code)
	}
}

func TestServiceKeepsServingCacheAfterRestartOffline(t *testing.T) {
	stub := newRecipeStub(t)
	cfg := newServiceConfig(t, stub)
	first := newTestService(t, cfg)
	if code := getJSON(t, first, "POST", "/-/agent/register", nil); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	first.close()

	// 重启时上游整体不可用，持久化列表也不存在。
	stub.setFailing("/1.json", true)
	stub.setFailing("/2.json", true)
	if err := os.Remove(filepath.Join(cfg.Global.StoragePath, "kv.json")); err != nil && !os.IsNotExist(err) {
		t.Fatalf("remove kv.json: %v", err)
	}
	second := newTestService(t, cfg)

	if code := getJSON(t, second, "POST", "/-/agent/register", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("refresh against an offline upstream should report 503, got %d", code)
	}
	var status intercept.Status
	getJSON(t, second, "GET", "/-/agent", &status)
	if status.State != intercept.StateActive || len(status.Entries) != 2 {
		t.Fatalf("restarted agent should stay active with its entries, got %+v", status)
	}

	hitsBefore := stub.count("/1.json") + stub.count("/2.json")
	var list []map[string]string
	if code := getJSON(t, second, "GET", "/recipes.json", &list); code != http.StatusOK {
		t.Fatalf("cached recipes should be served offline, got %d", code)
	}
	if len(list) != 2 || list[0]["id"] != "1" {
		t.Fatalf("unexpected list %v", list)
	}
	if stub.count("/1.json")+stub.count("/2.json") != hitsBefore {
		t.Fatalf("offline recipe fetch must not reach the upstream")
	}
}

func TestRegisterAgentLogsStartupFailure(t *testing.T) {
	stub := newRecipeStub(t)
	stub.setFailing("/1.json", true)
	cfg := newServiceConfig(t, stub)
	svc := newTestService(t, cfg)

	logBuf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(logBuf)

	state, err := registerAgent(context.Background(), svc.registrar, logger, "config.toml")
	if err == nil || state != intercept.StateUninstalled {
		t.Fatalf("expected failed registration, got %s %v", state, err)
	}
	out := logBuf.String()
	if !strings.Contains(out, "startup_register") || !strings.Contains(out, `"state":"uninstalled"`) {
		t.Fatalf("startup registration failure should be logged with its state, got %s", out)
	}

	stub.setFailing("/1.json", false)
	logBuf.Reset()
	if state, err := registerAgent(context.Background(), svc.registrar, logger, "config.toml"); err != nil || state != intercept.StateActive {
		t.Fatalf("expected active after retry, got %s %v", state, err)
	}
	if strings.Contains(logBuf.String(), "startup_register") {
		t.Fatalf("successful registration should not log a failure, got %s", logBuf.String())
	}
}
