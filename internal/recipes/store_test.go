package recipes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/recipe-hub/recipe-hub/internal/kvstore"
)

func TestGetFetchesAndPersists(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1.json":
			io.WriteString(w, `{"id":1}`)
		case "/2.json":
			io.WriteString(w, `{"id":2}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	kv := newMemoryKV()
	store := newTestStore(t, upstream.Client(), kv, []string{upstream.URL + "/1.json", upstream.URL + "/2.json"}, 1)

	list, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	encoded, _ := json.Marshal(list)
	if string(encoded) != `[{"id":1},{"id":2}]` {
		t.Fatalf("unexpected list %s", encoded)
	}

	persisted, err := kv.Get(context.Background(), DefaultKey)
	if err != nil {
		t.Fatalf("expected persisted entry: %v", err)
	}
	if persisted != `[{"id":1},{"id":2}]` {
		t.Fatalf("unexpected persisted value %s", persisted)
	}
	if kv.sets != 1 {
		t.Fatalf("expected exactly one store write, got %d", kv.sets)
	}
}

func TestGetFromStoreSkipsNetwork(t *testing.T) {
	kv := newMemoryKV()
	kv.values[DefaultKey] = `[{"id":"a"},{"id":"b"}]`
	client := &countingDoer{}
	store := newTestStore(t, client, kv, []string{"https://a.test/1.json"}, 1)

	first, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("first get error: %v", err)
	}
	second, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("second get error: %v", err)
	}

	if client.calls.Load() != 0 {
		t.Fatalf("expected zero network fetches, got %d", client.calls.Load())
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) || string(a) != `[{"id":"a"},{"id":"b"}]` {
		t.Fatalf("cold reads differ: %s vs %s", a, b)
	}
	if kv.sets != 0 {
		t.Fatalf("cold read must not write, got %d writes", kv.sets)
	}
}

func TestGetPreservesSourceOrder(t *testing.T) {
	urls := []string{"https://a.test/A", "https://a.test/B", "https://a.test/C"}
	gates := map[string]chan struct{}{}
	for _, u := range urls {
		gates[u] = make(chan struct{})
	}
	returned := make(chan string, len(urls))

	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		u := req.URL.String()
		<-gates[u]
		defer func() { returned <- u }()
		return jsonResponse(http.StatusOK, `{"name":"`+req.URL.Path[1:]+`"}`), nil
	})

	kv := newMemoryKV()
	store := newTestStore(t, client, kv, urls, len(urls))

	type result struct {
		list List
		err  error
	}
	done := make(chan result, 1)
	go func() {
		list, err := store.Get(context.Background())
		done <- result{list, err}
	}()

	for _, u := range []string{urls[2], urls[0], urls[1]} {
		close(gates[u])
		if got := <-returned; got != u {
			t.Fatalf("expected %s to complete, got %s", u, got)
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("get error: %v", res.err)
	}
	encoded, _ := json.Marshal(res.list)
	if string(encoded) != `[{"name":"A"},{"name":"B"},{"name":"C"}]` {
		t.Fatalf("order not preserved: %s", encoded)
	}
}

func TestGetFailureDoesNotPersist(t *testing.T) {
	urls := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}
	var third atomic.Bool
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/2":
			return nil, errors.New("connection reset")
		case "/3":
			third.Store(true)
		}
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	kv := newMemoryKV()
	store := newTestStore(t, client, kv, urls, 1)

	_, err := store.Get(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fetchErr.URL != urls[1] {
		t.Fatalf("expected failing url %s, got %s", urls[1], fetchErr.URL)
	}
	if _, err := kv.Get(context.Background(), DefaultKey); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("persistent entry must stay absent, got %v", err)
	}
	if kv.sets != 0 {
		t.Fatalf("expected zero writes, got %d", kv.sets)
	}
	if third.Load() {
		t.Fatalf("serial fetch should stop after the first failure")
	}
}

func TestGetDecodeFailure(t *testing.T) {
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `<html>not json</html>`), nil
	})
	kv := newMemoryKV()
	store := newTestStore(t, client, kv, []string{"https://a.test/1"}, 1)

	_, err := store.Get(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError for decode failure, got %v", err)
	}
	if kv.sets != 0 {
		t.Fatalf("expected zero writes, got %d", kv.sets)
	}
}

func TestGetRejectsErrorStatus(t *testing.T) {
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"error":"missing"}`), nil
	})
	store := newTestStore(t, client, newMemoryKV(), []string{"https://a.test/1"}, 1)

	_, err := store.Get(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError for 404, got %v", err)
	}
}

func TestGetEmptyStoredValueRefetches(t *testing.T) {
	kv := newMemoryKV()
	kv.values[DefaultKey] = ""
	client := &countingDoer{body: `{"id":1}`}
	store := newTestStore(t, client, kv, []string{"https://a.test/1"}, 1)

	if _, err := store.Get(context.Background()); err != nil {
		t.Fatalf("get error: %v", err)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("empty stored value should trigger a fetch, got %d calls", client.calls.Load())
	}
}

func TestGetPersistFailure(t *testing.T) {
	kv := newMemoryKV()
	kv.setErr = errors.New("disk full")
	client := &countingDoer{body: `{"id":1}`}
	store := newTestStore(t, client, kv, []string{"https://a.test/1"}, 1)

	if _, err := store.Get(context.Background()); err == nil {
		t.Fatalf("persist failure should be reported")
	}
}

func TestNewStoreRequiresDependencies(t *testing.T) {
	if _, err := NewStore(Options{KV: newMemoryKV()}); err == nil {
		t.Fatalf("missing client should fail")
	}
	if _, err := NewStore(Options{Client: &countingDoer{}}); err == nil {
		t.Fatalf("missing kv should fail")
	}
}

func newTestStore(t *testing.T, client Doer, kv kvstore.Store, urls []string, concurrency int) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := NewStore(Options{
		Client:      client,
		KV:          kv,
		URLs:        urls,
		Concurrency: concurrency,
		Backend:     "memory",
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	return store
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

type countingDoer struct {
	calls atomic.Int32
	body  string
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	body := d.body
	if body == "" {
		body = `{}`
	}
	return jsonResponse(http.StatusOK, body), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

// memoryKV is an in-memory kvstore.Store that counts writes.
type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
	setErr error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string]string{}}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return value, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.sets++
	m.values[key] = value
	return nil
}
