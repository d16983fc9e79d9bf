package server

import (
	"net"
	"net/http"
	"time"

	"github.com/recipe-hub/recipe-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const fallbackUpstreamTimeout = 30 * time.Second

// NewUpstreamTransport 返回真实网络出口，作为拦截代理的 Network。
func NewUpstreamTransport() *http.Transport {
	return defaultTransport.Clone()
}

// UpstreamTimeout 读取配置中的上游超时，未配置时为 30s。
func UpstreamTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		return cfg.Global.UpstreamTimeout.DurationValue()
	}
	return fallbackUpstreamTimeout
}

// NewUpstreamClient 返回直连网络的 http.Client，不经过拦截代理。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:   UpstreamTimeout(cfg),
		Transport: NewUpstreamTransport(),
	}
}
