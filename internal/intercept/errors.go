package intercept

import (
	"errors"
	"fmt"
)

// ErrInvalidState 表示在当前状态下不允许执行该生命周期操作。
var ErrInvalidState = errors.New("intercept: invalid state transition")

// InstallError 表示安装阶段预缓存失败，代理不会进入 active。
type InstallError struct {
	CacheName string
	Err       error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install cache %s: %v", e.CacheName, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// InterceptFetchError 表示缓存未命中后的网络请求失败，直接返回给请求方。
type InterceptFetchError struct {
	URL string
	Err error
}

func (e *InterceptFetchError) Error() string {
	return fmt.Sprintf("intercepted fetch %s: %v", e.URL, e.Err)
}

func (e *InterceptFetchError) Unwrap() error {
	return e.Err
}
