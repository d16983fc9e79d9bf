package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixturePath 返回 testdata 下的配置样例。
func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// writeTempConfig 写入去掉首尾空白的 TOML 内容，返回文件路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// recipeConfig 生成只含一个菜谱地址的最小配置，extra 追加在顶层键之后。
func recipeConfig(extra string) string {
	return `StoragePath = "./data"
RecipeURLs = ["https://introweb.tech/assets/json/1.json"]
` + strings.TrimSpace(extra)
}
