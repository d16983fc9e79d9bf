package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })
	if os.Geteuid() == 0 {
		t.Skip("root 用户不受目录权限限制")
	}

	logPath := filepath.Join(blocked, "sub", "recipe-hub.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 5000
CacheName = "lab-7-starter"
RecipeURLs = ["https://introweb.tech/assets/json/1_50-thanksgiving-side-dishes.json"]
`, logPath, filepath.Join(dir, "storage")))

	output := captureOutput(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d", code)
	}
	if output.err.Len() != 0 {
		t.Fatalf("日志降级不应产生 CLI 错误输出，得到 %s", output.err.String())
	}
}
