package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/config"
	"github.com/any-hub/cachekit/internal/server"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("CACHEKIT_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "cachekit") {
		t.Fatalf("version 输出应包含 cachekit 标识")
	}
}

func TestRunLifecycleInstallsPrecache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifest, []byte(`[{"url": "/index.html", "revision": "1"}, "/offline.html?v=2"]`), 0o600); err != nil {
		t.Fatalf("写入清单失败: %v", err)
	}
	configPath := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
Origin = "%s"
StorageDriver = "memory"
PrecacheManifest = "%s"
NavigateFallback = "/index.html"
CleanupOutdatedCaches = true
`, upstream.URL, manifest))

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rt, err := server.Bootstrap(cfg, logger)
	if err != nil {
		t.Fatalf("构建运行时失败: %v", err)
	}
	defer rt.Close()

	if err := runLifecycle(rt, logger); err != nil {
		t.Fatalf("install/activate 失败: %v", err)
	}
	if urls := rt.Worker.Precache().GetCachedURLs(); len(urls) != 2 {
		t.Fatalf("期望 2 个 precache URL，得到 %v", urls)
	}
	resp, err := rt.Worker.Precache().MatchPrecache(context.Background(), "/index.html")
	if err != nil || resp == nil {
		t.Fatalf("index.html 应已写入 precache: %v", err)
	}
	resp.Body.Close()
}

func TestDrainWorkerOnIdleRuntime(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	}))
	defer upstream.Close()

	configPath := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
Origin = "%s"
StorageDriver = "memory"
`, upstream.URL))
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)

	rt, err := server.Bootstrap(cfg, logger)
	if err != nil {
		t.Fatalf("构建运行时失败: %v", err)
	}
	defer rt.Close()

	if err := drainWorker(rt, logger, time.Second); err != nil {
		t.Fatalf("空闲 worker 的 drain 不应失败: %v", err)
	}
	if rt.Worker.Pending() != 0 {
		t.Fatalf("drain 后不应有未完成事件，得到 %d", rt.Worker.Pending())
	}
	if strings.Contains(logs.String(), "drain_failed") {
		t.Fatalf("成功 drain 不应记录错误日志: %s", logs.String())
	}
}
