package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/config"
	"github.com/any-hub/cachekit/internal/logging"
	"github.com/any-hub/cachekit/internal/server"
	"github.com/any-hub/cachekit/internal/server/routes"
	"github.com/any-hub/cachekit/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const (
	// lifecycleTimeout 限制启动阶段 install / activate 的总耗时。
	lifecycleTimeout = 2 * time.Minute
	shutdownTimeout  = 10 * time.Second
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["routes"] = config.RouteSummaries(cfg.Routes)
		fields["storage_driver"] = string(cfg.Global.Driver())
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 存储与路由绑定 → install → activate → Fiber server”顺序，
	// 保证首个请求到达前 precache 已就绪、旧缓存已清理。
	rt, err := server.Bootstrap(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := runLifecycle(rt, logger); err != nil {
		fmt.Fprintf(stdErr, "precache 安装失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["routes"] = config.RouteSummaries(cfg.Routes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func runLifecycle(rt *server.Runtime, logger *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	installed, err := rt.Worker.Install(ctx)
	if err != nil {
		return err
	}
	activated, err := rt.Worker.Activate(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"action":         "lifecycle",
		"updated":        len(installed.UpdatedURLs),
		"not_updated":    len(installed.NotUpdatedURLs),
		"deleted_caches": activated.DeletedCaches,
	}).Info("worker_activated")
	return nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cachekit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CACHEKIT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CACHEKIT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(rt *server.Runtime, logger *logrus.Logger) error {
	port := rt.Config.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Worker:     rt.Worker,
		Origin:     rt.Config.Global.OriginURL(),
		Fetch:      rt.Fetch,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, rt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rt.RunSyncLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := app.Listen(fmt.Sprintf(":%d", port))
	// Listen 返回后 HTTP 已停止接收请求，在 rt.Close 之前同步等待扩展任务。
	if err := drainWorker(rt, logger, shutdownTimeout); err != nil && listenErr == nil {
		return fmt.Errorf("drain worker: %w", err)
	}
	return listenErr
}

// drainWorker 在 timeout 内等待所有事件的扩展任务结束，超时或失败时记录日志。
func drainWorker(rt *server.Runtime, logger *logrus.Logger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.Worker.Drain(ctx); err != nil {
		logger.WithError(err).WithField("pending", rt.Worker.Pending()).Error("drain_failed")
		return err
	}
	return nil
}
