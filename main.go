package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/recipe-hub/recipe-hub/internal/cache"
	"github.com/recipe-hub/recipe-hub/internal/config"
	"github.com/recipe-hub/recipe-hub/internal/intercept"
	"github.com/recipe-hub/recipe-hub/internal/kvstore"
	"github.com/recipe-hub/recipe-hub/internal/logging"
	"github.com/recipe-hub/recipe-hub/internal/recipes"
	"github.com/recipe-hub/recipe-hub/internal/render"
	"github.com/recipe-hub/recipe-hub/internal/server"
	"github.com/recipe-hub/recipe-hub/internal/server/routes"
	"github.com/recipe-hub/recipe-hub/internal/version"
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
		fields["recipes"] = len(cfg.Recipes.URLs)
		fields["precache"] = len(cfg.EffectivePrecacheURLs())
		fields["kv"] = cfg.SourceSummary()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx := context.Background()
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["recipes"] = len(cfg.Recipes.URLs)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_name"] = cfg.Agent.CacheName
	fields["kv"] = cfg.SourceSummary()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 注册在后台进行，失败只记录日志，可通过 POST /-/agent/register 重试。
	go registerAgent(ctx, svc.registrar, logger, opts.configPath)

	if err := startHTTPServer(cfg.Global.ListenPort, svc.app, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// registerAgent 执行一次注册并在调用处记录失败结果，返回注册后的状态。
func registerAgent(ctx context.Context, registrar *intercept.Registrar, logger *logrus.Logger, configPath string) (intercept.State, error) {
	state, err := registrar.Register(ctx)
	if err != nil {
		fields := logging.BaseFields("startup_register", configPath)
		fields["state"] = string(state)
		fields["cache_name"] = registrar.Agent().CacheName()
		logger.WithFields(fields).WithError(err).Warn("代理注册失败")
	}
	return state, err
}

// agentStateFile 保存在缓存桶目录下，记录代理是否已激活。
const agentStateFile = ".agent-state"

// service 持有一次启动装配出的组件。
type service struct {
	app       *fiber.App
	registrar *intercept.Registrar
	recipes   *recipes.Store
	kv        kvstore.Store
}

func (s *service) close() {
	if closer, ok := s.kv.(io.Closer); ok {
		_ = closer.Close()
	}
}

// buildService 按 “缓存桶存储 → 持久化存储 → 拦截代理 → 菜谱存储 → Fiber app” 的顺序装配，
// 菜谱抓取经由代理的 Client 发出，因此激活后会命中缓存。
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	kv, err := kvstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化持久化存储失败: %w", err)
	}

	bucketDir, err := cache.BucketDir(cfg.Global.StoragePath, cfg.Agent.CacheName)
	if err != nil {
		return nil, err
	}

	// 预缓存与未命中回源共用同一个直连网络的连接池。
	upstream := server.NewUpstreamClient(cfg)
	agent, err := intercept.New(intercept.Options{
		Storage:       storage,
		CacheName:     cfg.Agent.CacheName,
		PrecacheURLs:  cfg.EffectivePrecacheURLs(),
		Network:       upstream.Transport,
		InstallClient: upstream,
		StatePath:     filepath.Join(bucketDir, agentStateFile),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	registrar := intercept.NewRegistrar(agent, intercept.Registration{
		Scope:     cfg.Agent.Scope,
		ScriptURL: cfg.Agent.Script,
	}, logger)

	store, err := recipes.NewStore(recipes.Options{
		Client:      agent.Client(server.UpstreamTimeout(cfg)),
		KV:          kv,
		Key:         cfg.KeyValue.Key,
		URLs:        cfg.Recipes.URLs,
		Concurrency: cfg.Recipes.FetchConcurrency,
		Backend:     cfg.KeyValue.Backend,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Recipes:    store,
		Page:       render.HTMLRenderer{},
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterAgentRoutes(app, registrar, logger)

	return &service{app: app, registrar: registrar, recipes: store, kv: kv}, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("recipe-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 RECIPE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("RECIPE_HUB_CONFIG")
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

func startHTTPServer(port int, app *fiber.App, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
