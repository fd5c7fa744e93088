package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/session-manager/api/rest"
	"yqhp/session-manager/internal/cluster"
	"yqhp/session-manager/internal/discovery"
	"yqhp/session-manager/internal/manager"
	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/internal/scheduler"
	"yqhp/session-manager/internal/utils"
	"yqhp/session-manager/pkg/types"
)

var (
	// master start 命令的 flags
	masterAddress  string
	masterAdminDir string
	// master status 命令的 flags
	statusURL     string
	statusTimeout time.Duration
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理会话管理器主节点",
	Long:  `主节点负责 worker 注册、会话调度、后端进程监控和重启恢复。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动主节点",
	Long: `启动主节点，恢复管理目录中仍存活的会话，然后开始接受请求。

主节点负责：
  - 管理 worker 注册和心跳（REST，可选 Redis）
  - 按调度策略为新会话分配 worker
  - 启动、监控并终止后端进程
  - 提供 REST API`,
	Example: `  # 使用默认配置启动
  sessmgr master start

  # 指定监听地址和管理目录
  sessmgr master start --address :9090 --admin-dir /tmp/sessmgr

  # 使用配置文件并覆盖调度模式
  sessmgr master start --config sessmgr.yaml --set scheduler.mode=load`,
	RunE: runMasterStart,
}

// masterStatusCmd 是 master status 子命令
var masterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看主节点状态",
	Long:  `查看主节点的就绪状态、调度策略和已注册的 worker。`,
	Example: `  sessmgr master status
  sessmgr master status --url http://localhost:9090`,
	RunE: runMasterStatus,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)
	masterCmd.AddCommand(masterStatusCmd)

	// master start flags
	masterStartCmd.Flags().StringVar(&masterAddress, "address", "", "HTTP 服务地址 (覆盖 server.address)")
	masterStartCmd.Flags().StringVar(&masterAdminDir, "admin-dir", "", "管理目录 (覆盖 manager.admin_dir)")

	// master status flags
	masterStatusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:8090", "主节点地址")
	masterStatusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "请求超时时间")
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 应用命令行参数覆盖
	if cmd.Flags().Changed("address") {
		cfg.Server.Address = masterAddress
	}
	if cmd.Flags().Changed("admin-dir") {
		cfg.Manager.AdminDir = masterAdminDir
	}

	log := newLogger(cfg.Logging)
	defer func() { _ = log.Sync() }()

	// 创建组件
	clock := clockwork.NewRealClock()
	reg := registry.NewInMemoryRegistry(clock)
	if err := reg.SetMaster(types.WorkerDescriptor{
		ID:      cfg.Master.ID,
		Host:    cfg.Master.Host,
		Port:    cfg.Master.Port,
		ImageID: cfg.Master.ImageID,
	}); err != nil {
		return fmt.Errorf("注册主节点失败: %w", err)
	}

	cc := cluster.New(cfg, log, reg, clock)
	sched := scheduler.New(cc)
	mgr, err := manager.New(cc, sched)
	if err != nil {
		return fmt.Errorf("创建会话管理器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			if !quiet {
				fmt.Println("\n正在关闭会话管理器...")
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	// 打印启动信息
	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  HTTP 地址: %s\n", cfg.Server.Address)
		fmt.Printf("  管理目录: %s\n", cfg.Manager.AdminDir)
		fmt.Printf("  调度: %s\n", strings.ReplaceAll(sched.ExportInfo(reg.Snapshot()), "\n", "\n        "))
		fmt.Println()
	}

	// 恢复时尚未注册的 worker 在注册或心跳后由管理器补齐会话计数
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("启动会话管理器失败: %w", err)
	}

	if cfg.Discovery.Redis.Enabled {
		feed, err := startRedisFeed(ctx, cc)
		if err != nil {
			stopManager(mgr, log)
			return err
		}
		defer func() { _ = feed.Close() }()
	}

	server := rest.NewServer(mgr, reg, sched, cfg.Server, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartWithContext(ctx)
	}()

	if !quiet {
		fmt.Println("会话管理器启动成功。按 Ctrl+C 停止。")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		serveErr = <-errCh
	case serveErr = <-errCh:
		cancel()
	}

	// 优雅关闭
	stopManager(mgr, log)
	if serveErr != nil {
		return fmt.Errorf("HTTP 服务异常: %w", serveErr)
	}

	if !quiet {
		fmt.Println("会话管理器已停止。")
	}
	return nil
}

func startRedisFeed(ctx context.Context, cc *cluster.Context) (*discovery.RedisFeed, error) {
	rcfg := cc.Config.Discovery.Redis
	feed := discovery.NewRedisFeed(discovery.NewRedisClient(rcfg), cc.Registry, rcfg, cc.Clock, cc.Logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := feed.Ping(pingCtx); err != nil {
		_ = feed.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	utils.SafeGo(cc.Logger, "redis-discovery", func() {
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			cc.Logger.Error("redis discovery stopped", zap.Error(err))
		}
	})
	return feed, nil
}

func stopManager(mgr *manager.Manager, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Stop(ctx); err != nil {
		log.Error("stop session manager", zap.Error(err))
	}
}

func runMasterStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	base := strings.TrimRight(statusURL, "/")

	var ready rest.ReadyResponse
	code, err := getJSON(base+"/api/v1/ready", &ready)
	if err != nil {
		fmt.Fprintf(out, "主节点状态: 未知 (未连接 %s)\n", base)
		fmt.Fprintf(out, "提示: 尝试 curl %s/api/v1/health\n", base)
		return err
	}

	var sched rest.SchedulerResponse
	if _, err := getJSON(base+"/api/v1/scheduler", &sched); err != nil {
		return err
	}
	var workers rest.WorkerListResponse
	if _, err := getJSON(base+"/api/v1/workers", &workers); err != nil {
		return err
	}

	fmt.Fprintf(out, "主节点状态: %s (HTTP %d)\n", ready.Status, code)
	fmt.Fprintf(out, "  重连窗口: %v\n", ready.Reconnecting)
	fmt.Fprintf(out, "  调度模式: %s\n", sched.Mode)
	fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(sched.Info, "\n", "\n  "))
	if workers.Master != nil {
		fmt.Fprintf(out, "  master %-16s %s:%d active=%d\n",
			workers.Master.ID, workers.Master.Host, workers.Master.Port, workers.Master.ActiveSessions)
	}
	for _, w := range workers.Workers {
		fmt.Fprintf(out, "  worker %-16s %s:%d active=%d last_seen=%s\n",
			w.ID, w.Host, w.Port, w.ActiveSessions, w.LastSeenAt)
	}
	return nil
}

// getJSON fetches url and decodes the body into v. Non-2xx answers other than
// 503 from /ready are errors.
func getJSON(url string, v any) (int, error) {
	agent := fiber.Get(url).Timeout(statusTimeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, fmt.Errorf("请求 %s 失败: %w", url, errors.Join(errs...))
	}
	if code >= fiber.StatusBadRequest && code != fiber.StatusServiceUnavailable {
		return code, fmt.Errorf("请求 %s 失败: HTTP %d", url, code)
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return code, fmt.Errorf("解析 %s 响应失败: %w", url, err)
	}
	return code, nil
}
