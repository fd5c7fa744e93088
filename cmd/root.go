// Package cmd 提供 sessmgr CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   ___  ___  ___  ___  __  __  ___  ___     Session Manager %s
  / __|| __|/ __|/ __||  \/  |/ __|| _ \
  \__ \| _| \__ \\__ \| |\/| | (_ ||   /
  |___/|___||___/|___/|_|  |_|\___||_|_\
`
)

var (
	// 全局配置
	cfgFile   string
	setValues map[string]string
	debug     bool
	quiet     bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "sessmgr",
	Short: "集群会话管理器",
	Long: `sessmgr 管理集群中每个客户端的分析会话：
为会话选择 worker、启动并监控后端进程、在重启后恢复存活的会话。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringToStringVar(&setValues, "set", nil, "覆盖配置项 (例如 --set manager.admin_dir=/tmp/sm)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 文件 < 环境变量 < --set < 调度指令 的顺序加载并校验配置
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if len(setValues) > 0 {
		loader = loader.WithCmdArgs(setValues)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *zap.Logger {
	return logger.New(&logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}
