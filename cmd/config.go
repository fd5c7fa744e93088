package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd 是 config 子命令
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置相关命令",
}

// configCheckCmd 加载并校验配置，输出生效后的 YAML
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "校验配置并输出生效值",
	Example: `  sessmgr config check --config sessmgr.yaml
  sessmgr config check --set scheduler.directive="xpd.schedparam wmx:4 selopt:load"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.Serialize()
		if err != nil {
			return fmt.Errorf("序列化配置失败: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// versionCmd 输出版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "输出版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sessmgr version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(versionCmd)
}
