package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"yqhp/session-manager/internal/session"
)

var (
	adminDir        string
	adminTerminated bool
)

// adminCmd 是 admin 子命令
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "查看管理目录",
	Long:  `直接读取管理目录中的会话文件，不需要主节点运行。`,
}

// adminLsCmd 是 admin ls 子命令
var adminLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "列出会话文件",
	Example: `  sessmgr admin ls
  sessmgr admin ls --admin-dir /tmp/sessmgr --terminated`,
	RunE: runAdminLs,
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminLsCmd)

	adminLsCmd.Flags().StringVar(&adminDir, "admin-dir", "", "管理目录 (覆盖 manager.admin_dir)")
	adminLsCmd.Flags().BoolVar(&adminTerminated, "terminated", false, "同时列出已终止的会话")
}

func runAdminLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("admin-dir") {
		cfg.Manager.AdminDir = adminDir
	}

	area, err := session.NewAdminArea(cfg.Manager.AdminDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	active, err := area.ListActive()
	if err != nil {
		return fmt.Errorf("读取活动会话失败: %w", err)
	}
	printEntries(out, session.ActiveDir, active)

	if adminTerminated {
		terminated, err := area.ListTerminated()
		if err != nil {
			return fmt.Errorf("读取已终止会话失败: %w", err)
		}
		fmt.Fprintln(out)
		printEntries(out, session.TerminatedDir, terminated)
	}
	return nil
}

func printEntries(out io.Writer, title string, entries []session.Entry) {
	fmt.Fprintf(out, "%s (%d)\n", title, len(entries))
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(out, "  %-5s %-8s %-14s %-12s %-12s %-20s %s\n",
		"ID", "PID", "STATUS", "USER", "GROUP", "LAST ACCESS", "WORKERS")
	for _, en := range entries {
		if en.Err != nil {
			fmt.Fprintf(out, "  %-5s %-8s %-14s %s: %v\n", "-", "-", "invalid", filepath.Base(en.Path), en.Err)
			continue
		}
		rec := en.Record
		last := "-"
		if !rec.LastAccess.IsZero() {
			last = rec.LastAccess.Local().Format(time.DateTime)
		}
		fmt.Fprintf(out, "  %-5d %-8d %-14s %-12s %-12s %-20s %d\n",
			rec.ID, rec.PID, rec.Status, rec.User, rec.Group, last, len(rec.Workers))
	}
}
