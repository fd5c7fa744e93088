// Package utils 提供后台 goroutine 等通用工具
package utils

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo 安全地启动一个带名称的 goroutine，捕获 panic 并写入日志
// 使用方式: utils.SafeGo(log, "session-reaper", func() { ... })
func SafeGo(log *zap.Logger, name string, fn func()) {
	go Recover(log, name, fn)
}

// Recover 在当前 goroutine 中执行 fn，捕获 panic 并写入日志
func Recover(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if log == nil {
				log = zap.NewNop()
			}
			log.Error("goroutine panic recovered",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}
