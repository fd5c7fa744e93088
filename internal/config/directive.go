package config

import (
	"fmt"
	"strconv"
	"strings"

	"yqhp/session-manager/pkg/types"
)

// ParseSchedParam applies a scheduler directive line on top of base and returns the result.
//
// Accepted forms:
//
//	xpd.schedparam [default] wmx:4 mxsess:10 selopt:load fraction:0.5 optnwrks:2 minforquery:2
//	xpd.resource static wmx:4 selopt:roundrobin
//
// The leading keyword and the scheduler name are optional. "queue" and "ucfg" are
// accepted for compatibility and ignored.
func ParseSchedParam(line string, base SchedulerConfig) (SchedulerConfig, error) {
	out := base
	out.Directive = strings.TrimSpace(line)

	fields := strings.Fields(line)
	for i, tok := range fields {
		key, value, ok := strings.Cut(tok, ":")
		if !ok {
			// keyword and scheduler name precede the parameters
			if i <= 1 {
				continue
			}
			return base, fmt.Errorf("无效的调度参数 %q: 期望 key:value", tok)
		}
		if value == "" {
			return base, fmt.Errorf("调度参数 %s 缺少取值", key)
		}

		switch strings.ToLower(key) {
		case "wmx":
			n, err := strconv.Atoi(value)
			if err != nil {
				return base, fmt.Errorf("wmx: %w", err)
			}
			out.MaxWorkers = n
		case "mxsess":
			n, err := strconv.Atoi(value)
			if err != nil {
				return base, fmt.Errorf("mxsess: %w", err)
			}
			out.MaxSessions = n
		case "selopt":
			mode, ok := types.ParseSelectionMode(value)
			if !ok {
				return base, fmt.Errorf("selopt: 未知的选择模式 %q", value)
			}
			out.Mode = string(mode)
		case "fraction":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return base, fmt.Errorf("fraction: %w", err)
			}
			out.NodesFraction = f
		case "optnwrks":
			n, err := strconv.Atoi(value)
			if err != nil {
				return base, fmt.Errorf("optnwrks: %w", err)
			}
			out.OptWorkersPerUnit = n
		case "minforquery":
			n, err := strconv.Atoi(value)
			if err != nil {
				return base, fmt.Errorf("minforquery: %w", err)
			}
			out.MinForQuery = n
		case "queue", "ucfg":
		default:
			return base, fmt.Errorf("未知的调度参数: %s", key)
		}
	}

	return out, nil
}

// SelectionMode returns the parsed selection mode, defaulting to round-robin.
func (c SchedulerConfig) SelectionMode() types.SelectionMode {
	if mode, ok := types.ParseSelectionMode(c.Mode); ok {
		return mode
	}
	return types.SelectionModeRoundRobin
}
