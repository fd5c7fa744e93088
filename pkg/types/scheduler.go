package types

import "strings"

// SelectionMode defines how workers are picked for a new session.
type SelectionMode string

const (
	// SelectionModeAll gives every registered worker to each session.
	SelectionModeAll SelectionMode = "all"
	// SelectionModeRoundRobin hands out workers from a shared rotating cursor.
	SelectionModeRoundRobin SelectionMode = "round-robin"
	// SelectionModeRandom samples workers with weights inverse to their load.
	SelectionModeRandom SelectionMode = "random"
	// SelectionModeLoad sizes the allocation from cluster load and picks the least loaded workers.
	SelectionModeLoad SelectionMode = "load"
)

// ParseSelectionMode accepts the canonical names plus the historical spellings
// ("roundrobin", "load-based").
func ParseSelectionMode(s string) (SelectionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return SelectionModeAll, true
	case "round-robin", "roundrobin":
		return SelectionModeRoundRobin, true
	case "random":
		return SelectionModeRandom, true
	case "load", "load-based":
		return SelectionModeLoad, true
	}
	return "", false
}
