package scheduler

import (
	"sort"

	"github.com/duke-git/lancet/v2/maputil"
)

// GroupManager resolves the configured priority of client groups.
// It is immutable after construction.
type GroupManager struct {
	priorities map[string]int
}

// NewGroupManager copies the name -> priority table. Non-positive priorities are ignored.
func NewGroupManager(priorities map[string]int) *GroupManager {
	m := make(map[string]int, len(priorities))
	for name, p := range priorities {
		if name != "" && p > 0 {
			m[name] = p
		}
	}
	return &GroupManager{priorities: m}
}

// Priority returns the priority of group and whether it is configured.
func (g *GroupManager) Priority(group string) (int, bool) {
	if g == nil {
		return 0, false
	}
	p, ok := g.priorities[group]
	return p, ok
}

// Names returns the configured group names in sorted order.
func (g *GroupManager) Names() []string {
	if g == nil {
		return nil
	}
	names := maputil.Keys(g.priorities)
	sort.Strings(names)
	return names
}

// PriorityFactor scales the load-based allocation of a request from group.
//
// factor = priority(group) * len(activeGroups) / Σ priority(g) for g in activeGroups
//
// Active sessions whose group is not configured count in len(activeGroups) but add
// nothing to the sum. The factor is 1 when group is not configured or when no
// active session carries a configured group.
func (g *GroupManager) PriorityFactor(group string, activeGroups []string) float64 {
	prio, ok := g.Priority(group)
	if !ok {
		return 1
	}

	summed := 0
	for _, ag := range activeGroups {
		if p, ok := g.Priority(ag); ok {
			summed += p
		}
	}
	if summed <= 0 {
		return 1
	}
	return float64(prio) * float64(len(activeGroups)) / float64(summed)
}
