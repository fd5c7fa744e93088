// Package scheduler decides which workers serve a new session.
//
// The selection mode is fixed per deployment. Every mode puts the master first
// in the allocation and prefers a partial allocation to a failure; the only
// fatal condition is a snapshot with neither master nor workers.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/cluster"
	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/pkg/types"
)

// MaxRandomDraws bounds the draws spent on a single weighted pick.
const MaxRandomDraws = 10000

var (
	// ErrInsufficientWorkers is returned when the snapshot has neither master nor workers.
	ErrInsufficientWorkers = errors.New("insufficient workers")
	// ErrRandomSelection is returned when a weighted pick does not land within MaxRandomDraws.
	ErrRandomSelection = errors.New("random worker selection did not converge")
	// ErrTooManySessions is returned when the max-sessions cap is reached.
	ErrTooManySessions = errors.New("too many active sessions")
)

// Request carries what the policy needs to know about the session being created.
type Request struct {
	User  string
	Group string
	// ActiveGroups lists the group of every active session, "" for sessions without one.
	ActiveGroups []string
}

// Allocation is the result of a selection: the master followed by the chosen workers.
type Allocation struct {
	Master  *types.WorkerDescriptor
	Workers []types.WorkerDescriptor
}

// All returns the master (when known) followed by the workers.
func (a Allocation) All() []types.WorkerDescriptor {
	out := make([]types.WorkerDescriptor, 0, len(a.Workers)+1)
	if a.Master != nil {
		out = append(out, *a.Master)
	}
	return append(out, a.Workers...)
}

// IDs returns the IDs of All().
func (a Allocation) IDs() []string {
	return slice.Map(a.All(), func(_ int, w types.WorkerDescriptor) string { return w.ID })
}

// Addresses returns host:port of All().
func (a Allocation) Addresses() []string {
	return slice.Map(a.All(), func(_ int, w types.WorkerDescriptor) string { return w.Address() })
}

// Scheduler implements the worker selection policy.
type Scheduler struct {
	cfg    config.SchedulerConfig
	mode   types.SelectionMode
	groups *GroupManager
	log    *zap.Logger

	// mu guards the round-robin cursor and the random source.
	mu     sync.Mutex
	cursor int
	rng    *rand.Rand
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRand replaces the random source, mainly for deterministic tests.
func WithRand(src rand.Source) Option {
	return func(s *Scheduler) {
		s.rng = rand.New(src)
	}
}

// New creates a scheduler from the cluster configuration.
func New(cc *cluster.Context, opts ...Option) *Scheduler {
	seed := uint64(time.Now().UnixNano())
	s := &Scheduler{
		cfg:    cc.Config.Scheduler,
		mode:   cc.Config.Scheduler.SelectionMode(),
		groups: NewGroupManager(cc.Config.Groups),
		log:    cc.Logger.Named("scheduler"),
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the configured selection mode.
func (s *Scheduler) Mode() types.SelectionMode {
	return s.mode
}

// Config returns the scheduler parameters.
func (s *Scheduler) Config() config.SchedulerConfig {
	return s.cfg
}

// SelectWorkers picks the workers for req from snap.
func (s *Scheduler) SelectWorkers(req Request, snap registry.Snapshot) (Allocation, error) {
	if snap.Empty() {
		return Allocation{}, ErrInsufficientWorkers
	}
	if s.cfg.MaxSessions > 0 && len(req.ActiveGroups) >= s.cfg.MaxSessions {
		return Allocation{}, fmt.Errorf("%w: %d active, max %d", ErrTooManySessions, len(req.ActiveGroups), s.cfg.MaxSessions)
	}

	alloc := Allocation{Master: snap.Master}
	if len(snap.Workers) == 0 {
		s.log.Debug("master-only allocation", zap.String("user", req.User))
		return alloc, nil
	}

	var err error
	switch {
	case s.mode == types.SelectionModeLoad:
		alloc.Workers = s.selectLoadBased(req, snap)
	case s.mode == types.SelectionModeAll || !s.capped(len(snap.Workers)):
		alloc.Workers = append([]types.WorkerDescriptor(nil), snap.Workers...)
	case s.mode == types.SelectionModeRoundRobin:
		alloc.Workers = s.selectRoundRobin(snap)
	case s.mode == types.SelectionModeRandom:
		alloc.Workers, err = s.selectRandom(snap)
	default:
		err = fmt.Errorf("unknown selection mode: %s", s.mode)
	}
	if err != nil {
		return Allocation{}, err
	}

	s.log.Debug("workers selected",
		zap.String("user", req.User),
		zap.String("group", req.Group),
		zap.String("mode", string(s.mode)),
		zap.Strings("workers", alloc.IDs()),
	)
	return alloc, nil
}

// capped reports whether wmx restricts a registry of n workers.
func (s *Scheduler) capped(n int) bool {
	return s.cfg.MaxWorkers > 0 && s.cfg.MaxWorkers < n
}

// selectRoundRobin hands out the next wmx workers from the shared cursor.
func (s *Scheduler) selectRoundRobin(snap registry.Snapshot) []types.WorkerDescriptor {
	n := len(snap.Workers)
	want := s.cfg.MaxWorkers

	s.mu.Lock()
	start := s.cursor % n
	s.cursor = (start + want) % n
	s.mu.Unlock()

	out := make([]types.WorkerDescriptor, 0, want)
	for i := 0; i < want; i++ {
		out = append(out, snap.Workers[(start+i)%n])
	}
	return out
}

// selectRandom samples wmx workers without replacement, weighted inversely to load.
func (s *Scheduler) selectRandom(snap registry.Snapshot) ([]types.WorkerDescriptor, error) {
	weights := LoadWeights(snap.Workers)
	want := s.cfg.MaxWorkers

	out := make([]types.WorkerDescriptor, 0, want)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(out) < want {
		idx := -1
		for draw := 0; draw < MaxRandomDraws && idx < 0; draw++ {
			idx, weights = PickWeighted(weights, s.rng.Float64())
		}
		if idx < 0 {
			return nil, ErrRandomSelection
		}
		out = append(out, snap.Workers[idx])
	}
	return out, nil
}

// selectLoadBased returns the GetNumWorkers least-loaded workers.
func (s *Scheduler) selectLoadBased(req Request, snap registry.Snapshot) []types.WorkerDescriptor {
	n := s.GetNumWorkers(req, snap)

	sorted := append([]types.WorkerDescriptor(nil), snap.Workers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ActiveSessions < sorted[j].ActiveSessions
	})
	return sorted[:n]
}

// GetNumWorkers computes the load-based allocation size:
//
//	free = count(workers with active < optnwrks)
//	n    = int(free * fraction * factor) + minforquery
//
// clamped to [min(minforquery, N), N] where N is the number of workers.
func (s *Scheduler) GetNumWorkers(req Request, snap registry.Snapshot) int {
	total := len(snap.Workers)
	if total == 0 {
		return 0
	}

	free := 0
	for _, w := range snap.Workers {
		if w.ActiveSessions < s.cfg.OptWorkersPerUnit {
			free++
		}
	}

	factor := s.groups.PriorityFactor(req.Group, req.ActiveGroups)
	n := int(math.Floor(float64(free)*s.cfg.NodesFraction*factor)) + s.cfg.MinForQuery

	floor := min(s.cfg.MinForQuery, total)
	if floor < 1 {
		floor = 1
	}
	return max(floor, min(n, total))
}

// LoadWeights returns maxActive - active + 1 for every worker, in registry order.
func LoadWeights(workers []types.WorkerDescriptor) []int {
	maxActive := 0
	for _, w := range workers {
		maxActive = max(maxActive, w.ActiveSessions)
	}
	return slice.Map(workers, func(_ int, w types.WorkerDescriptor) int {
		return maxActive - max(w.ActiveSessions, 0) + 1
	})
}

// PickWeighted maps draw in [0,1) onto the cumulative table of weights and returns the
// selected index together with a copy of weights where that entry is zeroed, so
// repeated calls sample without replacement. Equal weights resolve to the lowest index.
// It returns -1 and the unchanged weights when nothing can be picked.
func PickWeighted(weights []int, draw float64) (int, []int) {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 || draw < 0 || draw >= 1 {
		return -1, weights
	}

	target := draw * float64(total)
	cum := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cum += w
		if target < float64(cum) {
			updated := append([]int(nil), weights...)
			updated[i] = 0
			return i, updated
		}
	}
	return -1, weights
}

// ExportInfo describes the scheduler for status listings.
func (s *Scheduler) ExportInfo(snap registry.Snapshot) string {
	var b strings.Builder

	mode := string(s.mode)
	if s.mode == types.SelectionModeLoad {
		mode = "load-based"
	}
	fmt.Fprintf(&b, "Selection: %s", mode)
	if s.cfg.MaxWorkers > 0 {
		fmt.Fprintf(&b, ", max workers: %d", s.cfg.MaxWorkers)
	} else {
		b.WriteString(", max workers: all")
	}
	if s.cfg.MaxSessions > 0 {
		fmt.Fprintf(&b, " & max sessions: %d", s.cfg.MaxSessions)
	}
	if s.mode == types.SelectionModeLoad {
		fmt.Fprintf(&b, ", fraction: %.2f, optimal per unit: %d, min for query: %d",
			s.cfg.NodesFraction, s.cfg.OptWorkersPerUnit, s.cfg.MinForQuery)
	}
	fmt.Fprintf(&b, "\nRegistered workers: %d", len(snap.Workers))
	if snap.Master != nil {
		fmt.Fprintf(&b, " (master %s)", snap.Master.Address())
	}
	for _, name := range s.groups.Names() {
		p, _ := s.groups.Priority(name)
		fmt.Fprintf(&b, "\nGroup %s: priority %d", name, p)
	}
	return b.String()
}
