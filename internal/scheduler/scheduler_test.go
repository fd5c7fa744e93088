package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/session-manager/internal/cluster"
	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/pkg/types"
)

func setupSchedulerTest(mutate func(cfg *config.Config), opts ...Option) *Scheduler {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithRand(rand.NewPCG(1, 2))}, opts...)
	return New(cluster.New(cfg, nil, nil, nil), opts...)
}

func makeSnapshot(loads ...int) registry.Snapshot {
	snap := registry.Snapshot{
		Master: &types.WorkerDescriptor{ID: "master", Host: "head", Port: 1093, Role: types.WorkerRoleMaster},
	}
	for i, load := range loads {
		snap.Workers = append(snap.Workers, types.WorkerDescriptor{
			ID:             fmt.Sprintf("w%d", i),
			Host:           fmt.Sprintf("node%d", i),
			Port:           1093,
			Role:           types.WorkerRoleWorker,
			ActiveSessions: load,
		})
	}
	return snap
}

func workerIDs(a Allocation) []string {
	ids := make([]string, 0, len(a.Workers))
	for _, w := range a.Workers {
		ids = append(ids, w.ID)
	}
	return ids
}

func TestSelectWorkersEmptySnapshot(t *testing.T) {
	s := setupSchedulerTest(nil)

	_, err := s.SelectWorkers(Request{User: "alice"}, registry.Snapshot{})
	assert.ErrorIs(t, err, ErrInsufficientWorkers)
}

func TestSelectWorkersMasterOnly(t *testing.T) {
	for _, mode := range []string{"all", "round-robin", "random", "load"} {
		t.Run(mode, func(t *testing.T) {
			s := setupSchedulerTest(func(cfg *config.Config) {
				cfg.Scheduler.Mode = mode
				cfg.Scheduler.MaxWorkers = 2
			})

			alloc, err := s.SelectWorkers(Request{User: "alice"}, makeSnapshot())
			require.NoError(t, err)
			assert.Empty(t, alloc.Workers)
			assert.Equal(t, []string{"master"}, alloc.IDs())
		})
	}
}

func TestSelectWorkersWithoutMaster(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) { cfg.Scheduler.Mode = "all" })

	snap := makeSnapshot(0, 0)
	snap.Master = nil

	alloc, err := s.SelectWorkers(Request{}, snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"w0", "w1"}, alloc.IDs())
}

func TestSelectAll(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "all"
		cfg.Scheduler.MaxWorkers = 1
	})

	alloc, err := s.SelectWorkers(Request{}, makeSnapshot(3, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"master", "w0", "w1", "w2"}, alloc.IDs())
}

func TestUncappedModesReturnEveryWorker(t *testing.T) {
	for _, wmx := range []int{-1, 0, 3, 10} {
		s := setupSchedulerTest(func(cfg *config.Config) {
			cfg.Scheduler.Mode = "random"
			cfg.Scheduler.MaxWorkers = wmx
		})
		alloc, err := s.SelectWorkers(Request{}, makeSnapshot(0, 0, 0))
		require.NoError(t, err)
		assert.Equal(t, []string{"w0", "w1", "w2"}, workerIDs(alloc), "wmx=%d", wmx)
	}
}

func TestSelectRoundRobinWraps(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "round-robin"
		cfg.Scheduler.MaxWorkers = 2
	})
	snap := makeSnapshot(0, 0, 0)

	var got [][]string
	for i := 0; i < 3; i++ {
		alloc, err := s.SelectWorkers(Request{}, snap)
		require.NoError(t, err)
		assert.Equal(t, "master", alloc.IDs()[0])
		got = append(got, workerIDs(alloc))
	}

	assert.Equal(t, [][]string{{"w0", "w1"}, {"w2", "w0"}, {"w1", "w2"}}, got)
}

func TestSelectRoundRobinShrinkingRegistry(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "round-robin"
		cfg.Scheduler.MaxWorkers = 1
	})

	for i := 0; i < 4; i++ {
		_, err := s.SelectWorkers(Request{}, makeSnapshot(0, 0, 0, 0, 0))
		require.NoError(t, err)
	}

	alloc, err := s.SelectWorkers(Request{}, makeSnapshot(0, 0))
	require.NoError(t, err)
	assert.Len(t, alloc.Workers, 1)
}

func TestSelectRoundRobinConcurrentDisjoint(t *testing.T) {
	const n = 16
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "round-robin"
		cfg.Scheduler.MaxWorkers = 1
	})
	snap := makeSnapshot(make([]int, n)...)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := s.SelectWorkers(Request{User: fmt.Sprintf("u%d", i)}, snap)
			assert.NoError(t, err)
			mu.Lock()
			for _, id := range workerIDs(alloc) {
				seen[id]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestSelectRandomWithoutReplacement(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "random"
		cfg.Scheduler.MaxWorkers = 3
	})

	for i := 0; i < 200; i++ {
		alloc, err := s.SelectWorkers(Request{}, makeSnapshot(5, 0, 2, 9))
		require.NoError(t, err)
		ids := workerIDs(alloc)
		require.Len(t, ids, 3)
		assert.Len(t, uniq(ids), 3)
	}
}

func TestSelectRandomFavoursIdleWorker(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "random"
		cfg.Scheduler.MaxWorkers = 1
	})
	snap := makeSnapshot(10, 10, 0, 10, 10)

	counts := make(map[string]int)
	for i := 0; i < 5000; i++ {
		alloc, err := s.SelectWorkers(Request{}, snap)
		require.NoError(t, err)
		counts[alloc.Workers[0].ID]++
	}

	for id, c := range counts {
		if id != "w2" {
			assert.Greater(t, counts["w2"], c, "idle worker must win over %s", id)
		}
	}
}

type fixedSource struct{ v uint64 }

func (f fixedSource) Uint64() uint64 { return f.v }

func TestSelectRandomBoundedDraws(t *testing.T) {
	// Float64 from an all-ones source is the largest value below 1 and still picks;
	// a snapshot whose weights are all zero can never pick.
	w, updated := PickWeighted([]int{0, 0}, 0.5)
	assert.Equal(t, -1, w)
	assert.Equal(t, []int{0, 0}, updated)

	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "random"
		cfg.Scheduler.MaxWorkers = 1
	}, WithRand(fixedSource{v: ^uint64(0)}))
	alloc, err := s.SelectWorkers(Request{}, makeSnapshot(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, workerIDs(alloc))
}

func TestPickWeighted(t *testing.T) {
	weights := []int{1, 3, 0, 2}

	idx, updated := PickWeighted(weights, 0.0)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []int{0, 3, 0, 2}, updated)
	assert.Equal(t, []int{1, 3, 0, 2}, weights, "input must not be mutated")

	idx, _ = PickWeighted(weights, 0.5) // target 3 of 6
	assert.Equal(t, 1, idx)

	idx, _ = PickWeighted(weights, 0.99)
	assert.Equal(t, 3, idx)

	idx, _ = PickWeighted(weights, 1.0)
	assert.Equal(t, -1, idx)
}

func TestPickWeightedTieBreakRegistryOrder(t *testing.T) {
	idx, _ := PickWeighted([]int{2, 2, 2}, 0.0)
	assert.Equal(t, 0, idx)
	idx, _ = PickWeighted([]int{2, 2, 2}, 1.0/3)
	assert.Equal(t, 1, idx)
}

func TestLoadWeights(t *testing.T) {
	assert.Equal(t, []int{1, 11, 6}, LoadWeights(makeSnapshot(10, 0, 5).Workers))
	assert.Equal(t, []int{1, 1}, LoadWeights(makeSnapshot(0, 0).Workers))
}

func TestSelectLoadBased(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "load"
		cfg.Scheduler.NodesFraction = 0.5
		cfg.Scheduler.OptWorkersPerUnit = 2
		cfg.Scheduler.MinForQuery = 1
	})

	// free = 4 (loads < 2), n = int(4*0.5*1) + 1 = 3
	alloc, err := s.SelectWorkers(Request{}, makeSnapshot(1, 5, 0, 1, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"w2", "w4", "w0"}, workerIDs(alloc))
}

func TestGetNumWorkers(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		minQ     int
		loads    []int
		req      Request
		groups   map[string]int
		want     int
	}{
		{name: "idle cluster", fraction: 0.5, minQ: 2, loads: []int{0, 0, 0, 0, 0, 0, 0, 0}, want: 6},
		{name: "clamped to total", fraction: 1, minQ: 2, loads: []int{0, 0, 0}, want: 3},
		{name: "busy cluster gets floor", fraction: 0.5, minQ: 2, loads: []int{4, 4, 4, 4}, want: 2},
		{name: "floor limited by total", fraction: 0.5, minQ: 5, loads: []int{4, 4}, want: 2},
		{name: "zero floor still allocates one", fraction: 0, minQ: 0, loads: []int{0, 0}, want: 1},
		{
			name:     "low priority group shrinks",
			fraction: 1, minQ: 0,
			loads:  []int{0, 0, 0, 0, 0, 0, 0, 0},
			groups: map[string]int{"low": 1, "high": 3},
			req:    Request{Group: "low", ActiveGroups: []string{"high", "high"}},
			want:   2, // 8 * 1 * (1*2/6)
		},
		{
			name:     "unknown group is neutral",
			fraction: 0.5, minQ: 0,
			loads:  []int{0, 0, 0, 0},
			groups: map[string]int{"high": 3},
			req:    Request{Group: "nobody", ActiveGroups: []string{"high"}},
			want:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupSchedulerTest(func(cfg *config.Config) {
				cfg.Scheduler.Mode = "load"
				cfg.Scheduler.NodesFraction = tt.fraction
				cfg.Scheduler.MinForQuery = tt.minQ
				cfg.Scheduler.OptWorkersPerUnit = 2
				cfg.Groups = tt.groups
			})
			assert.Equal(t, tt.want, s.GetNumWorkers(tt.req, makeSnapshot(tt.loads...)))
		})
	}
}

func TestMaxSessions(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) { cfg.Scheduler.MaxSessions = 2 })

	_, err := s.SelectWorkers(Request{ActiveGroups: []string{"", ""}}, makeSnapshot(0))
	assert.True(t, errors.Is(err, ErrTooManySessions))

	_, err = s.SelectWorkers(Request{ActiveGroups: []string{""}}, makeSnapshot(0))
	assert.NoError(t, err)
}

func TestExportInfo(t *testing.T) {
	s := setupSchedulerTest(func(cfg *config.Config) {
		cfg.Scheduler.Mode = "load"
		cfg.Scheduler.MaxSessions = 4
		cfg.Groups = map[string]int{"physics": 2}
	})

	info := s.ExportInfo(makeSnapshot(0, 1))
	assert.Contains(t, info, "Selection: load-based, max workers: all & max sessions: 4")
	assert.Contains(t, info, "min for query: 2")
	assert.Contains(t, info, "Registered workers: 2 (master head:1093)")
	assert.Contains(t, info, "Group physics: priority 2")
}

func uniq(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
