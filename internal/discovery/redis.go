// Package discovery feeds the worker registry from an external heartbeat store.
//
// Workers publish themselves as Redis hashes under <prefix>:worker:<id> with
// the fields host, port, active and image, refreshed on every heartbeat. The
// feed polls those hashes and upserts them into the registry; workers whose
// hash expires stop being refreshed and are dropped by the registry's stale
// cleanup.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/pkg/types"
)

const scanBatch = 100

// Client 是 feed 使用的 Redis 命令子集, *redis.Client 满足该接口
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Close() error
}

// Registrar receives the discovered workers.
type Registrar interface {
	Upsert(ctx context.Context, worker types.WorkerDescriptor) error
}

// NewRedisClient 创建Redis客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisFeed polls worker hashes and upserts them into a registry.
type RedisFeed struct {
	client   Client
	registry Registrar
	prefix   string
	interval time.Duration
	clock    clockwork.Clock
	log      *zap.Logger
}

// NewRedisFeed creates a feed.
func NewRedisFeed(client Client, reg Registrar, cfg config.RedisConfig, clock clockwork.Clock, log *zap.Logger) *RedisFeed {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{
		client:   client,
		registry: reg,
		prefix:   cfg.Prefix,
		interval: cfg.PollInterval,
		clock:    clock,
		log:      log.Named("discovery"),
	}
}

// WorkerKey returns the hash key a worker publishes itself under.
func WorkerKey(prefix, id string) string {
	return prefix + ":worker:" + id
}

// Ping 测试连接
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// SyncOnce scans every worker hash once and returns how many workers were upserted.
// Malformed hashes are logged and skipped.
func (f *RedisFeed) SyncOnce(ctx context.Context) (int, error) {
	keys, err := f.scanKeys(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range keys {
		fields, err := f.client.HGetAll(ctx, key).Result()
		if err != nil {
			return n, fmt.Errorf("read %s: %w", key, err)
		}
		if len(fields) == 0 {
			// expired between SCAN and HGETALL
			continue
		}

		worker, err := ParseWorker(strings.TrimPrefix(key, WorkerKey(f.prefix, "")), fields)
		if err != nil {
			f.log.Warn("skipping malformed worker entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if worker.IsMaster() {
			continue
		}
		if err := f.registry.Upsert(ctx, worker); err != nil {
			f.log.Warn("failed to register discovered worker", zap.String("worker", worker.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (f *RedisFeed) scanKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := WorkerKey(f.prefix, "*")
	for {
		batch, next, err := f.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Run syncs immediately, then every poll interval until ctx is done.
func (f *RedisFeed) Run(ctx context.Context) error {
	f.syncAndLog(ctx)

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			f.syncAndLog(ctx)
		}
	}
}

func (f *RedisFeed) syncAndLog(ctx context.Context) {
	n, err := f.SyncOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.log.Error("worker discovery failed", zap.Error(err))
		}
		return
	}
	f.log.Debug("worker discovery synced", zap.Int("workers", n))
}

// Close 关闭Redis连接
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// ParseWorker builds a descriptor from a worker hash. host is required; a
// missing active count leaves the registry's count unchanged.
func ParseWorker(id string, fields map[string]string) (types.WorkerDescriptor, error) {
	w := types.WorkerDescriptor{
		ID:             id,
		Host:           fields["host"],
		Role:           types.WorkerRoleWorker,
		ImageID:        fields["image"],
		ActiveSessions: -1,
	}
	if w.ID == "" {
		return w, fmt.Errorf("empty worker id")
	}
	if w.Host == "" {
		return w, fmt.Errorf("missing host")
	}
	if fields["role"] == string(types.WorkerRoleMaster) {
		w.Role = types.WorkerRoleMaster
	}
	if v, ok := fields["port"]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return w, fmt.Errorf("invalid port %q", v)
		}
		w.Port = port
	}
	if v, ok := fields["active"]; ok && v != "" {
		active, err := strconv.Atoi(v)
		if err != nil || active < 0 {
			return w, fmt.Errorf("invalid active count %q", v)
		}
		w.ActiveSessions = active
	}
	return w, nil
}
