package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
)

const (
	tasksCachePrefix = "tasks:"
	tasksVersionKey  = "tasks:version"
	defaultTasksTTL  = time.Minute
)

type backend interface {
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
}

// Cache wraps a task store with Redis-backed caching of list results. Every
// successful mutation bumps a version counter that is part of each list key,
// so a refetch issued after a change event never reads a stale listing.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl <= 0 {
		ttl = defaultTasksTTL
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	key, ok := c.listKey(ctx, filter)
	if ok {
		if tasks, hit := c.load(ctx, key); hit {
			return tasks, nil
		}
	}

	tasks, err := c.base.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, key, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	t, err := c.base.CreateTask(ctx, in)
	if err != nil {
		return domain.Task{}, err
	}
	c.invalidate(ctx)
	return t, nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	t, err := c.base.UpdateTask(ctx, id, in)
	if err != nil {
		return domain.Task{}, err
	}
	c.invalidate(ctx)
	return t, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := c.base.DeleteTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.invalidate(ctx)
	return t, nil
}

// listKey returns the cache key for filter at the current version. ok is
// false when Redis is unavailable and the cache should be bypassed.
func (c *Cache) listKey(ctx context.Context, filter domain.TaskFilter) (string, bool) {
	if c.redis == nil {
		return "", false
	}
	version, err := c.redis.Get(ctx, tasksVersionKey).Int64()
	if err != nil && err != redis.Nil {
		log.WithError(err).Warn("tasks cache version lookup failed; bypassing cache")
		return "", false
	}
	return tasksCacheKey(version, filter), true
}

func (c *Cache) load(ctx context.Context, key string) ([]domain.Task, bool) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, key string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("failed to store tasks cache entry")
	}
}

func (c *Cache) invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Incr(ctx, tasksVersionKey).Err(); err != nil {
		log.WithError(err).Error("failed to bump tasks cache version")
	}
}

func tasksCacheKey(version int64, f domain.TaskFilter) string {
	var b strings.Builder
	b.WriteString(tasksCachePrefix)
	b.WriteString(strconv.FormatInt(version, 10))
	b.WriteString(":q=")
	b.WriteString(strconv.Quote(f.Search))
	b.WriteString(":a=")
	b.WriteString(strconv.Quote(f.AssigneeID))
	if !f.From.IsZero() {
		b.WriteString(":from=")
		b.WriteString(formatTime(f.From))
	}
	if !f.To.IsZero() {
		b.WriteString(":to=")
		b.WriteString(formatTime(f.To))
	}
	return b.String()
}
