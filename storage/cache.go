package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldboard/domain"
)

const versionTTL = 24 * time.Hour

var errStaleListing = errors.New("task listing changed while loading")

type backend interface {
	ListTasks(ctx context.Context, owner string) ([]domain.Task, error)
	GetTask(ctx context.Context, owner, id string) (domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdatePlacement(ctx context.Context, owner, id string, p domain.Placement) error
	DeleteTask(ctx context.Context, owner, id string) error
	PublishEvents(ctx context.Context, events []domain.Event) error
}

// Cache wraps a backend with Redis-backed caching for task listings.
//
// Every write bumps a per-owner version. A listing loaded from the backend is
// only cached if the version it was loaded under is still current, so a slow
// read can never put back a listing that a concurrent write already evicted.
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
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, owner); ok {
		return tasks, nil
	}

	ver, verOK := c.listingVersion(ctx, owner)
	tasks, err := c.base.ListTasks(ctx, owner)
	if err != nil {
		return nil, err
	}

	if verOK {
		c.storeTasks(ctx, owner, ver, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, owner, id)
}

// CreateTask writes through and invalidates the owner's cached listing.
func (c *Cache) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := c.base.CreateTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.invalidate(ctx, t.Owner)
	return created, nil
}

// UpdatePlacement writes through and invalidates the owner's cached listing.
func (c *Cache) UpdatePlacement(ctx context.Context, owner, id string, p domain.Placement) error {
	if err := c.base.UpdatePlacement(ctx, owner, id, p); err != nil {
		return err
	}
	c.invalidate(ctx, owner)
	return nil
}

// DeleteTask writes through and invalidates the owner's cached listing.
func (c *Cache) DeleteTask(ctx context.Context, owner, id string) error {
	if err := c.base.DeleteTask(ctx, owner, id); err != nil {
		return err
	}
	c.invalidate(ctx, owner)
	return nil
}

func (c *Cache) PublishEvents(ctx context.Context, events []domain.Event) error {
	return c.base.PublishEvents(ctx, events)
}

func (c *Cache) loadTasksFromCache(ctx context.Context, owner string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(owner)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) listingVersion(ctx context.Context, owner string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	ver, err := parseVersion(c.redis.Get(ctx, tasksVersionKey(owner)))
	if err != nil {
		return 0, false
	}
	return ver, true
}

// storeTasks caches tasks unless the owner's version moved past ver.
func (c *Cache) storeTasks(ctx context.Context, owner string, ver int64, tasks []domain.Task) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	vkey := tasksVersionKey(owner)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := parseVersion(tx.Get(ctx, vkey))
		if err != nil {
			return err
		}
		if cur != ver {
			return errStaleListing
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(owner), data, c.ttl)
			return nil
		})
		return err
	}, vkey)
}

func (c *Cache) invalidate(ctx context.Context, owner string) {
	if c.redis == nil {
		return
	}
	vkey := tasksVersionKey(owner)
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, versionTTL)
		pipe.Del(ctx, tasksCacheKey(owner))
		return nil
	})
}

func parseVersion(cmd *redis.StringCmd) (int64, error) {
	ver, err := cmd.Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ver, err
}

func tasksCacheKey(owner string) string {
	return "tasks:" + owner
}

func tasksVersionKey(owner string) string {
	return "tasks-version:" + owner
}
