package recovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"chaingraph/internal/config"
	"chaingraph/pkg/models"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
)

// Cache 骨架恢复结果缓存
type Cache interface {
	Get(ctx context.Context, hash string) (*models.Skeleton, bool, error)
	Set(ctx context.Context, hash string, s *models.Skeleton) error
}

// cloneSkeleton 浅拷贝，切片视为只读
func cloneSkeleton(s *models.Skeleton) *models.Skeleton {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// DefaultCacheSize 进程内缓存默认容量
const DefaultCacheSize = 10000

// MemoryCache 进程内缓存，并发读；满了清掉一半，被清掉的骨架再从图存储读回
type MemoryCache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]*models.Skeleton
}

// NewMemoryCache capacity <= 0 时使用默认容量
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &MemoryCache{capacity: capacity, entries: make(map[string]*models.Skeleton)}
}

func (c *MemoryCache) Get(_ context.Context, hash string) (*models.Skeleton, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[strings.ToLower(hash)]
	return cloneSkeleton(s), ok, nil
}

func (c *MemoryCache) Set(_ context.Context, hash string, s *models.Skeleton) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(hash)
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		evictHalf(c.entries, c.capacity)
	}
	c.entries[key] = cloneSkeleton(s)
	return nil
}

// evictHalf 清理到容量的一半，调用方持有写锁
func evictHalf[V any](m map[string]V, capacity int) {
	target := capacity / 2
	for key := range m {
		if len(m) <= target {
			return
		}
		delete(m, key)
	}
}

// Len 缓存条目数
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache 多个实例共享的缓存层
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache 校验配置并创建客户端
func NewRedisCache(cfg *config.RedisConfig, v *validator.Validate) (*RedisCache, error) {
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("redis配置无效: %w", err)
	}

	opts := &redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: time.Duration(cfg.DialTimeoutSeconds) * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return NewRedisCacheWithClient(redis.NewClient(opts), cfg.KeyPrefix, time.Duration(cfg.TTLSeconds)*time.Second), nil
}

// NewRedisCacheWithClient 使用已有客户端
func NewRedisCacheWithClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "chaingraph:skeleton"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(hash string) string {
	return c.prefix + ":" + strings.ToLower(hash)
}

func (c *RedisCache) Get(ctx context.Context, hash string) (*models.Skeleton, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取redis缓存失败: %w", err)
	}
	var s models.Skeleton
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("解析redis缓存失败: %w", err)
	}
	return &s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, hash string, s *models.Skeleton) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key(hash), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入redis缓存失败: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
