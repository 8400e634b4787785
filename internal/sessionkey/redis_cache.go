package sessionkey

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentPay-Chain/internal/permission"
)

// RedisCacheConfig 描述会话缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache 在授权读路径上为底层 Store 提供只读缓存。
// 所有写操作直接落到权威存储并使缓存失效；扣减额度永远不走缓存。
type RedisCache struct {
	store  Store
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache 创建带 Redis 缓存的 Store 包装。
func NewRedisCache(store Store, cfg RedisCacheConfig) (*RedisCache, error) {
	if store == nil {
		return nil, stdErrors.New("底层会话存储不能为空")
	}
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{store: store, client: client, ttl: ttl}, nil
}

func keyByID(id string) string {
	return "agentpay:session:" + id
}

func keyByScope(scope Scope) string {
	return fmt.Sprintf("agentpay:session:scope:%s:%s:%s", scope.WalletID, scope.UserID, scope.AgentID)
}

// Create 透传到权威存储。
func (c *RedisCache) Create(ctx context.Context, key *SessionKey) error {
	if err := c.store.Create(ctx, key); err != nil {
		return err
	}
	if key != nil {
		c.invalidate(ctx, key)
	}
	return nil
}

// Get 优先读缓存，未命中时回源并写入缓存。
func (c *RedisCache) Get(ctx context.Context, id string) (*SessionKey, error) {
	if cached, ok := c.load(ctx, keyByID(id)); ok {
		return cached, nil
	}
	key, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.save(ctx, keyByID(id), key)
	return key, nil
}

// GetActive 同样走缓存。缓存命中后仍需校验时间有效性，
// 避免在 TTL 窗口内返回刚过期的密钥。
func (c *RedisCache) GetActive(ctx context.Context, scope Scope) (*SessionKey, error) {
	if cached, ok := c.load(ctx, keyByScope(scope)); ok {
		if cached.Usable(time.Now()) {
			return cached, nil
		}
		c.del(ctx, keyByScope(scope))
	}
	key, err := c.store.GetActive(ctx, scope)
	if err != nil {
		return nil, err
	}
	c.save(ctx, keyByScope(scope), key)
	return key, nil
}

// GetLatest 直达权威存储。该查询只出现在续期判定路径上，
// 结果不值得缓存。
func (c *RedisCache) GetLatest(ctx context.Context, scope Scope) (*SessionKey, error) {
	return c.store.GetLatest(ctx, scope)
}

// DebitSpending 绕过缓存直达权威存储，成功后使相关缓存失效。
func (c *RedisCache) DebitSpending(ctx context.Context, id string, amount *big.Int) (*permission.Permission, error) {
	perm, err := c.store.DebitSpending(ctx, id, amount)
	c.invalidateByID(ctx, id)
	return perm, err
}

// MarkExpired 透传并失效缓存。
func (c *RedisCache) MarkExpired(ctx context.Context, id string) error {
	err := c.store.MarkExpired(ctx, id)
	c.invalidateByID(ctx, id)
	return err
}

// Renew 透传并失效缓存。
func (c *RedisCache) Renew(ctx context.Context, id string, newExpiry int64) (*SessionKey, error) {
	key, err := c.store.Renew(ctx, id, newExpiry)
	c.invalidateByID(ctx, id)
	return key, err
}

// Revoke 透传并失效缓存。
func (c *RedisCache) Revoke(ctx context.Context, id string) error {
	err := c.store.Revoke(ctx, id)
	c.invalidateByID(ctx, id)
	return err
}

// Close 释放 Redis 连接并关闭底层存储。
func (c *RedisCache) Close() error {
	var errs []error
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return stdErrors.Join(errs...)
}

func (c *RedisCache) load(ctx context.Context, cacheKey string) (*SessionKey, bool) {
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var key SessionKey
	if err := json.Unmarshal(raw, &key); err != nil {
		c.del(ctx, cacheKey)
		return nil, false
	}
	return &key, true
}

func (c *RedisCache) save(ctx context.Context, cacheKey string, key *SessionKey) {
	raw, err := json.Marshal(key)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey, raw, c.ttl).Err()
}

func (c *RedisCache) del(ctx context.Context, cacheKeys ...string) {
	if len(cacheKeys) == 0 {
		return
	}
	_ = c.client.Del(ctx, cacheKeys...).Err()
}

func (c *RedisCache) invalidateByID(ctx context.Context, id string) {
	key, err := c.store.Get(ctx, id)
	if err != nil {
		c.del(ctx, keyByID(id))
		return
	}
	c.invalidate(ctx, key)
}

func (c *RedisCache) invalidate(ctx context.Context, key *SessionKey) {
	scope := Scope{WalletID: key.WalletID, UserID: key.UserID, AgentID: key.AgentID}
	c.del(ctx, keyByID(key.ID), keyByScope(scope), keyByScope(Scope{WalletID: key.WalletID, UserID: key.UserID}))
}

var _ Store = (*RedisCache)(nil)
