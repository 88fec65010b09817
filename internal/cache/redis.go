package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/mailbridge/internal/metrics"
	"github.com/gotrs-io/mailbridge/internal/models"
)

const routingKeyPrefix = "org:routing:"

// Config defines the Redis connection.
type Config struct {
	Addrs    []string
	Password string
	DB       int

	// Cluster mode
	ClusterMode bool

	KeyPrefix string

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// redisClient is the part of redis.Cmdable the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisClient connects to a standalone server or a cluster and pings it.
func NewRedisClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addrs[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisOrganizationCache stores resolved organizations under
// <prefix>org:routing:<address>.
type RedisOrganizationCache struct {
	client    redisClient
	keyPrefix string
}

// NewRedisOrganizationCache wraps a connected client.
func NewRedisOrganizationCache(client redisClient, keyPrefix string) *RedisOrganizationCache {
	return &RedisOrganizationCache{client: client, keyPrefix: keyPrefix}
}

func (rc *RedisOrganizationCache) key(address string) string {
	return rc.keyPrefix + routingKeyPrefix + strings.ToLower(address)
}

// GetOrganization returns nil, nil on a miss.
func (rc *RedisOrganizationCache) GetOrganization(ctx context.Context, address string) (*models.Organization, error) {
	val, err := rc.client.Get(ctx, rc.key(address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.OrganizationCache.WithLabelValues("miss").Inc()
			return nil, nil
		}
		metrics.OrganizationCache.WithLabelValues("error").Inc()
		return nil, err
	}
	var org models.Organization
	if err := json.Unmarshal(val, &org); err != nil {
		metrics.OrganizationCache.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode cached organization: %w", err)
	}
	metrics.OrganizationCache.WithLabelValues("hit").Inc()
	return &org, nil
}

// SetOrganization stores org for ttl.
func (rc *RedisOrganizationCache) SetOrganization(ctx context.Context, address string, org *models.Organization, ttl time.Duration) error {
	if org == nil {
		return nil
	}
	data, err := json.Marshal(org)
	if err != nil {
		return err
	}
	return rc.client.Set(ctx, rc.key(address), data, ttl).Err()
}

// Invalidate drops the entry for address, used when a routing address changes.
func (rc *RedisOrganizationCache) Invalidate(ctx context.Context, address string) error {
	return rc.client.Del(ctx, rc.key(address)).Err()
}
