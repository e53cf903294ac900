package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisHost = "localhost"
	defaultRedisPort = 6379
)

// RedisOption defines connection options for the sharded cache.
type RedisOption struct {
	Host     string
	Port     int
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisClient wraps a redis connection pool.
type RedisClient struct {
	opt RedisOption
	rdb *redis.Client
}

// NewRedis creates a redis client and verifies the connection.
func NewRedis(ctx context.Context, option RedisOption) (*RedisClient, error) {
	host := option.Host
	if host == "" {
		host = defaultRedisHost
	}
	port := option.Port
	if port == 0 {
		port = defaultRedisPort
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Password:     option.Password,
		DB:           option.DB,
		DialTimeout:  option.DialTimeout,
		ReadTimeout:  option.ReadTimeout,
		WriteTimeout: option.WriteTimeout,
		PoolSize:     option.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &RedisClient{opt: option, rdb: rdb}, nil
}

// RDB returns the underlying redis client.
func (c *RedisClient) RDB() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// Close closes the underlying connection pool.
func (c *RedisClient) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
