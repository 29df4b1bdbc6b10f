// Package cache содержит кэш ответов каталога поверх Redis.
// Недоступность Redis не считается ошибкой: кэш молча отключается,
// запросы идут напрямую в хранилище.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL — срок жизни закэшированных ответов каталога.
const DefaultTTL = 5 * time.Minute

// Cache — обёртка над Redis с деградацией до «без кэша».
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// New подключается к Redis по адресу redisURL. Пустой адрес или неудачный
// ping дают отключённый кэш: все операции становятся no-op.
func New(ctx context.Context, redisURL string, logger *zap.Logger) *Cache {
	if redisURL == "" {
		return &Cache{logger: logger}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, cache disabled", zap.Error(err))
		return &Cache{logger: logger}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, cache disabled", zap.Error(err))
		_ = client.Close()
		return &Cache{logger: logger}
	}

	logger.Info("redis cache connected")
	return &Cache{client: client, logger: logger}
}

// Enabled сообщает, подключён ли кэш.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Key собирает ключ кэша из префикса и частей запроса.
func Key(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return prefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// Get возвращает закэшированное значение либо nil при промахе.
// Ошибки Redis подавляются: промах безопаснее отказа.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	if !c.Enabled() {
		return nil
	}

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	return val
}

// Set сохраняет значение с TTL по умолчанию. Ошибки подавляются.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	if !c.Enabled() {
		return
	}

	if err := c.client.Set(ctx, key, value, DefaultTTL).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidatePrefix удаляет все ключи с указанным префиксом. Используется
// после записей в каталог, чтобы витрина не отдавала устаревшие цены.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	if !c.Enabled() {
		return
	}

	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache scan failed", zap.String("prefix", prefix), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.String("prefix", prefix), zap.Error(err))
	}
}

// Close закрывает соединение с Redis.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
