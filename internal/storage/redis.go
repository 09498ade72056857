package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "dashbot/pkg/logx"
)

// redisBackend stores documents as fields of a single hash "<prefix>:documents".
type redisBackend struct {
	rdb *redis.Client
	key string
	log logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Backend, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return newRedisBackend(rdb, cfg.Redis.Prefix, log), nil
}

func newRedisBackend(rdb *redis.Client, prefix string, log logx.Logger) *redisBackend {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "dashbot"
	}
	return &redisBackend{rdb: rdb, key: prefix + ":documents", log: log}
}

func (r *redisBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	m, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(m))
	for name, body := range m {
		if !json.Valid([]byte(body)) {
			r.log.Warn("redis document corrupt; ignoring", logx.String("store", name))
			continue
		}
		out[name] = json.RawMessage(body)
	}
	return out, nil
}

func (r *redisBackend) Save(ctx context.Context, changed string, all map[string]json.RawMessage) error {
	raw, ok := all[changed]
	if !ok {
		return r.rdb.HDel(ctx, r.key, changed).Err()
	}
	return r.rdb.HSet(ctx, r.key, changed, string(raw)).Err()
}

func (r *redisBackend) Close() error { return r.rdb.Close() }
