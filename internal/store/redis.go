package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"safnode/internal/proto"
)

const redisLoadChunk = 256

// RedisBackend stores each message as a string key that expires with the
// message, plus a sorted set index scored by stored_at.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if prefix == "" {
		prefix = "saf"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) indexKey() string {
	return fmt.Sprintf("%s:messages", b.prefix)
}

func (b *RedisBackend) msgKey(id string) string {
	return fmt.Sprintf("%s:msg:%s", b.prefix, id)
}

func (b *RedisBackend) Load(ctx context.Context) ([]StoredMessage, error) {
	ids, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []StoredMessage
	var stale []any
	for start := 0; start < len(ids); start += redisLoadChunk {
		end := start + redisLoadChunk
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, b.msgKey(id))
		}
		vals, err := b.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[start+i])
				continue
			}
			var w proto.StoredMessageWire
			if err := json.Unmarshal([]byte(raw), &w); err != nil {
				stale = append(stale, ids[start+i])
				continue
			}
			m, err := FromWire(w)
			if err != nil {
				stale = append(stale, ids[start+i])
				continue
			}
			out = append(out, m)
		}
	}
	if len(stale) > 0 {
		// keys expired by redis leave their index entries behind
		b.client.ZRem(ctx, b.indexKey(), stale...)
	}
	return out, nil
}

func (b *RedisBackend) Put(ctx context.Context, m StoredMessage) error {
	data, err := json.Marshal(m.Wire())
	if err != nil {
		return err
	}
	id := idKey(m.ID)
	ttl := time.Until(m.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.msgKey(id), data, ttl)
		pipe.ZAdd(ctx, b.indexKey(), redis.Z{
			Score:  float64(m.StoredAt.UnixMilli()),
			Member: id,
		})
		return nil
	})
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, ids [][32]byte) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		k := idKey(id)
		keys = append(keys, b.msgKey(k))
		members = append(members, k)
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, b.indexKey(), members...)
		return nil
	})
	return err
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
