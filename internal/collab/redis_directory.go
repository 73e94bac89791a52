package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"suggestions/engine/internal/suggestion/rtc"
)

// RedisDirectory keeps one hash per root (fork id -> info JSON) plus a
// fork -> root key used for deletes.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

var _ Directory = (*RedisDirectory)(nil)

func NewRedisDirectory(redisURL string) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDirectoryWithClient(client), nil
}

func NewRedisDirectoryWithClient(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: "collab:"}
}

func (d *RedisDirectory) rootKey(rootID string) string { return d.prefix + "forks:" + rootID }
func (d *RedisDirectory) forkKey(forkID string) string { return d.prefix + "fork:" + forkID }

func (d *RedisDirectory) Save(ctx context.Context, forkID string, info rtc.ForkInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal fork info: %w", err)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, d.rootKey(info.RootID), forkID, payload)
		pipe.Set(ctx, d.forkKey(forkID), info.RootID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save fork %s: %w", forkID, err)
	}
	return nil
}

func (d *RedisDirectory) Delete(ctx context.Context, forkID string) error {
	rootID, err := d.client.Get(ctx, d.forkKey(forkID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup fork %s: %w", forkID, err)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, d.rootKey(rootID), forkID)
		pipe.Del(ctx, d.forkKey(forkID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete fork %s: %w", forkID, err)
	}
	return nil
}

func (d *RedisDirectory) List(ctx context.Context, rootID string) (map[string]rtc.ForkInfo, error) {
	entries, err := d.client.HGetAll(ctx, d.rootKey(rootID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list forks of %s: %w", rootID, err)
	}
	out := make(map[string]rtc.ForkInfo, len(entries))
	for forkID, payload := range entries {
		var info rtc.ForkInfo
		if err := json.Unmarshal([]byte(payload), &info); err != nil {
			return nil, fmt.Errorf("decode fork %s: %w", forkID, err)
		}
		out[forkID] = info
	}
	return out, nil
}

func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
