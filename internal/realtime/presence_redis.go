package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errMissingRedisClient = errors.New("redis client is required")

// RedisRegistry keeps membership in Redis so several API processes share it.
// Each member carries an expiry score refreshed by the tracker heartbeat; a
// member whose process died stops being listed once its score lapses.
type RedisRegistry struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, ttl time.Duration, clock func() time.Time) (*RedisRegistry, error) {
	if rdb == nil {
		return nil, errMissingRedisClient
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisRegistry{rdb: rdb, ttl: ttl, clock: clock}, nil
}

// HeartbeatInterval is how often trackers should refresh their members.
func (r *RedisRegistry) HeartbeatInterval() time.Duration {
	return r.ttl / 3
}

func (r *RedisRegistry) keyMembers(channel string) string {
	return "presence:" + strings.TrimSpace(channel) + ":members"
}

func (r *RedisRegistry) keyExpiry(channel string) string {
	return "presence:" + strings.TrimSpace(channel) + ":expiry"
}

func (r *RedisRegistry) Add(ctx context.Context, channel string, member Member) error {
	raw, err := json.Marshal(member)
	if err != nil {
		return err
	}
	expiresAt := r.clock().Add(r.ttl).UnixMilli()
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.keyMembers(channel), member.Ref, raw)
		pipe.ZAdd(ctx, r.keyExpiry(channel), redis.Z{Score: float64(expiresAt), Member: member.Ref})
		pipe.Expire(ctx, r.keyMembers(channel), 2*r.ttl)
		pipe.Expire(ctx, r.keyExpiry(channel), 2*r.ttl)
		return nil
	})
	return err
}

func (r *RedisRegistry) Remove(ctx context.Context, channel, ref string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.keyMembers(channel), ref)
		pipe.ZRem(ctx, r.keyExpiry(channel), ref)
		return nil
	})
	return err
}

func (r *RedisRegistry) Refresh(ctx context.Context, channel, ref string) error {
	expiresAt := r.clock().Add(r.ttl).UnixMilli()
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, r.keyExpiry(channel), redis.Z{Score: float64(expiresAt), Member: ref})
		pipe.Expire(ctx, r.keyMembers(channel), 2*r.ttl)
		pipe.Expire(ctx, r.keyExpiry(channel), 2*r.ttl)
		return nil
	})
	return err
}

func (r *RedisRegistry) List(ctx context.Context, channel string) ([]Member, error) {
	now := strconv.FormatInt(r.clock().UnixMilli(), 10)
	expired, err := r.rdb.ZRangeByScore(ctx, r.keyExpiry(channel), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.keyMembers(channel), expired...)
			pipe.ZRemRangeByScore(ctx, r.keyExpiry(channel), "-inf", now)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	raw, err := r.rdb.HGetAll(ctx, r.keyMembers(channel)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(raw))
	for _, value := range raw {
		var member Member
		if err := json.Unmarshal([]byte(value), &member); err != nil {
			continue
		}
		members = append(members, member)
	}
	return members, nil
}
