package fabric

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	rt:conn:<user>           HASH  connID -> gatewayID, TTL renewed on heartbeat
//	rt:lastseen:<user>       STRING unix-ms
//	rt:typing:<topic>:<user> STRING "1" with TTL
//
// A user is online iff the conn hash is non-empty on any node. The TTL on
// the hash bounds staleness when a node dies without cleaning up.
type RedisState struct {
	rdb *redis.Client
}

func NewRedisState(rdb *redis.Client) *RedisState {
	return &RedisState{rdb: rdb}
}

func connKey(user string) string          { return "rt:conn:" + user }
func lastSeenKey(user string) string      { return "rt:lastseen:" + user }
func typingKey(topic, user string) string { return "rt:typing:" + topic + ":" + user }

func (s *RedisState) AddConn(ctx context.Context, userID, connID, gatewayID string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, connKey(userID), connID, gatewayID)
	pipe.Expire(ctx, connKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return errors.WithStack(err)
}

func (s *RedisState) RemoveConn(ctx context.Context, userID, connID string) error {
	return errors.WithStack(s.rdb.HDel(ctx, connKey(userID), connID).Err())
}

func (s *RedisState) Conns(ctx context.Context, userID string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, connKey(userID)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return m, nil
}

func (s *RedisState) TouchConns(ctx context.Context, userID string, ttl time.Duration) error {
	return errors.WithStack(s.rdb.Expire(ctx, connKey(userID), ttl).Err())
}

func (s *RedisState) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	return errors.WithStack(s.rdb.Set(ctx, lastSeenKey(userID), at.UnixMilli(), 0).Err())
}

func (s *RedisState) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	v, err := s.rdb.Get(ctx, lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisState) SetTyping(ctx context.Context, userID, topic string, ttl time.Duration) error {
	return errors.WithStack(s.rdb.Set(ctx, typingKey(topic, userID), "1", ttl).Err())
}

func (s *RedisState) ClearTyping(ctx context.Context, userID, topic string) error {
	return errors.WithStack(s.rdb.Del(ctx, typingKey(topic, userID)).Err())
}

func (s *RedisState) IsTyping(ctx context.Context, userID, topic string) (bool, error) {
	n, err := s.rdb.Exists(ctx, typingKey(topic, userID)).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}
