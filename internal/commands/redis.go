package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/go-redis/redis/v8"
)

// RedisQueue keeps each device's flags in one hash, key prefix + device ID.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue creates a queue on client. An empty prefix uses
// "sunlink:commands:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "sunlink:commands:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) key(deviceID string) string {
	return q.prefix + deviceID
}

func (q *RedisQueue) SetCommand(ctx context.Context, deviceID string, name Name, value bool) error {
	if err := checkArgs(deviceID, name); err != nil {
		return err
	}
	var err error
	if value {
		err = q.client.HSet(ctx, q.key(deviceID), string(name), 1).Err()
	} else {
		err = q.client.HDel(ctx, q.key(deviceID), string(name)).Err()
	}
	return classify("set command", err)
}

// DrainPendingCommands reads and deletes the hash inside MULTI/EXEC.
func (q *RedisQueue) DrainPendingCommands(ctx context.Context, deviceID string) (Flags, error) {
	if deviceID == "" {
		return nil, apperr.Validation("deviceId is required")
	}
	var all *redis.StringStringMapCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, q.key(deviceID))
		pipe.Del(ctx, q.key(deviceID))
		return nil
	})
	if err != nil {
		return nil, classify("drain commands", err)
	}
	flags := fromHash(all.Val())
	recordDrained(flags)
	return flags, nil
}

func (q *RedisQueue) Peek(ctx context.Context, deviceID string) (Flags, error) {
	m, err := q.client.HGetAll(ctx, q.key(deviceID)).Result()
	if err != nil {
		return nil, classify("peek commands", err)
	}
	return fromHash(m), nil
}

// Ping checks connectivity for health reporting.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func fromHash(m map[string]string) Flags {
	flags := NewFlags()
	for k, v := range m {
		if n := Name(k); n.Valid() && v == "1" {
			flags[n] = true
		}
	}
	return flags
}

// classify maps redis failures to Transient; redis.Nil is not an error here.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return apperr.Transient("command queue unavailable", fmt.Errorf("%s: %w", op, err))
}
