// Package redisbroker implements domain.QueueBroker against Redis:
// FIFO lists for immediate queues, a paired sorted set per queue for
// delayed work, hashes for processing metadata and lock/heartbeat keys,
// and native pub/sub for the broadcast room channel.
package redisbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("queue.redisbroker")

// Broker implements domain.QueueBroker.
type Broker struct {
	rdb *redis.Client

	releaseLockScript *redis.Script
	delayedDueScript  *redis.Script
}

// NewBroker wraps an existing go-redis client.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{
		rdb:               rdb,
		releaseLockScript: redis.NewScript(luaReleaseLock),
		delayedDueScript:  redis.NewScript(luaDelayedDue),
	}
}

// delayedKey is the paired sorted-set name for an immediate queue.
func delayedKey(queue string) string { return queue + ":delayed" }

// Push enqueues payload onto the tail of queue.
func (b *Broker) Push(ctx context.Context, queue string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "Broker.Push")
	defer span.End()
	span.SetAttributes(attribute.String("queue", queue))
	if err := b.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("op=broker.Push: %w", err)
	}
	return nil
}

// BlockMoveToProcessing blocks up to timeout waiting for queue to be
// non-empty, then atomically moves its head into processingList via BLMOVE,
// so a crash can never observe the payload on both lists or on neither.
// Callers that need crash recovery stamp their own processing metadata
// (see the StoreWorker's trackMeta and its requeue sweeper).
func (b *Broker) BlockMoveToProcessing(ctx context.Context, queue, processingList string, timeout time.Duration) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "Broker.BlockMoveToProcessing")
	defer span.End()
	span.SetAttributes(attribute.String("queue", queue), attribute.String("processing_list", processingList))

	res, err := b.rdb.BLMove(ctx, queue, processingList, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=broker.BlockMoveToProcessing: %w", err)
	}
	return []byte(res), true, nil
}

// RemoveFromProcessing removes one occurrence of payload from processingList.
func (b *Broker) RemoveFromProcessing(ctx context.Context, processingList string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "Broker.RemoveFromProcessing")
	defer span.End()
	if err := b.rdb.LRem(ctx, processingList, 1, payload).Err(); err != nil {
		return fmt.Errorf("op=broker.RemoveFromProcessing: %w", err)
	}
	return nil
}

const luaReleaseLock = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// AcquireLock sets key to value with NX semantics and the given TTL.
func (b *Broker) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Broker.AcquireLock")
	defer span.End()
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=broker.AcquireLock: %w", err)
	}
	return ok, nil
}

// ReleaseLock deletes key iff its current value equals value.
func (b *Broker) ReleaseLock(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "Broker.ReleaseLock")
	defer span.End()
	if err := b.releaseLockScript.Run(ctx, b.rdb, []string{key}, value).Err(); err != nil {
		return fmt.Errorf("op=broker.ReleaseLock: %w", err)
	}
	return nil
}

// SetNX sets key to value with TTL iff key does not already exist.
func (b *Broker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Broker.SetNX")
	defer span.End()
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=broker.SetNX: %w", err)
	}
	return ok, nil
}

// DelayedAdd adds payload to queue's paired delayed sorted set scored by
// dueAt's unix timestamp.
func (b *Broker) DelayedAdd(ctx context.Context, queue string, payload []byte, dueAt time.Time) error {
	ctx, span := tracer.Start(ctx, "Broker.DelayedAdd")
	defer span.End()
	err := b.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(dueAt.Unix()), Member: payload}).Err()
	if err != nil {
		return fmt.Errorf("op=broker.DelayedAdd: %w", err)
	}
	return nil
}

// luaDelayedDue atomically pops up to ARGV[2] members scored <= ARGV[1].
const luaDelayedDue = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local members = redis.call("ZRANGEBYSCORE", key, "-inf", now, "LIMIT", 0, limit)
if #members == 0 then
  return {}
end
redis.call("ZREM", key, unpack(members))
return members
`

// DelayedDue pops up to limit entries from queue's delayed sorted set with
// score <= now.
func (b *Broker) DelayedDue(ctx context.Context, queue string, now time.Time, limit int64) ([][]byte, error) {
	ctx, span := tracer.Start(ctx, "Broker.DelayedDue")
	defer span.End()
	res, err := b.delayedDueScript.Run(ctx, b.rdb, []string{delayedKey(queue)}, now.Unix(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.DelayedDue: %w", err)
	}
	members, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		s, ok := m.(string)
		if !ok {
			continue
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

// DelayedReschedule re-scores payload in queue's delayed sorted set.
func (b *Broker) DelayedReschedule(ctx context.Context, queue string, payload []byte, dueAt time.Time) error {
	ctx, span := tracer.Start(ctx, "Broker.DelayedReschedule")
	defer span.End()
	err := b.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(dueAt.Unix()), Member: payload}).Err()
	if err != nil {
		return fmt.Errorf("op=broker.DelayedReschedule: %w", err)
	}
	return nil
}

// Len returns the length of a FIFO list.
func (b *Broker) Len(ctx context.Context, queue string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Broker.Len")
	defer span.End()
	n, err := b.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("op=broker.Len: %w", err)
	}
	return n, nil
}

// HSet sets a hash field.
func (b *Broker) HSet(ctx context.Context, key, field, value string) error {
	if err := b.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("op=broker.HSet: %w", err)
	}
	return nil
}

// HGet reads a hash field.
func (b *Broker) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := b.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=broker.HGet: %w", err)
	}
	return v, true, nil
}

// HDel deletes hash fields.
func (b *Broker) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := b.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("op=broker.HDel: %w", err)
	}
	return nil
}

// HGetAll reads an entire hash.
func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.HGetAll: %w", err)
	}
	return m, nil
}

// Publish emits payload to all subscribers of room via Redis pub/sub.
func (b *Broker) Publish(ctx context.Context, room string, payload []byte) error {
	if err := b.rdb.Publish(ctx, "room:"+room, payload).Err(); err != nil {
		return fmt.Errorf("op=broker.Publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}
