package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"inventory-collector/internal/config"
	"inventory-collector/internal/pipeline"
)

// Lanes are drained in this order.
const (
	LaneCollect = "collect"
	LaneCleanup = "cleanup"
)

// Item is one leased unit of work. Collect items carry a job task id; cleanup
// items carry an encoded pipeline task in Payload.
type Item struct {
	ID       string
	Lane     string
	Payload  []byte
	Attempts int
}

// RedisQueue coordinates ready, in-flight, and scheduled work in Redis.
type RedisQueue struct {
	client        *redis.Client
	lanes         []string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.VisibilityTimeout)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		lanes:         []string{LaneCollect, LaneCleanup},
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		metaPrefix:    "queue:meta:",
		visibilityTTL: visibility,
		dlqKey:        "queue:dlq",
	}
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("queue:ready:%s", lane)
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// EnqueueTask makes a job task available to workers.
func (q *RedisQueue) EnqueueTask(ctx context.Context, jobTaskID string) error {
	return q.enqueue(ctx, LaneCollect, jobTaskID, nil)
}

// EnqueuePipeline pushes a cleanup descriptor and returns the queue id assigned to it.
func (q *RedisQueue) EnqueuePipeline(ctx context.Context, task pipeline.Task) (string, error) {
	payload, err := task.Encode()
	if err != nil {
		return "", err
	}
	id := task.ID
	if id == "" {
		id = "pipeline-" + uuid.NewString()
	}
	return id, q.enqueue(ctx, LaneCleanup, id, payload)
}

func (q *RedisQueue) enqueue(ctx context.Context, lane, id string, payload []byte) error {
	pipe := q.client.TxPipeline()
	fields := map[string]any{"lane": lane}
	if payload != nil {
		fields["payload"] = payload
	}
	pipe.HSet(ctx, q.metaKey(id), fields)
	pipe.RPush(ctx, q.readyKey(lane), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) laneOf(ctx context.Context, id string) string {
	lane, err := q.client.HGet(ctx, q.metaKey(id), "lane").Result()
	if err != nil || lane == "" {
		return LaneCollect
	}
	return lane
}

// Retry moves a leased item into the scheduled set and bumps its attempt
// counter. It returns the new attempt count.
func (q *RedisQueue) Retry(ctx context.Context, id string, runAt time.Time) (int, error) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	attempts := pipe.HIncrBy(ctx, q.metaKey(id), "attempts", 1)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(attempts.Val()), nil
}

// PromoteScheduled moves due scheduled items into their ready lanes. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// DequeueWithLease pops an item from the ready lanes (in lane order) and places
// it into inflight with a visibility timeout. A nil item means nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Item, error) {
	keys := make([]string, 0, len(q.lanes)+1)
	for _, l := range q.lanes {
		keys = append(keys, q.readyKey(l))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read meta for %s: %w", id, err)
	}
	item := &Item{ID: id, Lane: meta["lane"]}
	if item.Lane == "" {
		item.Lane = LaneCollect
	}
	if p, ok := meta["payload"]; ok {
		item.Payload = []byte(p)
	}
	item.Attempts, _ = strconv.Atoi(meta["attempts"])
	return item, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight item.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes an item from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out and puts them back on their lane.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes an item from every lane and from the scheduled and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	for _, l := range q.lanes {
		pipe.LRem(ctx, q.readyKey(l), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter acks an item and appends it to the dead-letter list for inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	pipe.RPush(ctx, q.dlqKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready lanes.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.lanes))
	for _, l := range q.lanes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(l)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local item = redis.call('LPOP', KEYS[i])
  if item then
    redis.call('ZADD', inflight, ARGV[1], item)
    return item
  end
end
return nil
`)
