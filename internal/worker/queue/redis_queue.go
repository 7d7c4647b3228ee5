package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue delivers render run ids to the worker. Ready runs sit on a list
// consumed with BRPOP; suspended runs sit on a sorted set scored by their
// wake time until PromoteDue moves them back onto the list.
type RedisQueue struct {
	rdb     *redis.Client
	ready   string
	delayed string
}

func NewRedisQueue(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		rdb:     rdb,
		ready:   name,
		delayed: name + ":delayed",
	}
}

// Pop blocks until a run id is available.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, 0, q.ready).Result()
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Push enqueues a run id for immediate processing.
func (q *RedisQueue) Push(ctx context.Context, runID string) error {
	return q.rdb.LPush(ctx, q.ready, runID).Err()
}

// PushDelayed parks a suspended run until its wake time.
func (q *RedisQueue) PushDelayed(ctx context.Context, runID string, wakeAt time.Time) error {
	return q.rdb.ZAdd(ctx, q.delayed, redis.Z{
		Score:  float64(wakeAt.Unix()),
		Member: runID,
	}).Err()
}

// PromoteDue moves every run whose wake time has passed back onto the ready
// list. Returns the number of runs promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.ready, id)
		pipe.ZRem(ctx, q.delayed, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}
