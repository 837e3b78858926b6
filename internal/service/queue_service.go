package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, taskID string) error
	RequeueExpired(ctx context.Context, max int64) (int64, error)
	Len(ctx context.Context) (int64, error)
}

// redisCmdable is the slice of go-redis the queue uses. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type redisCmdable interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// redisQueue implements a reliable queue using Redis lists.
// Claim: BRPOPLPUSH queueKey -> processingKey, then a lease deadline is
// recorded in leaseKey (ZSET, score = expiry unix).
// Ack:   LREM from processingKey + ZREM the lease.
// A task whose lease expires before the ack is moved back to queueKey by
// RequeueExpired, so a crashed worker loses the claim but not the task.
type redisQueue struct {
	rdb           redisCmdable
	queueKey      string
	processingKey string
	leaseKey      string
	leaseTimeout  time.Duration

	mu      sync.Mutex
	orphans map[string]struct{}
}

func NewRedisQueue(rdb redisCmdable, queueKey, processingKey, leaseKey string, leaseTimeout time.Duration) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
		leaseKey:      leaseKey,
		leaseTimeout:  leaseTimeout,
		orphans:       map[string]struct{}{},
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, taskID string) error {
	return q.rdb.LPush(ctx, q.queueKey, taskID).Err()
}

// ClaimBlocking waits for a task in short blocking slots until one
// arrives or the timeout elapses. redis.Nil means nothing was claimed.
func (q *redisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	// if timeout <= 0, loop forever (like a worker daemon)
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		wait := slot
		if !forever {
			remain := time.Until(deadline)
			if remain <= 0 {
				return "", redis.Nil
			}
			if remain < wait {
				wait = remain
			}
		}

		id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
		if err == nil {
			expiry := float64(time.Now().Add(q.leaseTimeout).Unix())
			if zErr := q.rdb.ZAdd(ctx, q.leaseKey, redis.Z{Score: expiry, Member: id}).Err(); zErr != nil {
				// without the lease record the reaper would never see
				// this claim expire; roll the list move back so the id
				// is not stranded in processing
				removed, rbErr := q.rdb.LRem(ctx, q.processingKey, 1, id).Result()
				if rbErr == nil && removed > 0 {
					_ = q.rdb.LPush(ctx, q.queueKey, id).Err()
				}
				return "", zErr
			}
			return id, nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		return "", err
	}
}

func (q *redisQueue) Ack(ctx context.Context, taskID string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 1, taskID).Err(); err != nil {
		return err
	}
	_ = q.rdb.ZRem(ctx, q.leaseKey, taskID).Err()
	return nil
}

// RequeueExpired moves tasks whose lease deadline has passed back to the
// queue. At-least-once delivery: a task still running past its lease is
// redelivered, which is why the lease must exceed the worst-case
// conversion time.
func (q *redisQueue) RequeueExpired(ctx context.Context, max int64) (int64, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	ids, err := q.rdb.ZRangeByScore(ctx, q.leaseKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: max,
	}).Result()
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, id := range ids {
		removed, err := q.rdb.LRem(ctx, q.processingKey, 1, id).Result()
		if err != nil {
			return moved, err
		}
		if removed > 0 {
			if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
				return moved, err
			}
			moved++
		}
		_ = q.rdb.ZRem(ctx, q.leaseKey, id).Err()
	}

	n, err := q.requeueOrphans(ctx)
	return moved + n, err
}

// requeueOrphans returns processing-list entries that have no lease at
// all to the queue: a claimer that died between the list move and the
// lease write, or whose lease write failed and rollback did not land.
// An id must be leaseless on two consecutive sweeps before it is moved,
// since a healthy claim sits briefly in that same gap.
func (q *redisQueue) requeueOrphans(ctx context.Context) (int64, error) {
	members, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var moved int64
	current := map[string]struct{}{}
	for _, id := range members {
		zErr := q.rdb.ZScore(ctx, q.leaseKey, id).Err()
		if zErr == nil {
			continue // leased, the expiry pass owns it
		}
		if !errors.Is(zErr, redis.Nil) {
			return moved, zErr
		}

		if _, seen := q.orphans[id]; !seen {
			current[id] = struct{}{}
			continue
		}

		removed, err := q.rdb.LRem(ctx, q.processingKey, 1, id).Result()
		if err != nil {
			return moved, err
		}
		if removed > 0 {
			if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
				return moved, err
			}
			moved++
		}
	}
	q.orphans = current
	return moved, nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueKey).Result()
}
