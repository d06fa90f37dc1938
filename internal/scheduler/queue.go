package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/metrics"
)

// Queue is a durable delayed-task queue in Redis. Due times live in a sorted
// set scored by unix time with the job name as member, so a job is queued at
// most once.
type Queue struct {
	client *redis.Client
	key    string
}

// Connect opens a Redis client and checks the connection
func Connect(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}

// NewQueue creates a queue stored under key
func NewQueue(client *redis.Client, key string) *Queue {
	if key == "" {
		key = "renewal:scheduled_tasks"
	}
	return &Queue{client: client, key: key}
}

// Schedule queues job to run at runAt. It reports false without changing
// anything when the job is already pending.
func (q *Queue) Schedule(ctx context.Context, job string, runAt time.Time) (bool, error) {
	added, err := q.client.ZAddNX(ctx, q.key, redis.Z{Score: float64(runAt.Unix()), Member: job}).Result()
	if err != nil {
		metrics.ScheduledTasksTotal.WithLabelValues(job, "error").Inc()
		return false, fmt.Errorf("failed to queue task: %w", err)
	}
	if added == 0 {
		metrics.ScheduledTasksTotal.WithLabelValues(job, "duplicate").Inc()
		return false, nil
	}

	metrics.ScheduledTasksTotal.WithLabelValues(job, "scheduled").Inc()
	return true, nil
}

// Due returns up to limit jobs whose run time is at or before now
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	jobs, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due tasks: %w", err)
	}
	return jobs, nil
}

// Claim takes job off the queue. Only one caller wins a claim. Once claimed
// the job can schedule its own next run.
func (q *Queue) Claim(ctx context.Context, job string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.key, job).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return removed > 0, nil
}

// Pending returns when job is due to run, if it is queued
func (q *Queue) Pending(ctx context.Context, job string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.key, job).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read task: %w", err)
	}
	return time.Unix(int64(score), 0), true, nil
}

// Len returns the number of queued tasks
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
