package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/metrics"
)

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisClient defines the Redis operations the limiter needs
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisRateLimiter counts requests per key in fixed windows stored in Redis,
// so every replica behind the load balancer shares one budget
type RedisRateLimiter struct {
	redis     RedisClient
	limit     int
	window    time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisRateLimiter creates a limiter allowing limit requests per window
func NewRedisRateLimiter(client RedisClient, limit int, window time.Duration, logger *zap.Logger) *RedisRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		redis:     client,
		limit:     limit,
		window:    window,
		keyPrefix: "renewal:rate_limit",
		logger:    logger,
	}
}

// Allow checks if a request is allowed based on the rate limit
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", r.keyPrefix, key)

	count, err := r.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit error: %w", err)
	}

	// Set expiration on first request of the window
	if count == 1 {
		if err := r.redis.Expire(ctx, redisKey, r.window).Err(); err != nil {
			r.logger.Error("Failed to set rate limit expiration",
				zap.Error(err),
				zap.String("key", redisKey))
		}
	}

	return count <= int64(r.limit), nil
}

// Middleware limits requests per client address on one route. Redis
// failures let the request through.
func Middleware(limiter RateLimiter, route string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			allowed, err := limiter.Allow(r.Context(), route+":"+client)
			if err != nil {
				logger.Warn("Rate limit check failed, allowing request",
					zap.Error(err),
					zap.String("route", route))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RecordError("rate_limited", route)
				logger.Warn("Rate limit exceeded",
					zap.String("route", route),
					zap.String("client", client))
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
