// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Each user's message frames are throttled independently.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleMessage allows 20 message frames per 10 seconds per user.
var RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	logger *zap.Logger
}

// NewLimiter creates a Limiter for rule backed by the given Redis client.
func NewLimiter(client *redis.Client, rule Rule, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, rule: rule, logger: logger.Named("ratelimit")}
}

// Allow checks whether userID is within the limit. It increments the counter
// in Redis and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, userID int64) bool {
	key := l.rule.Key + strconv.FormatInt(userID, 10)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// Without a TTL the key would throttle the user forever.
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= l.rule.Limit
}

