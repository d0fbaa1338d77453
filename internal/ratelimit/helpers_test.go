package ratelimit

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Remaining returns the number of frames userID has left in the current
// window. Returns the full limit if the key does not exist or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, userID int64) int {
	key := l.rule.Key + strconv.FormatInt(userID, 10)

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return l.rule.Limit
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", zap.String("key", key), zap.Error(err))
		return l.rule.Limit
	}

	remaining := l.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
