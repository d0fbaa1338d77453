// Package presence records which users hold a live connection on which
// server instance, backed by Redis hashes with a sliding TTL.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys, refreshed on heartbeat.
	TTL = 1 * time.Hour
)

// Compare-and-delete, so a stale connection closing does not erase the
// record of the connection that replaced it.
var deleteIfConn = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

func key(userID int64) string {
	return KeyPrefix + strconv.FormatInt(userID, 10)
}

// Online marks userID as connected through connID, replacing any previous
// record.
func (s *Store) Online(ctx context.Context, userID int64, connID string) error {
	k := key(userID)
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, map[string]interface{}{
		"user_id":      userID,
		"conn_id":      connID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, k, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes last_active and the TTL. A record that already expired is
// left absent.
func (s *Store) Touch(ctx context.Context, userID int64) error {
	k := key(userID)
	ok, err := s.client.Expire(ctx, k, TTL).Result()
	if err != nil || !ok {
		return err
	}
	return s.client.HSet(ctx, k, "last_active", time.Now().Unix()).Err()
}

// Offline removes userID's record if it still belongs to connID.
func (s *Store) Offline(ctx context.Context, userID int64, connID string) (bool, error) {
	n, err := deleteIfConn.Run(ctx, s.client, []string{key(userID)}, connID).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
