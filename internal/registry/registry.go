// Package registry tracks the single live transport of each connected user
// and delivers outbound frames to it on a best-effort basis.
package registry

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/metrics"
)

const shardCount = 64

// Transport is a writable client connection.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

type shard struct {
	mu    sync.Mutex
	conns map[int64]Transport
}

// Registry maps user ids to transports. The map is split into shards keyed
// by a hash of the user id so that unrelated users never contend on the same
// lock. Operations on one user's slot are serialized by its shard lock.
type Registry struct {
	shards [shardCount]*shard
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.Named("registry")}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[int64]Transport)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(userID))
	return r.shards[xxhash.Sum64(buf[:])%shardCount]
}

// Register installs t as the live transport for userID and returns the
// transport it replaced, if any. The replaced transport is not notified or
// closed here; it fails on its next send and is evicted then.
func (r *Registry) Register(userID int64, t Transport) Transport {
	s := r.shardFor(userID)
	s.mu.Lock()
	prev := s.conns[userID]
	s.conns[userID] = t
	s.mu.Unlock()

	if prev == nil {
		metrics.ConnectedUsers.Inc()
	}
	return prev
}

// Unregister removes whatever transport userID has. It is a no-op when the
// user is absent.
func (r *Registry) Unregister(userID int64) {
	s := r.shardFor(userID)
	s.mu.Lock()
	_, ok := s.conns[userID]
	delete(s.conns, userID)
	s.mu.Unlock()

	if ok {
		metrics.ConnectedUsers.Dec()
	}
}

// UnregisterIf removes userID only while t is still its live transport.
// A socket that was superseded by a newer registration uses this on close so
// it cannot evict its replacement.
func (r *Registry) UnregisterIf(userID int64, t Transport) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	cur, ok := s.conns[userID]
	ok = ok && cur == t
	if ok {
		delete(s.conns, userID)
	}
	s.mu.Unlock()

	if ok {
		metrics.ConnectedUsers.Dec()
	}
	return ok
}

// Lookup returns the live transport for userID.
func (r *Registry) Lookup(userID int64) (Transport, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	t, ok := s.conns[userID]
	s.mu.Unlock()
	return t, ok
}

// Deliver sends payload to userID's live transport. It reports false when
// the user has no transport or the send fails; a failed transport is evicted
// (only if it is still the registered one). Deliver never returns an error.
func (r *Registry) Deliver(userID int64, payload []byte) bool {
	t, ok := r.Lookup(userID)
	if !ok {
		metrics.DeliveryFailures.WithLabelValues("absent").Inc()
		return false
	}

	if err := t.Send(payload); err != nil {
		r.logger.Debug("deliver failed, evicting transport",
			zap.Int64("user_id", userID), zap.Error(err))
		r.UnregisterIf(userID, t)
		metrics.DeliveryFailures.WithLabelValues("send_error").Inc()
		return false
	}
	return true
}

// Count returns the number of users with a live transport.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.conns)
		s.mu.Unlock()
	}
	return n
}
