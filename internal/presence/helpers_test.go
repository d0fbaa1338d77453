package presence

import "context"

// Presence is a user's presence record stored in Redis.
type Presence struct {
	UserID      int64  `redis:"user_id"`
	ConnID      string `redis:"conn_id"`
	Server      string `redis:"server"`       // which chat server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Get returns the presence record of userID, or nil if offline.
func (s *Store) Get(ctx context.Context, userID int64) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&p); err != nil {
		return nil, err
	}
	if p.ConnID == "" {
		return nil, nil
	}
	return &p, nil
}
