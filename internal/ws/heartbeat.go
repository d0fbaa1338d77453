package ws

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and closes those that
// have not produced a frame within Interval + Timeout. Live connections also
// refresh their presence record. The goroutine exits when the server stops.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.logger.Info("heartbeat timeout",
				zap.Int64("user_id", c.UserID),
				zap.String("conn_id", c.ID),
				zap.Duration("idle", idle.Round(time.Second)),
			)
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically.
		if err := c.WritePing(); err != nil {
			server.logger.Debug("heartbeat ping failed", zap.String("conn_id", c.ID), zap.Error(err))
			server.RemoveConnection(c)
			continue
		}

		if p := server.deps.Presence; p != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := p.Touch(ctx, c.UserID); err != nil {
				server.logger.Debug("presence touch failed", zap.Int64("user_id", c.UserID), zap.Error(err))
			}
			cancel()
		}
	}
}
