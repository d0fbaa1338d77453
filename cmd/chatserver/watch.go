package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/config"
	"github.com/safehaven/chat-server/internal/events"
)

// watch tails the moderation event subjects and logs each event, for
// operators following incidents and escalations across server instances.
func watch(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.NATS.URL == "" {
		return errors.New("watch: nats.url (NATS_URL) is required")
	}

	ncfg := events.DefaultNATSConfig()
	ncfg.URL = cfg.NATS.URL
	ncfg.Name = "safehaven-watch"

	client, err := events.NewNATSPublisher(ncfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	log := logger.Named("watch")

	err = client.Subscribe(events.SubjectIncident, func(data []byte) {
		var ev events.IncidentEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn("bad incident event", zap.Error(err))
			return
		}
		log.Info("incident",
			zap.String("event_id", ev.EventID),
			zap.Int64("incident_id", ev.IncidentID),
			zap.Int64("user_id", ev.UserID),
			zap.String("severity", ev.Severity),
			zap.String("model", ev.Model),
			zap.Float64("confidence", ev.Confidence),
			zap.Strings("categories", ev.Categories),
			zap.String("message_type", ev.Kind),
		)
	})
	if err != nil {
		return err
	}

	err = client.Subscribe(events.SubjectEscalation, func(data []byte) {
		var ev events.EscalationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn("bad escalation event", zap.Error(err))
			return
		}
		log.Info("escalation",
			zap.String("event_id", ev.EventID),
			zap.Int64("user_id", ev.UserID),
			zap.Int("warning_count", ev.WarningCount),
			zap.Bool("red_tagged", ev.RedTagged),
			zap.Bool("blocked", ev.Blocked),
		)
	})
	if err != nil {
		return err
	}

	log.Info("watching moderation events", zap.String("nats_url", ncfg.URL))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
