// Package events publishes moderation events to NATS so that out-of-process
// consumers (admin dashboards, alerting) can follow incidents and account
// escalations as they happen. Publishing is best effort.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// NATS subjects for moderation events.
const (
	SubjectIncident   = "moderation.incident"
	SubjectEscalation = "moderation.escalation"
)

// IncidentEvent is published after an incident is stored.
type IncidentEvent struct {
	EventID    string    `json:"event_id"`
	IncidentID int64     `json:"incident_id"`
	UserID     int64     `json:"user_id"`
	Severity   string    `json:"severity"`
	Model      string    `json:"model"`
	Confidence float64   `json:"confidence"`
	Categories []string  `json:"categories"`
	Kind       string    `json:"message_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EscalationEvent is published after a ledger transition is stored.
type EscalationEvent struct {
	EventID      string    `json:"event_id"`
	UserID       int64     `json:"user_id"`
	WarningCount int       `json:"warning_count"`
	RedTagged    bool      `json:"red_tagged"`
	Blocked      bool      `json:"blocked"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher emits moderation events.
type Publisher interface {
	PublishIncident(ev IncidentEvent)
	PublishEscalation(ev EscalationEvent)
	Close()
}

// Nop discards every event. It is used when NATS is not configured.
type Nop struct{}

func (Nop) PublishIncident(IncidentEvent)     {}
func (Nop) PublishEscalation(EscalationEvent) {}
func (Nop) Close()                            {}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "safehaven-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSPublisher wraps a NATS connection. Subscriptions taken through it are
// drained on Close.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NewNATSPublisher connects to NATS and returns a ready publisher. It
// returns an error if the initial connection fails.
func NewNATSPublisher(config NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSPublisher{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// PublishIncident stamps ev with an id if it has none and publishes it.
func (p *NATSPublisher) PublishIncident(ev IncidentEvent) {
	if ev.EventID == "" {
		ev.EventID = ksuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	p.publishJSON(SubjectIncident, ev)
}

// PublishEscalation stamps ev with an id if it has none and publishes it.
func (p *NATSPublisher) PublishEscalation(ev EscalationEvent) {
	if ev.EventID == "" {
		ev.EventID = ksuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	p.publishJSON(SubjectEscalation, ev)
}

func (p *NATSPublisher) publishJSON(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Subscribe registers a handler for subject and keeps the subscription for
// cleanup on Close.
func (p *NATSPublisher) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	p.mu.Lock()
	p.subs[subject] = sub
	p.mu.Unlock()
	return nil
}

// Flush blocks until the server has processed everything published so far.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

// Close drains all active subscriptions and then the connection.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for subject, sub := range p.subs {
		if err := sub.Drain(); err != nil {
			p.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	p.subs = make(map[string]*nats.Subscription)

	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("connection drain", zap.Error(err))
	}
}
