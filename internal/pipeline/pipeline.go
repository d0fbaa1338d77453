// Package pipeline processes inbound chat frames end to end: authorization,
// classification, escalation, persistence, fan-out and acknowledgment.
//
// A payload's pipeline runs entirely on its connection's goroutine so that a
// sender's messages are handled in the order they were sent. The work runs
// under a context detached from the connection, so a client disconnecting
// mid-pipeline does not lose the incident or the message record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/classify"
	"github.com/safehaven/chat-server/internal/escalation"
	"github.com/safehaven/chat-server/internal/events"
	"github.com/safehaven/chat-server/internal/metrics"
	"github.com/safehaven/chat-server/internal/notifier"
	"github.com/safehaven/chat-server/internal/protocol"
	"github.com/safehaven/chat-server/internal/store"
)

var (
	// ErrAuthorization is wrapped by every rejection of an unauthorized sender.
	ErrAuthorization = errors.New("pipeline: not authorized")
	ErrNotFriends    = fmt.Errorf("%w: sender and receiver are not friends", ErrAuthorization)
	ErrSenderBlocked = fmt.Errorf("%w: sender is blocked", ErrAuthorization)

	ErrRateLimited    = errors.New("pipeline: rate limited")
	ErrInvalidMessage = errors.New("pipeline: invalid message")
)

const (
	// MaxTextBytes bounds a text payload.
	MaxTextBytes = 4096
	// maxDetectedContent bounds the text copied into an incident.
	maxDetectedContent = 500

	// ImageRedaction replaces the content of an unsafe image.
	ImageRedaction = "[BLOCKED IMAGE]"
	imageEvidence  = "[IMAGE]"
)

// Store is the persistence the pipeline needs.
type Store interface {
	SaveMessage(ctx context.Context, m *store.Message) (int64, error)
	SaveIncident(ctx context.Context, inc *store.Incident) (int64, error)
	LoadUserState(ctx context.Context, userID int64) (*store.User, error)
	IsFriendshipAccepted(ctx context.Context, a, b int64) (bool, error)
	IsUserBlocked(ctx context.Context, userID int64) (bool, error)
}

// Classifier never fails; it degrades to local fallbacks.
type Classifier interface {
	ClassifyText(ctx context.Context, text, sensitivity string) classify.Result
	ClassifyImage(ctx context.Context, data []byte) classify.Result
}

type Ledger interface {
	Record(ctx context.Context, userID int64) (escalation.Transition, error)
}

type Notifier interface {
	Warn(ctx context.Context, v notifier.Violation) bool
}

// Deliverer pushes frames to connected users.
type Deliverer interface {
	Deliver(userID int64, payload []byte) bool
}

// Replier sends frames back on the connection a frame arrived on.
type Replier interface {
	Send(payload []byte) error
}

// Limiter throttles message frames per user.
type Limiter interface {
	Allow(ctx context.Context, userID int64) bool
}

// Evidence records incidents outside the database.
type Evidence interface {
	LogIncident(userID int64, severity, content, analysis, model string)
}

// Config wires a Pipeline. Limiter, Evidence and Events are optional.
type Config struct {
	Store      Store
	Classifier Classifier
	Ledger     Ledger
	Notifier   Notifier
	Registry   Deliverer
	Limiter    Limiter
	Evidence   Evidence
	Events     events.Publisher
	Logger     *zap.Logger
}

type Pipeline struct {
	store      Store
	classifier Classifier
	ledger     Ledger
	notifier   Notifier
	registry   Deliverer
	limiter    Limiter
	evidence   Evidence
	events     events.Publisher
	logger     *zap.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		ledger:     cfg.Ledger,
		notifier:   cfg.Notifier,
		registry:   cfg.Registry,
		limiter:    cfg.Limiter,
		evidence:   cfg.Evidence,
		events:     cfg.Events,
		logger:     cfg.Logger.Named("pipeline"),
	}
}

// HandleMessage runs one chat payload through the pipeline. Frames without
// a receiver or content are ignored. Rejections are reported to the sender
// as a single error frame and returned; a successfully processed payload is
// acknowledged with message_sent whether or not the receiver was online.
func (p *Pipeline) HandleMessage(ctx context.Context, reply Replier, senderID int64, m protocol.ChatMsg) error {
	if m.ReceiverID == 0 || m.Content == "" {
		return nil
	}
	if m.MessageType == "" {
		m.MessageType = protocol.ContentText
	}

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	if p.limiter != nil && !p.limiter.Allow(ctx, senderID) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		p.sendError(reply, protocol.CodeRateLimited, "Too many messages, please slow down")
		return ErrRateLimited
	}

	sender, err := p.authorize(ctx, reply, senderID, m.ReceiverID)
	if err != nil {
		return err
	}

	if m.MessageType == protocol.ContentText && (len(m.Content) > MaxTextBytes || !utf8.ValidString(m.Content)) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		p.sendError(reply, protocol.CodeInvalidMessage, fmt.Sprintf("Messages must be valid UTF-8 and at most %d bytes", MaxTextBytes))
		return ErrInvalidMessage
	}

	result := p.classify(ctx, sender, m)

	rec := &store.Message{
		SenderID:        senderID,
		ReceiverID:      m.ReceiverID,
		Content:         m.Content,
		ContentFiltered: m.Content,
		MessageType:     m.MessageType,
	}

	if result.Abusive {
		severity := string(result.Severity)
		rec.IsFlagged = true
		rec.SeverityScore = &severity
		if m.MessageType == protocol.ContentImage {
			rec.ContentFiltered = ImageRedaction
			rec.IsBlocked = true
		} else {
			rec.ContentFiltered = result.FilteredText
		}
		metrics.MessagesTotal.WithLabelValues("flagged").Inc()

		if p.onFlagged(ctx, sender, m, result) {
			rec.IsBlocked = true
		}
	}

	if _, err := p.store.SaveMessage(ctx, rec); err != nil {
		p.logger.Error("failed to store message",
			zap.Int64("sender_id", senderID),
			zap.Int64("receiver_id", m.ReceiverID),
			zap.Error(err),
		)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		p.sendError(reply, protocol.CodeInternal, "Failed to send message")
		return fmt.Errorf("pipeline: save message: %w", err)
	}

	delivered := false
	if !rec.IsBlocked {
		delivered = p.fanOut(sender, rec)
	}

	switch {
	case rec.IsBlocked:
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	case delivered:
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	default:
		metrics.MessagesTotal.WithLabelValues("undelivered").Inc()
	}

	p.reply(reply, protocol.KindMessageSent, protocol.MessageSentMsg{
		ID:         rec.ID,
		ReceiverID: rec.ReceiverID,
		IsBlocked:  rec.IsBlocked,
		CreatedAt:  rec.CreatedAt,
	})
	return nil
}

// authorize loads the sender and rejects blocked senders and messages
// between users who are not accepted friends. Messages to oneself skip the
// friendship check.
func (p *Pipeline) authorize(ctx context.Context, reply Replier, senderID, receiverID int64) (*store.User, error) {
	sender, err := p.store.LoadUserState(ctx, senderID)
	if err != nil {
		p.logger.Error("failed to load sender", zap.Int64("sender_id", senderID), zap.Error(err))
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		p.sendError(reply, protocol.CodeInternal, "Failed to send message")
		return nil, fmt.Errorf("pipeline: load sender: %w", err)
	}

	if sender.IsBlocked {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		p.sendError(reply, protocol.CodeSenderBlocked, "Your account has been blocked from sending messages")
		return nil, ErrSenderBlocked
	}

	if receiverID != senderID {
		ok, err := p.store.IsFriendshipAccepted(ctx, senderID, receiverID)
		if err != nil {
			p.logger.Error("friendship lookup failed", zap.Int64("sender_id", senderID), zap.Error(err))
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			p.sendError(reply, protocol.CodeInternal, "Failed to send message")
			return nil, fmt.Errorf("pipeline: friendship: %w", err)
		}
		if !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			p.sendError(reply, protocol.CodeNotFriends, "You can only message friends")
			return nil, ErrNotFriends
		}
	}

	return sender, nil
}

// classify picks the classifier for the payload kind. Kinds other than
// text and image, and images that fail to decode, pass unflagged.
func (p *Pipeline) classify(ctx context.Context, sender *store.User, m protocol.ChatMsg) classify.Result {
	switch m.MessageType {
	case protocol.ContentText:
		sensitivity := sender.SensitivityLevel
		if sensitivity == "" {
			sensitivity = store.SensitivityMedium
		}
		return p.classifier.ClassifyText(ctx, m.Content, sensitivity)
	case protocol.ContentImage:
		data, err := DecodeImage(m.Content)
		if err != nil {
			p.logger.Warn("undecodable image, passing unclassified",
				zap.Int64("sender_id", sender.ID), zap.Error(err))
			return classify.Result{Severity: classify.SeverityLow}
		}
		return p.classifier.ClassifyImage(ctx, data)
	default:
		return classify.Result{Severity: classify.SeverityLow}
	}
}

// onFlagged records the incident, advances the sender's escalation state and
// warns the sender. Each step runs under its own recover; a failure is logged
// and the remaining steps still run. It reports whether the sender is blocked
// after the escalation.
func (p *Pipeline) onFlagged(ctx context.Context, sender *store.User, m protocol.ChatMsg, result classify.Result) bool {
	detected := imageEvidence
	if m.MessageType != protocol.ContentImage {
		detected = truncateRunes(m.Content, maxDetectedContent)
	}

	inc := &store.Incident{
		UserID:          sender.ID,
		Severity:        string(result.Severity),
		DetectedContent: detected,
		Analysis:        result.Analysis,
		Model:           result.Model,
		Confidence:      result.Confidence,
	}

	p.safely("incident", sender.ID, func() {
		if _, err := p.store.SaveIncident(ctx, inc); err != nil {
			p.logger.Error("failed to store incident", zap.Int64("sender_id", sender.ID), zap.Error(err))
			return
		}
		p.events.PublishIncident(events.IncidentEvent{
			IncidentID: inc.ID,
			UserID:     sender.ID,
			Severity:   inc.Severity,
			Model:      inc.Model,
			Confidence: inc.Confidence,
			Categories: result.Categories,
			Kind:       m.MessageType,
		})
	})

	if p.evidence != nil {
		p.safely("evidence", sender.ID, func() {
			p.evidence.LogIncident(sender.ID, inc.Severity, detected, inc.Analysis, inc.Model)
		})
	}

	var (
		tr       escalation.Transition
		recorded bool
		blocked  bool
	)
	p.safely("escalation", sender.ID, func() {
		var err error
		tr, err = p.ledger.Record(ctx, sender.ID)
		if err != nil {
			p.logger.Error("failed to advance escalation", zap.Int64("sender_id", sender.ID), zap.Error(err))
			return
		}
		recorded = true
		blocked = tr.After.IsBlocked
		p.events.PublishEscalation(events.EscalationEvent{
			UserID:       sender.ID,
			WarningCount: tr.After.WarningCount,
			RedTagged:    tr.After.HasRedTag,
			Blocked:      tr.After.IsBlocked,
		})
	})

	if recorded {
		p.safely("notifier", sender.ID, func() {
			p.notifier.Warn(ctx, notifier.Violation{
				Categories:  result.Categories,
				Severity:    string(result.Severity),
				ContentKind: m.MessageType,
				Transition:  tr,
			})
		})
	}

	p.safely("block refresh", sender.ID, func() {
		now, err := p.store.IsUserBlocked(ctx, sender.ID)
		if err != nil {
			p.logger.Error("failed to refresh block state", zap.Int64("sender_id", sender.ID), zap.Error(err))
			return
		}
		blocked = blocked || now
	})
	return blocked
}

// safely runs one moderation side effect, logging a panic instead of letting
// it abort the payload.
func (p *Pipeline) safely(step string, senderID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in moderation side effect",
				zap.String("step", step), zap.Any("panic", r), zap.Int64("sender_id", senderID))
		}
	}()
	fn()
}

// fanOut delivers the stored message to its receiver. Flagged messages carry
// only the filtered content.
func (p *Pipeline) fanOut(sender *store.User, rec *store.Message) bool {
	out := protocol.ServerChatMsg{
		ID:              rec.ID,
		SenderID:        rec.SenderID,
		SenderUsername:  sender.Username,
		Content:         rec.ContentFiltered,
		ContentFiltered: rec.ContentFiltered,
		MessageType:     rec.MessageType,
		IsFlagged:       rec.IsFlagged,
		SeverityScore:   rec.SeverityScore,
		CreatedAt:       rec.CreatedAt,
	}
	if !rec.IsFlagged {
		out.ContentOriginal = rec.Content
	}

	frame, err := protocol.NewServerMessage(protocol.KindMessage, out)
	if err != nil {
		p.logger.Error("failed to encode message", zap.Error(err))
		return false
	}
	return p.registry.Deliver(rec.ReceiverID, frame)
}

// HandleTyping relays a typing indicator to the receiver.
func (p *Pipeline) HandleTyping(from *store.User, m protocol.TypingMsg) {
	if m.ReceiverID == 0 {
		return
	}
	frame, err := protocol.NewServerMessage(protocol.KindTyping, protocol.ServerTypingMsg{
		UserID:   from.ID,
		Username: from.Username,
		IsTyping: m.IsTyping,
	})
	if err != nil {
		p.logger.Error("failed to encode typing", zap.Error(err))
		return
	}
	p.registry.Deliver(m.ReceiverID, frame)
}

// HandleRead confirms a read receipt back to the reader.
func (p *Pipeline) HandleRead(reply Replier, readerID int64, m protocol.ReadMsg) {
	if m.MessageID == 0 {
		return
	}
	p.reply(reply, protocol.KindRead, protocol.ServerReadMsg{MessageID: m.MessageID, UserID: readerID})
}

func (p *Pipeline) reply(reply Replier, kind protocol.Kind, payload interface{}) {
	frame, err := protocol.NewServerMessage(kind, payload)
	if err != nil {
		p.logger.Error("failed to encode reply", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := reply.Send(frame); err != nil {
		p.logger.Debug("reply not sent", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (p *Pipeline) sendError(reply Replier, code, message string) {
	p.reply(reply, protocol.KindError, protocol.ErrorMsg{Code: code, Message: message})
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
