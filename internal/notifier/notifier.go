// Package notifier delivers CyberBOT warnings: system-authored messages sent
// only to the user whose payload was flagged, describing the violation and
// the user's updated escalation state.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/escalation"
	"github.com/safehaven/chat-server/internal/protocol"
	"github.com/safehaven/chat-server/internal/store"
)

// Synthetic moderator identity.
const (
	BotUserID   int64 = 0
	BotUsername       = "CyberBOT"
)

var violationText = map[string]string{
	"harassment":     "harassment",
	"cyberbullying":  "cyberbullying",
	"hate_speech":    "hate speech",
	"threat":         "threatening language",
	"violence":       "threatening language",
	"sexual_content": "sexual content",
	"nsfw":           "explicit imagery",
	"inappropriate":  "inappropriate language",
	"profanity":      "inappropriate language",
	"keyword_match":  "offensive language",
	"self_harm":      "content encouraging self-harm",
	"spam":           "spam",
	"default":        "content that breaks the community guidelines",
}

// Violation is what the notifier needs to know about one flagged payload.
type Violation struct {
	Categories  []string
	Severity    string
	ContentKind string
	Transition  escalation.Transition
}

// Category is the first reported category, or "default".
func (v Violation) Category() string {
	if len(v.Categories) == 0 || v.Categories[0] == "" {
		return "default"
	}
	return strings.ToLower(v.Categories[0])
}

// Store persists the warning as a regular message.
type Store interface {
	SaveMessage(ctx context.Context, m *store.Message) (int64, error)
}

// Deliverer pushes a frame to a connected user.
type Deliverer interface {
	Deliver(userID int64, payload []byte) bool
}

// Notifier composes, stores and delivers warnings.
type Notifier struct {
	store     Store
	deliverer Deliverer
	logger    *zap.Logger
}

func New(s Store, d Deliverer, logger *zap.Logger) *Notifier {
	return &Notifier{store: s, deliverer: d, logger: logger.Named("notifier")}
}

// Compose renders the warning text for v.
func Compose(v Violation) string {
	what, ok := violationText[v.Category()]
	if !ok {
		what = strings.ReplaceAll(v.Category(), "_", " ")
	}
	after := v.Transition.After

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ CyberBOT Warning: your %s was flagged for %s", kindNoun(v.ContentKind), what)
	if v.Severity != "" {
		fmt.Fprintf(&b, " (severity: %s)", v.Severity)
	}
	b.WriteString(". ")

	fmt.Fprintf(&b, "You now have %d warning", after.WarningCount)
	if after.WarningCount != 1 {
		b.WriteString("s")
	}
	b.WriteString(".")

	switch {
	case after.IsBlocked:
		b.WriteString(" Your account has been blocked from sending messages.")
	case after.HasRedTag:
		b.WriteString(" Your account has been red-tagged for repeated violations. Further violations will block your account.")
	default:
		b.WriteString(" Please keep conversations respectful.")
	}
	return b.String()
}

func kindNoun(kind string) string {
	if kind == protocol.ContentImage {
		return "image"
	}
	return "message"
}

// Warn stores the warning as a message from the moderator to the violator
// and delivers it. Storage and delivery failures are logged; they never undo
// the escalation that caused the warning. It reports whether the warning
// reached a live connection.
func (n *Notifier) Warn(ctx context.Context, v Violation) bool {
	userID := v.Transition.UserID
	text := Compose(v)

	msg := &store.Message{
		SenderID:        BotUserID,
		ReceiverID:      userID,
		Content:         text,
		ContentFiltered: text,
		MessageType:     protocol.ContentSystemWarning,
	}
	if _, err := n.store.SaveMessage(ctx, msg); err != nil {
		n.logger.Error("failed to store warning", zap.Int64("user_id", userID), zap.Error(err))
		msg.CreatedAt = time.Now().UTC()
	}

	frame, err := protocol.NewServerMessage(protocol.KindCyberbotWarning, protocol.CyberbotWarningMsg{
		ID:              msg.ID,
		SenderID:        BotUserID,
		SenderUsername:  BotUsername,
		Content:         text,
		ContentFiltered: text,
		MessageType:     protocol.ContentSystemWarning,
		IsFlagged:       false,
		SeverityScore:   "info",
		WarningCount:    v.Transition.After.WarningCount,
		RedTagged:       v.Transition.After.HasRedTag,
		CreatedAt:       msg.CreatedAt,
	})
	if err != nil {
		n.logger.Error("failed to encode warning", zap.Error(err))
		return false
	}

	if !n.deliverer.Deliver(userID, frame) {
		n.logger.Info("warning not delivered, user offline", zap.Int64("user_id", userID))
		return false
	}
	return true
}
