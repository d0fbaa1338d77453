package sqlite

import (
	"context"
	"fmt"

	"github.com/safehaven/chat-server/internal/store"
)

// Messages returns the stored messages sent by senderID, oldest first.
func (s *Store) Messages(ctx context.Context, senderID int64) ([]store.Message, error) {
	rows := make([]MessageModel, 0)
	if err := s.db.WithContext(ctx).Where("sender_id = ?", senderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	result := make([]store.Message, 0, len(rows))
	for _, m := range rows {
		result = append(result, store.Message{
			ID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID,
			Content: m.Content, ContentFiltered: m.ContentFiltered, MessageType: m.MessageType,
			IsFlagged: m.IsFlagged, SeverityScore: m.SeverityScore, IsBlocked: m.IsBlocked,
			CreatedAt: m.CreatedAt,
		})
	}
	return result, nil
}
