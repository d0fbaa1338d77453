// Package signaling forwards call-setup frames (offer, answer, ICE
// candidates, call request/response/end) between users. Frames are neither
// moderated nor stored.
package signaling

import (
	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/protocol"
)

// Deliverer pushes a frame to a connected user.
type Deliverer interface {
	Deliver(userID int64, payload []byte) bool
}

// Sender carries the display fields copied onto forwarded frames.
type Sender struct {
	ID        int64
	Username  string
	AvatarURL string
}

type Relay struct {
	deliverer Deliverer
	logger    *zap.Logger
}

func NewRelay(d Deliverer, logger *zap.Logger) *Relay {
	return &Relay{deliverer: d, logger: logger.Named("signaling")}
}

// Forward sends msg to its receiver. A frame without a receiver, or for a
// receiver that is not connected, is dropped.
func (r *Relay) Forward(from Sender, msg protocol.SignalMsg) bool {
	if msg.ReceiverID == 0 || !msg.Type.IsSignaling() {
		return false
	}

	frame, err := protocol.NewServerMessage(msg.Type, protocol.ServerSignalMsg{
		SenderID:       from.ID,
		SenderUsername: from.Username,
		SenderAvatar:   from.AvatarURL,
		Payload:        msg.Payload,
		SDP:            msg.SDP,
		Candidate:      msg.Candidate,
	})
	if err != nil {
		r.logger.Error("failed to encode signal", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}

	if !r.deliverer.Deliver(msg.ReceiverID, frame) {
		r.logger.Debug("signal target offline",
			zap.String("type", string(msg.Type)),
			zap.Int64("from", from.ID),
			zap.Int64("to", msg.ReceiverID),
		)
		return false
	}
	return true
}
