package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/pipeline"
	"github.com/safehaven/chat-server/internal/protocol"
	"github.com/safehaven/chat-server/internal/signaling"
	"github.com/safehaven/chat-server/internal/ws"
)

var signalingKinds = []protocol.Kind{
	protocol.KindOffer,
	protocol.KindAnswer,
	protocol.KindICECandidate,
	protocol.KindCallRequest,
	protocol.KindCallResponse,
	protocol.KindCallEnd,
}

func registerHandlers(d *ws.MessageDispatcher, p *pipeline.Pipeline, relay *signaling.Relay, logger *zap.Logger) {
	// message: the moderated pipeline. It runs on the connection's worker,
	// so one sender's messages are processed in order.
	d.Register(protocol.KindMessage, func(conn *ws.Connection, msg protocol.Inbound) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		if err := p.HandleMessage(context.Background(), conn, conn.UserID, m); err != nil {
			logger.Debug("message rejected", zap.Int64("user_id", conn.UserID), zap.Error(err))
		}
	})

	d.Register(protocol.KindTyping, func(conn *ws.Connection, msg protocol.Inbound) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			p.HandleTyping(conn.User, m)
		}
	})

	d.Register(protocol.KindRead, func(conn *ws.Connection, msg protocol.Inbound) {
		if m, ok := msg.(protocol.ReadMsg); ok {
			p.HandleRead(conn, conn.UserID, m)
		}
	})

	forward := func(conn *ws.Connection, msg protocol.Inbound) {
		m, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		relay.Forward(signaling.Sender{
			ID:        conn.UserID,
			Username:  conn.User.Username,
			AvatarURL: conn.User.AvatarURL,
		}, m)
	}
	for _, k := range signalingKinds {
		d.Register(k, forward)
	}
}
