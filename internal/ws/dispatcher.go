package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/metrics"
	"github.com/safehaven/chat-server/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage (protocol.ChatMsg, protocol.SignalMsg, ...).
type MessageHandler func(conn *Connection, msg protocol.Inbound)

// MessageDispatcher routes parsed frames to handlers by kind. Pings are
// answered internally; malformed and unregistered frames get an error frame.
type MessageDispatcher struct {
	handlers map[protocol.Kind]MessageHandler
	logger   *zap.Logger
}

func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[protocol.Kind]MessageHandler),
		logger:   logger.Named("dispatch"),
	}
}

// Register associates a handler with a kind, replacing any previous one.
func (d *MessageDispatcher) Register(kind protocol.Kind, handler MessageHandler) {
	d.handlers[kind] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	kind, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			metrics.FramesTotal.WithLabelValues("unknown").Inc()
			d.logger.Debug("unsupported frame", zap.String("kind", string(kind)), zap.Int64("user_id", conn.UserID))
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		d.logger.Debug("parse error", zap.Int64("user_id", conn.UserID), zap.Error(err))
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	metrics.FramesTotal.WithLabelValues(string(kind)).Inc()

	if kind == protocol.KindPing {
		d.send(conn, protocol.KindPong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[kind]
	if !ok {
		d.logger.Debug("no handler", zap.String("kind", string(kind)), zap.Int64("user_id", conn.UserID))
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.KindError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) send(conn *Connection, kind protocol.Kind, payload interface{}) {
	data, err := protocol.NewServerMessage(kind, payload)
	if err != nil {
		d.logger.Error("failed to build frame", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		d.logger.Debug("failed to send frame", zap.String("kind", string(kind)), zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
