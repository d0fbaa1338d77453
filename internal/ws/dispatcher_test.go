package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/protocol"
	"github.com/safehaven/chat-server/internal/store"
)

// pipeConn returns a server-side Connection over net.Pipe and a channel
// receiving every text frame the client end reads.
func pipeConn(t *testing.T, userID int64) (*Connection, <-chan []byte) {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() {
		srv.Close()
		cli.Close()
	})

	frames := make(chan []byte, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerText(cli)
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}()

	c := newConnection("conn-test", &store.User{ID: userID, Username: "u"}, srv, time.Second)
	return c, frames
}

func nextFrame(t *testing.T, frames <-chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case raw, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before a frame arrived")
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestDispatch_Ping(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	c, frames := pipeConn(t, 1)

	go d.Dispatch(c, []byte(`{"type":"ping"}`))

	if got := nextFrame(t, frames)["type"]; got != "pong" {
		t.Errorf("type = %v, want pong", got)
	}
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		code string
	}{
		{"not json", `{{`, protocol.CodeParseError},
		{"missing type", `{"receiver_id":2}`, protocol.CodeParseError},
		{"unknown kind", `{"type":"find_match"}`, protocol.CodeUnsupportedType},
		{"known kind without handler", `{"type":"read","message_id":5}`, protocol.CodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMessageDispatcher(zap.NewNop())
			c, frames := pipeConn(t, 1)

			go d.Dispatch(c, []byte(tt.data))

			f := nextFrame(t, frames)
			if f["type"] != "error" || f["code"] != tt.code {
				t.Errorf("frame = %v, want error %s", f, tt.code)
			}
		})
	}
}

func TestDispatch_RoutesByKind(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	c, _ := pipeConn(t, 1)

	got := make(chan protocol.Inbound, 2)
	d.Register(protocol.KindMessage, func(conn *Connection, msg protocol.Inbound) {
		if conn != c {
			t.Errorf("handler got a different connection")
		}
		got <- msg
	})
	d.Register(protocol.KindOffer, func(conn *Connection, msg protocol.Inbound) { got <- msg })

	d.Dispatch(c, []byte(`{"type":"message","receiver_id":2,"content":"hi"}`))
	d.Dispatch(c, []byte(`{"type":"offer","receiver_id":2,"sdp":"v=0"}`))

	m, ok := (<-got).(protocol.ChatMsg)
	if !ok || m.ReceiverID != 2 || m.Content != "hi" || m.MessageType != protocol.ContentText {
		t.Errorf("message handler got %+v", m)
	}
	s, ok := (<-got).(protocol.SignalMsg)
	if !ok || s.Type != protocol.KindOffer || s.ReceiverID != 2 {
		t.Errorf("offer handler got %+v", s)
	}
}
