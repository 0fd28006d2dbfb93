package ingest

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func dialStream(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewStreamHandler(f.pipeline, StreamOptions{ReadTimeout: 5 * time.Second}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamAcknowledgesRows(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialStream(t, f)

	for i, row := range spins(3, 1, 0.5) {
		msg := Message{Casino: "stake", Row: row, Session: sessionRef("s1")}
		if i == 0 {
			msg.Session = tokenJSON(t, "s1", base.Add(time.Hour))
		}
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		var reply Reply
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read: %v", err)
		}
		if reply.Type != "ack" || reply.Result == nil || reply.Result.Accepted != 1 {
			t.Fatalf("reply %d: %+v", i, reply)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Reply
	if err := conn.ReadJSON(&reply); err != nil || reply.Type != "error" {
		t.Fatalf("malformed message reply %+v, %v", reply, err)
	}
}

func TestStreamClosesOnRejectedSession(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialStream(t, f)

	if err := conn.WriteJSON(Message{Casino: "stake", Session: tokenJSON(t, "late", base.Add(-time.Minute)), Row: spins(1, 1, 0)[0]}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Reply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "error" || !strings.Contains(reply.Error, "expired") {
		t.Fatalf("reply %+v", reply)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}
