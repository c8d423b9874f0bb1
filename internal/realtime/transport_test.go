package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type upstreamSocket struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []wireFrame
	auth     []string
	conns    []*websocket.Conn
}

func (s *upstreamSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, wireFrame{Event: frame.Event, Data: string(frame.Data)})
		s.mu.Unlock()
	}
}

func (s *upstreamSocket) conn(i int) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

func (s *upstreamSocket) frames() []wireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wireFrame(nil), s.received...)
}

func nextFrame(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		if !ok {
			t.Fatalf("frames closed")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return Frame{}
}

func dialTest(t *testing.T, srv *httptest.Server) Conn {
	t.Helper()
	dialer := &WebsocketDialer{
		URL:        srv.URL,
		Token:      func(context.Context) string { return "tok" },
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     zerolog.Nop(),
	}
	conn, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebsocketConnEmitsAndReceives(t *testing.T) {
	upstream := &upstreamSocket{}
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	conn := dialTest(t, srv)
	if frame := nextFrame(t, conn.Frames()); frame.Event != EventConnected {
		t.Fatalf("expected connected, got %q", frame.Event)
	}
	if err := conn.Emit(context.Background(), EventJoinCounter, counterPayload{CounterID: "C1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, "join received", func() bool { return len(upstream.frames()) == 1 })
	got := upstream.frames()[0]
	if got.Event != EventJoinCounter || got.Data != `{"counterId":"C1"}` {
		t.Fatalf("unexpected frame %+v", got)
	}
	if upstream.auth[0] != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", upstream.auth[0])
	}

	server := upstream.conn(0)
	if err := server.WriteMessage(websocket.TextMessage, []byte(`{"event":"Queue-Update","data":{"counterId":"C1"}}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	frame := nextFrame(t, conn.Frames())
	if frame.Event != EventQueueUpdate || string(frame.Data) != `{"counterId":"C1"}` {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestWebsocketConnReconnects(t *testing.T) {
	upstream := &upstreamSocket{}
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	conn := dialTest(t, srv)
	nextFrame(t, conn.Frames())
	_ = upstream.conn(0).Close()

	if frame := nextFrame(t, conn.Frames()); frame.Event != EventDisconnected {
		t.Fatalf("expected disconnected, got %q", frame.Event)
	}
	if frame := nextFrame(t, conn.Frames()); frame.Event != EventConnected {
		t.Fatalf("expected connected after redial, got %q", frame.Event)
	}
}

func TestWebsocketConnCloseEndsFrames(t *testing.T) {
	srv := httptest.NewServer(&upstreamSocket{})
	defer srv.Close()

	conn := dialTest(t, srv)
	nextFrame(t, conn.Frames())
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Frames():
			if !ok {
				if err := conn.Emit(context.Background(), EventLeaveCounter, nil); err != ErrClosed {
					t.Fatalf("expected ErrClosed, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("frames not closed")
		}
	}
}

func TestWebsocketHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	conn := dialTest(t, srv)
	frame := nextFrame(t, conn.Frames())
	if frame.Event != EventError || frame.Err == nil || !strings.Contains(frame.Err.Error(), "403") {
		t.Fatalf("expected handshake error frame, got %+v", frame)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://svc:8080/ws":  "ws://svc:8080/ws",
		"https://svc/ws":      "wss://svc/ws",
		"ws://svc/reception":  "ws://svc/reception",
		"wss://svc/reception": "wss://svc/reception",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		if err != nil || got != want {
			t.Fatalf("websocketURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"ftp://svc", "http://", "::"} {
		if _, err := websocketURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := (&WebsocketDialer{URL: "ftp://svc"}).Dial(context.Background()); err == nil {
		t.Fatalf("expected dial to validate url")
	}
}
