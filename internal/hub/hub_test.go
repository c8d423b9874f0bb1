package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qms/reception-service/internal/credentials"
	"qms/reception-service/internal/models"
	"qms/reception-service/internal/store"

	"github.com/rs/zerolog"
)

func receive(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case msg := <-client.Send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Envelope{}
}

func expectNothing(t *testing.T, client *Client) {
	t.Helper()
	select {
	case msg := <-client.Send:
		t.Fatalf("unexpected message %s", msg)
	default:
	}
}

func TestBroadcastFiltersByCounter(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	a, b, all := NewClient(), NewClient(), NewClient()
	for _, c := range []*Client{a, b, all} {
		h.Register(c)
	}
	h.UpdateSubscription(a, Subscription{CounterID: "A"})
	h.UpdateSubscription(b, Subscription{CounterID: "B"})

	h.Broadcast([]byte(`{"type":"queue.state"}`), "A")
	receive(t, a)
	receive(t, all)
	expectNothing(t, b)
}

func TestPublishViewFromStore(t *testing.T) {
	st := store.New()
	h := New(Options{Current: st.View, Logger: zerolog.Nop()})
	client := NewClient()
	h.Register(client)
	h.UpdateSubscription(client, Subscription{CounterID: "C1"})
	unsubscribe := st.Subscribe(h.PublishView)
	defer unsubscribe()

	token := st.Select("C1")
	if env := receive(t, client); env.Type != TypeQueueState {
		t.Fatalf("unexpected type %q", env.Type)
	}
	snap := models.EmptySnapshot("C1")
	snap.Current = &models.Ticket{TicketID: "T1"}
	snap.Queue = []models.Ticket{{TicketID: "T1"}, {TicketID: "T2"}}
	snap.Ordered = nil
	st.Replace(token, snap)

	env := receive(t, client)
	payload, _ := json.Marshal(env.Payload)
	var view struct {
		CounterID string          `json:"counter_id"`
		Current   *models.Ticket  `json:"current"`
		Waiting   []models.Ticket `json:"waiting"`
	}
	if err := json.Unmarshal(payload, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.CounterID != "C1" || view.Current.TicketID != "T1" || len(view.Waiting) != 1 || view.Waiting[0].TicketID != "T2" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestNotifyReachesEveryone(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	a, b := NewClient(), NewClient()
	h.Register(a)
	h.Register(b)
	h.UpdateSubscription(a, Subscription{CounterID: "A"})

	h.Notify("error", "Không thể tải hàng đợi")
	for _, c := range []*Client{a, b} {
		env := receive(t, c)
		payload := env.Payload.(map[string]any)
		if env.Type != TypeNotification || payload["level"] != "error" || payload["message"] != "Không thể tải hàng đợi" {
			t.Fatalf("unexpected notification %+v", env)
		}
	}
}

func TestSlowClientDropsMessages(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	client := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Broadcast([]byte("1"), "A")
	h.Broadcast([]byte("2"), "A")
	if got := string(<-client.Send); got != "1" {
		t.Fatalf("expected first message, got %q", got)
	}
	expectNothing(t, client)
}

func TestUnregisterTwice(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	client := NewClient()
	h.Register(client)
	h.Unregister(client)
	h.Unregister(client)
	if h.Clients() != 0 {
		t.Fatalf("expected no clients")
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","counter_id":" C1 "}`))
	if !ok || msg.CounterID != "C1" {
		t.Fatalf("unexpected %+v ok=%v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"dance"}`)); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`nope`)); ok {
		t.Fatalf("expected invalid json to be rejected")
	}
}

type fakeSession struct {
	incoming chan string
	request  *http.Request
	mu       sync.Mutex
	sent     []string
	closed   uint32
	reason   string
}

func (s *fakeSession) Request() *http.Request {
	return s.request
}

func (s *fakeSession) Close(status uint32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed, s.reason = status, reason
	return nil
}

func (s *fakeSession) Recv() (string, error) {
	msg, ok := <-s.incoming
	if !ok {
		return "", errors.New("session closed")
	}
	return msg, nil
}

func (s *fakeSession) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestServeSendsCurrentViewOnSubscribe(t *testing.T) {
	st := store.New()
	st.Select("C1")
	h := New(Options{Current: st.View, Logger: zerolog.Nop()})
	session := &fakeSession{incoming: make(chan string)}
	done := make(chan struct{})
	go func() {
		h.Serve(session)
		close(done)
	}()

	session.incoming <- `{"action":"subscribe","counter_id":"C1"}`
	deadline := time.Now().Add(time.Second)
	for len(session.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := session.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected current view, got %v", msgs)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(msgs[0]), &env); err != nil || env.Type != TypeQueueState {
		t.Fatalf("unexpected message %s", msgs[0])
	}

	close(session.incoming)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("serve did not return")
	}
	if h.Clients() != 0 {
		t.Fatalf("client not unregistered")
	}
}

type verifierFunc func(ctx context.Context, sessionID string) (string, error)

func (f verifierFunc) Verify(ctx context.Context, sessionID string) (string, error) {
	return f(ctx, sessionID)
}

func TestServeRefusesUnverifiedScreens(t *testing.T) {
	verifier := verifierFunc(func(ctx context.Context, sessionID string) (string, error) {
		switch sessionID {
		case "good":
			return "u1", nil
		case "broken":
			return "", errors.New("db down")
		}
		return "", credentials.ErrInvalidSession
	})
	h := New(Options{Verifier: verifier, Logger: zerolog.Nop()})

	cases := map[string]struct {
		target string
		code   uint32
	}{
		"missing": {"/realtime/websocket", CloseMissingSession},
		"invalid": {"/realtime/websocket?session_id=nope", CloseInvalidSession},
		"lookup":  {"/realtime/websocket?session_id=broken", CloseLookupFailed},
	}
	for name, tc := range cases {
		session := &fakeSession{incoming: make(chan string), request: httptest.NewRequest(http.MethodGet, tc.target, nil)}
		done := make(chan struct{})
		go func() {
			h.Serve(session)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("%s: serve did not return", name)
		}
		session.mu.Lock()
		closed := session.closed
		session.mu.Unlock()
		if closed != tc.code {
			t.Fatalf("%s: expected close %d, got %d", name, tc.code, closed)
		}
		if h.Clients() != 0 {
			t.Fatalf("%s: refused screen registered", name)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/realtime/websocket", nil)
	req.Header.Set("Authorization", "Bearer good")
	session := &fakeSession{incoming: make(chan string), request: req}
	done := make(chan struct{})
	go func() {
		h.Serve(session)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for h.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Clients() != 1 {
		t.Fatalf("verified screen not registered")
	}
	close(session.incoming)
	<-done
	if session.closed != 0 {
		t.Fatalf("verified screen closed with %d", session.closed)
	}
}
