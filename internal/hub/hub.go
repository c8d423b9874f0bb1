// Package hub fans reception updates out to the desk screens connected over
// the local push endpoint.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"qms/reception-service/internal/credentials"
	"qms/reception-service/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeQueueState   = "queue.state"
	TypeNotification = "notification"
)

// Close codes sent to screens whose session is refused.
const (
	CloseMissingSession uint32 = 4001
	CloseInvalidSession uint32 = 4002
	CloseLookupFailed   uint32 = 4003
)

const verifyTimeout = 5 * time.Second

type Subscription struct {
	CounterID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	CounterID string `json:"counter_id"`
}

// ViewSource returns the latest published view; new subscribers get it
// straight away.
type ViewSource func() store.View

type Options struct {
	Current ViewSource
	// Verifier checks the session of each connecting screen; nil admits
	// everyone.
	Verifier credentials.Verifier
	Logger   zerolog.Logger
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	current  ViewSource
	verifier credentials.Verifier
	logger   zerolog.Logger
}

func New(options Options) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		current:  options.Current,
		verifier: options.Verifier,
		logger:   options.Logger.With().Str("component", "hub").Logger(),
	}
}

func NewClient() *Client {
	return &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to clients subscribed to counterID and to
// clients without a counter filter. Slow clients lose the message.
func (h *Hub) Broadcast(payload []byte, counterID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, counterID) {
			continue
		}
		h.deliver(client, payload)
	}
}

func (h *Hub) deliver(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
	}
}

func match(sub Subscription, counterID string) bool {
	return sub.CounterID == "" || sub.CounterID == counterID
}

// PublishView is registered as a store listener.
func (h *Hub) PublishView(view store.View) {
	payload, err := encode(TypeQueueState, view)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode queue state")
		return
	}
	h.Broadcast(payload, view.CounterID)
}

// Notify implements notify.Publisher. Notifications reach every client.
func (h *Hub) Notify(level, message string) {
	payload, err := encode(TypeNotification, NotificationPayload{Level: level, Message: message})
	if err != nil {
		h.logger.Error().Err(err).Msg("encode notification")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		h.deliver(client, payload)
	}
}

func encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: kind, Payload: payload, CreatedAt: time.Now().UTC()})
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.CounterID = strings.TrimSpace(msg.CounterID)
	return msg, true
}

// Session is the part of a sockjs session the hub needs.
type Session interface {
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
	Request() *http.Request
}

// Serve runs one desk screen until its session ends. Screens without an
// accepted session are closed before they are registered.
func (h *Hub) Serve(session Session) {
	if !h.admit(session) {
		return
	}
	client := NewClient()
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("send to desk screen")
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		h.UpdateSubscription(client, Subscription{CounterID: parsed.CounterID})
		h.sendCurrent(client, parsed.CounterID)
	}
}

func (h *Hub) admit(session Session) bool {
	if h.verifier == nil {
		return true
	}
	req := session.Request()
	sessionID := credentials.SessionID(req)
	if sessionID == "" {
		_ = session.Close(CloseMissingSession, "missing session")
		return false
	}
	ctx := context.Background()
	if req != nil {
		ctx = context.WithoutCancel(req.Context())
	}
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	if _, err := h.verifier.Verify(ctx, sessionID); err != nil {
		if errors.Is(err, credentials.ErrInvalidSession) {
			_ = session.Close(CloseInvalidSession, "invalid session")
			return false
		}
		h.logger.Error().Err(err).Msg("verify desk screen session")
		_ = session.Close(CloseLookupFailed, "session lookup failed")
		return false
	}
	return true
}

func (h *Hub) sendCurrent(client *Client, counterID string) {
	if h.current == nil {
		return
	}
	view := h.current()
	if !match(Subscription{CounterID: counterID}, view.CounterID) {
		return
	}
	payload, err := encode(TypeQueueState, view)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; ok {
		h.deliver(client, payload)
	}
}
