package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("realtime connection not established")
	ErrClosed       = errors.New("realtime connection closed")
)

// Conn is one counter's push channel. Frames is closed once the connection
// is closed for good; reconnects in between surface as EventDisconnected
// followed by EventConnected.
type Conn interface {
	Frames() <-chan Frame
	Emit(ctx context.Context, event string, data any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type TokenFunc func(ctx context.Context) string

type WebsocketDialer struct {
	URL        string
	Token      TokenFunc
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
	Dialer     *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := websocketURL(d.URL)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	minBackoff, maxBackoff := d.MinBackoff, d.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	connCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		url:        endpoint,
		token:      d.Token,
		dialer:     dialer,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     d.Logger.With().Str("component", "realtime").Str("url", endpoint).Logger(),
		frames:     make(chan Frame, 32),
		ctx:        connCtx,
		cancel:     cancel,
	}
	go c.run()
	return c, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime url: missing host")
	}
	return u.String(), nil
}

type wsConn struct {
	url        string
	token      TokenFunc
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     zerolog.Logger
	frames     chan Frame
	ctx        context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Frames() <-chan Frame {
	return c.frames
}

func (c *wsConn) Emit(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(wireFrame{Event: event, Data: data})
}

func (c *wsConn) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *wsConn) send(frame Frame) bool {
	select {
	case c.frames <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *wsConn) run() {
	defer close(c.frames)
	for c.ctx.Err() == nil {
		conn, err := c.connect()
		if err != nil {
			continue
		}
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		if !c.send(Frame{Event: EventConnected}) {
			return
		}
		err = c.read(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			_ = conn.Close()
		}
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("realtime connection lost")
		if !c.send(Frame{Event: EventDisconnected, Err: err}) {
			return
		}
	}
}

func (c *wsConn) connect() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.minBackoff
	policy.MaxInterval = c.maxBackoff

	operation := func() (*websocket.Conn, error) {
		header := http.Header{}
		if c.token != nil {
			if token := c.token(c.ctx); token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
		}
		conn, resp, err := c.dialer.DialContext(c.ctx, c.url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				c.send(Frame{Event: EventError, Err: fmt.Errorf("realtime handshake rejected: status %d", resp.StatusCode)})
			}
			return nil, err
		}
		return conn, nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", next).Msg("realtime dial failed")
	}
	return backoff.Retry(c.ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithNotify(notify),
	)
}

func (c *wsConn) read(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, ok := parseFrame(raw)
		if !ok {
			c.logger.Debug().Int("bytes", len(raw)).Msg("ignored malformed realtime frame")
			continue
		}
		if !c.send(frame) {
			return ErrClosed
		}
	}
}
