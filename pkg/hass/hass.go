package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/log"
)

// DefaultTimeout bounds how long a command waits for its result.
const DefaultTimeout = 10 * time.Second

var errConnClosed = errors.New("home assistant connection closed")

// Notifier publishes results to Home Assistant.
type Notifier interface {
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	Close() error
}

// Configured returns a websocket client when -hass-url is set and a Noop
// notifier otherwise.
func Configured() Notifier {
	url := lflag.String("hass-url", "", "Home Assistant websocket URL (e.g. ws://homeassistant.local:8123/api/websocket)")
	token := lflag.String("hass-token", "", "Home Assistant long-lived access token")

	var n struct{ Notifier }
	lflag.Do(func() {
		if *url == "" {
			n.Notifier = Noop{}
			return
		}
		if *token == "" {
			panic("hass-token is required when hass-url is set")
		}
		n.Notifier = NewClient(*url, *token)
	})
	return &n
}

// Noop drops everything. It is used when no Home Assistant is configured.
type Noop struct{}

var _ Notifier = Noop{}

func (Noop) FireEvent(context.Context, string, map[string]any) error { return nil }
func (Noop) CallService(context.Context, string, string, map[string]any) error { return nil }
func (Noop) Close() error { return nil }

type message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *resultError    `json:"error,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type command struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	EventType   string         `json:"event_type,omitempty"`
	EventData   map[string]any `json:"event_data,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Service     string         `json:"service,omitempty"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// Client talks to the Home Assistant websocket API. It connects on first use
// and reconnects on the next call after the connection drops.
type Client struct {
	url     string
	token   string
	dialer  *websocket.Dialer
	timeout time.Duration

	mu     sync.Mutex
	conn   *conn
	msgID  int
	closed bool
}

var _ Notifier = (*Client)(nil)

// NewClient returns a client for the websocket URL authenticated with a
// long-lived access token.
func NewClient(url, token string) *Client {
	return &Client{
		url:     url,
		token:   token,
		dialer:  websocket.DefaultDialer,
		timeout: DefaultTimeout,
	}
}

// conn is one authenticated websocket session. Pending results are routed by
// message id and failed together when the session ends.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int]chan message
	done    bool
}

func (c *conn) register(id int) (chan message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil, errConnClosed
	}
	ch := make(chan message, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *conn) unregister(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// connect returns the live session, dialing and authenticating a new one when
// needed. The caller must not hold c.mu.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to home assistant: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	if err := authenticate(ws, c.token); err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	cn := &conn{ws: ws, pending: make(map[int]chan message)}
	c.conn = cn
	go c.receive(cn)
	log.Ctx(ctx).DebugContext(ctx, "connected to home assistant")
	return cn, nil
}

func authenticate(ws *websocket.Conn, token string) error {
	var msg message
	if err := ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", msg.Type)
	}
	if err := ws.WriteJSON(authMessage{Type: "auth", AccessToken: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}
	if err := ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return errors.New("home assistant authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", msg.Type)
	}
}

// receive routes results until the session fails, then forgets it so the
// next call reconnects.
func (c *Client) receive(cn *conn) {
	for {
		var msg message
		if err := cn.ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == cn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !closed {
				log.Ctx(context.Background()).Warn("home assistant connection lost", slog.Any("error", err))
			}
			cn.fail()
			_ = cn.ws.Close()
			return
		}
		if msg.Type != "result" || msg.ID == 0 {
			continue
		}
		cn.mu.Lock()
		if ch, ok := cn.pending[msg.ID]; ok {
			ch <- msg
			delete(cn.pending, msg.ID)
		}
		cn.mu.Unlock()
	}
}

func (c *Client) nextID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes a command and waits for its result.
func (c *Client) send(ctx context.Context, cmd command) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	cmd.ID = c.nextID()
	ch, err := cn.register(cmd.ID)
	if err != nil {
		return nil, err
	}
	defer cn.unregister(cmd.ID)

	if err := cn.write(cmd); err != nil {
		// the reader notices the broken connection and drops it
		_ = cn.ws.Close()
		return nil, fmt.Errorf("failed to send %s: %w", cmd.Type, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		if msg.Success != nil && !*msg.Success {
			if msg.Error != nil {
				return nil, fmt.Errorf("home assistant error: %s - %s", msg.Error.Code, msg.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", cmd.Type)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s result: %w", cmd.Type, ctx.Err())
	}
}

// FireEvent fires a custom event on the Home Assistant event bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	_, err := c.send(ctx, command{
		Type:      "fire_event",
		EventType: eventType,
		EventData: data,
	})
	return err
}

// CallService calls a Home Assistant service such as
// persistent_notification.create.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	_, err := c.send(ctx, command{
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// Close ends the session. Calls made after Close fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cn == nil {
		return nil
	}
	cn.writeMu.Lock()
	_ = cn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cn.writeMu.Unlock()
	cn.fail()
	return cn.ws.Close()
}
