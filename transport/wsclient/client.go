// Package wsclient is the transport-session collaborator C4 watches:
// a single WebSocket connection to the Ratatoskr server speaking the
// binary envelope from internal/protocol. Adapted from the teacher's
// websocket.Connection — the same ping/pong deadlines and read/write
// pump split, generalized from a server-side per-client fan-out
// connection into a single outbound client connection that drives a
// connectivity.Manager instead of a Hub.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ratatoskr/core/internal/connectivity"
	"github.com/ratatoskr/core/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	dialTimeout = 10 * time.Second
)

// Logger is the minimal structured-logging surface this package needs.
type Logger interface {
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}
func (noopLogger) Infof(string, ...any) {}

// Handler receives decoded messages from the server.
type Handler func(*protocol.Message)

// Client is a single WebSocket session to the server. It reports its
// lifecycle to a connectivity.Manager and dispatches inbound messages
// to a caller-supplied Handler.
type Client struct {
	serverURL string
	conn      *connectivity.Manager
	handler   Handler
	log       Logger

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New constructs a client bound to serverURL (ws:// or wss://) and the
// connectivity manager it should drive.
func New(serverURL string, conn *connectivity.Manager, handler Handler, log Logger) *Client {
	if log == nil {
		log = noopLogger{}
	}
	return &Client{
		serverURL: serverURL,
		conn:      conn,
		handler:   handler,
		log:       log,
	}
}

// Connect dials the server with token as a bearer credential, reports
// serverConnecting/serverConnected transitions to the connectivity
// manager, and starts the read/write pumps. It returns once the
// handshake completes (success or failure).
func (c *Client) Connect(ctx context.Context, token string) error {
	c.conn.SetServerConnecting(true)

	u, err := url.Parse(c.serverURL)
	if err != nil {
		c.conn.SetServerConnecting(false)
		return fmt.Errorf("wsclient: parse server url: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		c.conn.SetServerConnecting(false)
		return fmt.Errorf("wsclient: dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.send = make(chan []byte, 256)
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.conn.SetServerConnecting(false)
	c.conn.SetServerConnected(true)

	go c.writePump()
	go c.readPump()

	return nil
}

// Send encodes and enqueues a message for delivery. Returns
// ErrSendQueueFull if the outbound buffer is saturated.
func (c *Client) Send(messageType string, payload map[string]interface{}) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeMessage(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("wsclient: encode: %w", err)
	}

	select {
	case send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// ErrSendQueueFull is returned by Send when the outbound buffer is
// saturated.
var ErrSendQueueFull = fmt.Errorf("wsclient: send queue is full")

// ErrNotConnected is returned by Send before Connect has succeeded.
var ErrNotConnected = fmt.Errorf("wsclient: not connected")

func (c *Client) readPump() {
	defer c.handleDisconnect()

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warnf("wsclient: unexpected close: %v", err)
			}
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.log.Warnf("wsclient: decode failed: %v", err)
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnf("wsclient: handler panicked for %s: %v", msg.Type, r)
		}
	}()
	if c.handler != nil {
		c.handler(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.mu.Lock()
	ws := c.ws
	send := c.send
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case message, ok := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func (c *Client) handleDisconnect() {
	c.conn.SetServerConnected(false)

	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	if c.done != nil {
		close(c.done)
	}
	c.ws = nil
	c.send = nil
	c.done = nil
	c.mu.Unlock()
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}
