package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 1 << 16
	wsSendBuffer = 256
)

// WebSocketDialer connects to the gateway's /ws endpoint. It is the primary transport.
type WebSocketDialer struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	Identity Identity
	Dialer   *websocket.Dialer
	Logger   *zap.Logger
}

func (d *WebSocketDialer) Name() string { return "websocket" }

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	for k, v := range d.Identity.query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		ws:     ws,
		send:   make(chan models.Message, wsSendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go c.writePump()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	send   chan models.Message
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *wsConn) Send(msg models.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("websocket send buffer full")
	}
}

func (c *wsConn) Receive() (models.Message, error) {
	var msg models.Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return models.Message{}, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	return msg, nil
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
