package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/classroom"
	"github.com/lowband-classroom/backend/internal/eventlog"
	"github.com/lowband-classroom/backend/internal/models"
	"github.com/lowband-classroom/backend/pkg/response"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	readLimit  = 65536
)

// Client is one websocket connection. A client may be attached to several rooms; each
// attachment forwards the room's events from its own subscription.
type Client struct {
	ID          string
	Participant models.Participant
	hub         *Hub
	conn        *websocket.Conn
	send        chan models.Message
	logger      *zap.Logger

	quit      chan struct{}
	closeOnce sync.Once
	byeReason string

	mu    sync.Mutex
	rooms map[string]*eventlog.Subscription
}

// ServeWs upgrades the request and runs the client until the connection ends.
func ServeWs(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := identityFromQuery(c.Request.URL.Query())
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          uuid.New().String(),
			Participant: p,
			hub:         hub,
			conn:        conn,
			send:        make(chan models.Message, sendBuffer),
			logger:      logger.With(zap.String("participant_id", p.ID)),
			quit:        make(chan struct{}),
			rooms:       make(map[string]*eventlog.Subscription),
		}
		if !hub.Register(client) {
			client.Close(models.ByeShutdown)
			client.writePump()
			return
		}
		go client.writePump()
		client.readPump()
	}
}

// Close stops the client. A non-empty reason is sent to the peer as a bye message.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.byeReason = reason
		close(c.quit)
	})
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.detachAll()
		c.hub.Unregister(c)
		c.Close("")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg models.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg models.Message) {
	var (
		data interface{}
		err  error
	)
	switch msg.Event {
	case models.MsgPing:
		c.reply(models.Message{Event: models.MsgPong, RequestID: msg.RequestID})
		return
	case models.MsgJoin:
		err = c.join(ctx, msg)
	case models.MsgLeave:
		err = c.leave(ctx, msg.RoomID)
	case models.MsgReplay:
		err = c.replay(ctx, msg)
	default:
		data, err = c.hub.apply(ctx, c.Participant, msg)
	}
	if err != nil {
		c.replyError(msg, err)
		return
	}
	ack, mErr := models.NewMessage(models.MsgAck, msg.RoomID, data)
	if mErr != nil {
		c.replyError(msg, mErr)
		return
	}
	ack.RequestID = msg.RequestID
	c.reply(ack)
}

// join attaches the connection to the room's stream and joins in one room operation,
// so the client's own joined event is delivered to it.
func (c *Client) join(ctx context.Context, msg models.Message) error {
	var req models.JoinRequest
	if err := msg.Decode(&req); err != nil {
		return malformed(msg.Event, err)
	}
	roomID := msg.RoomID
	c.detach(roomID, true)

	c.hub.attached(roomID, c.Participant.ID)
	att, err := c.hub.coord.JoinAttach(ctx, roomID, c.Participant, req.Since)
	if err != nil {
		c.hub.detached(roomID, c.Participant.ID, true)
		return err
	}

	c.mu.Lock()
	c.rooms[roomID] = att.Sub
	c.mu.Unlock()
	go c.forward(roomID, att)
	c.logger.Info("joined room", zap.String("room_id", roomID), zap.Int64("since", req.Since),
		zap.Bool("snapshot", att.Snapshot != nil), zap.Int("backlog", len(att.Backlog)))
	return nil
}

func (c *Client) leave(ctx context.Context, roomID string) error {
	if err := c.hub.coord.Leave(ctx, roomID, c.Participant.ID); err != nil {
		return err
	}
	c.detach(roomID, true)
	return nil
}

// replay resends retained events after since, or a snapshot when they are gone.
func (c *Client) replay(ctx context.Context, msg models.Message) error {
	var req models.ReplayRequest
	if err := msg.Decode(&req); err != nil {
		return malformed(msg.Event, err)
	}
	events, err := c.hub.coord.ReplaySince(ctx, msg.RoomID, req.Since)
	if errors.Is(err, eventlog.ErrRetentionExceeded) {
		snap, err := c.hub.coord.Snapshot(ctx, msg.RoomID)
		if err != nil {
			return err
		}
		return c.enqueue(models.MsgSnapshot, msg.RoomID, snap)
	}
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := c.enqueue(models.MsgEvent, msg.RoomID, ev); err != nil {
			return err
		}
	}
	return nil
}

// forward writes the attachment's snapshot or backlog, then live events until the
// subscription ends. A subscription dropped for falling behind closes the client so it
// reconnects and replays.
func (c *Client) forward(roomID string, att *classroom.Attachment) {
	if att.Snapshot != nil {
		if err := c.enqueue(models.MsgSnapshot, roomID, att.Snapshot); err != nil {
			return
		}
	}
	for _, ev := range att.Backlog {
		if err := c.enqueue(models.MsgEvent, roomID, ev); err != nil {
			return
		}
	}
	for {
		select {
		case ev, ok := <-att.Sub.C():
			if !ok {
				if errors.Is(att.Sub.Err(), eventlog.ErrSlowSubscriber) {
					c.logger.Warn("client fell behind", zap.String("room_id", roomID))
					c.Close(models.ByeSlowConsumer)
				}
				return
			}
			if err := c.enqueue(models.MsgEvent, roomID, ev); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Client) detach(roomID string, explicit bool) {
	c.mu.Lock()
	sub, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
	c.hub.detached(roomID, c.Participant.ID, explicit)
}

func (c *Client) detachAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.detach(id, false)
	}
}

// enqueue blocks until the writer takes the message or the client closes.
func (c *Client) enqueue(event, roomID string, data interface{}) error {
	msg, err := models.NewMessage(event, roomID, data)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.quit:
		return errClientClosed
	}
}

var errClientClosed = errors.New("realtime: client closed")

// reply sends a direct response, dropping it if the client is not reading.
func (c *Client) reply(msg models.Message) {
	select {
	case c.send <- msg:
	case <-c.quit:
	default:
		c.logger.Warn("reply dropped, send buffer full", zap.String("event", msg.Event))
	}
}

func (c *Client) replyError(req models.Message, err error) {
	e := &models.Error{}
	if !errors.As(err, &e) {
		c.logger.Error("room action failed", zap.String("event", req.Event), zap.String("room_id", req.RoomID), zap.Error(err))
		e = models.Errorf(models.CodeInternal, "internal error")
	}
	msg, mErr := models.NewMessage(models.MsgError, req.RoomID, e)
	if mErr != nil {
		return
	}
	msg.RequestID = req.RequestID
	c.reply(msg)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.Close("")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("")
				return
			}
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.byeReason != "" {
				if bye, err := models.NewMessage(models.MsgBye, "", models.ByeNotice{Reason: c.byeReason}); err == nil {
					_ = c.conn.WriteJSON(bye)
				}
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.byeReason))
			return
		}
	}
}
