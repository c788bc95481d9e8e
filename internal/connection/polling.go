package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
)

const (
	DefaultPollWait  = 25 * time.Second
	pollSendBuffer   = 64
	pollRecvBuffer   = 256
	pollExtraTimeout = 10 * time.Second
)

// PollingDialer is the degraded transport: actions are POSTed to /rooms/:id/actions and
// events are long-polled from /rooms/:id/events for every joined room.
type PollingDialer struct {
	// BaseURL is the gateway root, e.g. http://localhost:8080.
	BaseURL  string
	Identity Identity
	Client   *http.Client
	// Wait is how long the server may hold one long-poll request.
	Wait   time.Duration
	Logger *zap.Logger
}

func (d *PollingDialer) Name() string { return "polling" }

func (d *PollingDialer) Dial(ctx context.Context) (Conn, error) {
	wait := d.Wait
	if wait <= 0 {
		wait = DefaultPollWait
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: wait + pollExtraTimeout}
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(d.BaseURL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling health check: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling health check: %s", resp.Status)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		base:     base,
		identity: d.Identity.query(),
		client:   client,
		wait:     wait,
		logger:   logger,
		ctx:      cctx,
		cancel:   cancel,
		out:      make(chan models.Message, pollSendBuffer),
		in:       make(chan models.Message, pollRecvBuffer),
		failed:   make(chan struct{}),
		rooms:    make(map[string]*pollRoom),
	}
	go c.sendLoop()
	return c, nil
}

// envelope mirrors the gateway's JSON response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// PollBatch is the data of a long-poll response.
type PollBatch struct {
	Messages []models.Message `json:"messages"`
	Next     int64            `json:"next"`
}

type pollConn struct {
	base     string
	identity url.Values
	client   *http.Client
	wait     time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan models.Message
	in     chan models.Message

	failOnce sync.Once
	failed   chan struct{}
	err      error

	mu    sync.Mutex
	rooms map[string]*pollRoom
}

type pollRoom struct {
	mu     sync.Mutex
	since  int64
	cancel context.CancelFunc
}

func (r *pollRoom) cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.since
}

// advance moves the cursor unless it was reset while the request was in flight.
func (r *pollRoom) advance(from, next int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.since == from && next > from {
		r.since = next
	}
}

func (r *pollRoom) reset(since int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.since = since
}

func (c *pollConn) Send(msg models.Message) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-c.failed:
		return c.err
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return errors.New("polling send buffer full")
	}
}

func (c *pollConn) Receive() (models.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.failed:
		return models.Message{}, c.err
	case <-c.ctx.Done():
		return models.Message{}, ErrConnClosed
	}
}

func (c *pollConn) Close() error {
	c.cancel()
	return nil
}

func (c *pollConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.failed)
		c.cancel()
	})
}

func (c *pollConn) push(msg models.Message) bool {
	select {
	case c.in <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *pollConn) sendLoop() {
	for {
		select {
		case msg := <-c.out:
			if err := c.post(msg); err != nil {
				c.fail(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *pollConn) roomURL(roomID, suffix string, extra url.Values) string {
	q := url.Values{}
	for k, v := range c.identity {
		q[k] = v
	}
	for k, v := range extra {
		q[k] = v
	}
	return c.base + "/rooms/" + url.PathEscape(roomID) + suffix + "?" + q.Encode()
}

// post delivers one action. Replay and ping are answered locally: a replay just moves
// the room's poll cursor back.
func (c *pollConn) post(msg models.Message) error {
	switch msg.Event {
	case models.MsgReplay:
		var req models.ReplayRequest
		_ = msg.Decode(&req)
		c.mu.Lock()
		if r, ok := c.rooms[msg.RoomID]; ok {
			r.reset(req.Since)
		}
		c.mu.Unlock()
		return nil
	case models.MsgPing:
		c.push(models.Message{Event: models.MsgPong, RequestID: msg.RequestID})
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Event, err)
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.roomURL(msg.RoomID, "/actions", nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	env, err := c.do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", msg.Event, err)
	}
	if !env.Success {
		e := models.Errorf(models.ErrorCode(env.Code), "%s", env.Error)
		if e.Code == "" {
			e.Code = models.CodeInternal
		}
		frame, _ := models.NewMessage(models.MsgError, msg.RoomID, e)
		frame.RequestID = msg.RequestID
		c.push(frame)
		return nil
	}

	switch msg.Event {
	case models.MsgJoin:
		var jr models.JoinRequest
		_ = msg.Decode(&jr)
		c.follow(msg.RoomID, jr.Since)
	case models.MsgLeave:
		c.unfollow(msg.RoomID)
	}
	c.push(models.Message{Event: models.MsgAck, RoomID: msg.RoomID, RequestID: msg.RequestID, Data: env.Data})
	return nil
}

// do runs a request and decodes the envelope. Transport errors and bodies that are not
// an envelope are failures; a decoded error envelope is not.
func (c *pollConn) do(req *http.Request) (envelope, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !env.Success && env.Code == "" && resp.StatusCode >= http.StatusInternalServerError {
		return envelope{}, fmt.Errorf("server error: %s", resp.Status)
	}
	return env, nil
}

func (c *pollConn) follow(roomID string, since int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		r.reset(since)
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	r := &pollRoom{since: since, cancel: cancel}
	c.rooms[roomID] = r
	go c.poll(ctx, roomID, r)
}

func (c *pollConn) unfollow(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		r.cancel()
		delete(c.rooms, roomID)
	}
}

func (c *pollConn) poll(ctx context.Context, roomID string, r *pollRoom) {
	for {
		since := r.cursor()
		extra := url.Values{}
		extra.Set("since", strconv.FormatInt(since, 10))
		extra.Set("wait", c.wait.String())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(roomID, "/events", extra), nil)
		if err != nil {
			c.fail(fmt.Errorf("build poll request: %w", err))
			return
		}
		env, err := c.do(req)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.fail(fmt.Errorf("poll %s: %w", roomID, err))
			return
		}
		if !env.Success {
			c.fail(fmt.Errorf("poll %s: %s: %s", roomID, env.Code, env.Error))
			return
		}
		var batch PollBatch
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			c.fail(fmt.Errorf("decode poll batch: %w", err))
			return
		}
		for _, msg := range batch.Messages {
			if !c.push(msg) {
				return
			}
		}
		r.advance(since, batch.Next)
		c.logger.Debug("polled", zap.String("room_id", roomID), zap.Int64("since", since),
			zap.Int("messages", len(batch.Messages)), zap.Int64("next", batch.Next))
	}
}
