package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/classroom"
	"github.com/lowband-classroom/backend/internal/middleware"
	"github.com/lowband-classroom/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	DefaultDisconnectGrace = 10 * time.Second
	DefaultMaxPollWait     = 25 * time.Second
	leaveTimeout           = 5 * time.Second
)

// HubOptions configures a Hub.
type HubOptions struct {
	// DisconnectGrace is how long a participant whose last connection to a room dropped
	// without an explicit leave stays a member before the hub leaves on their behalf.
	DisconnectGrace time.Duration
	// MaxPollWait caps the wait parameter of a long-poll request.
	MaxPollWait time.Duration
	// AllowedOrigins limits websocket handshakes like the CORS middleware; empty allows all.
	AllowedOrigins string
	Logger         *zap.Logger
}

type presenceKey struct {
	roomID        string
	participantID string
}

type graceLeave struct {
	timer *time.Timer
}

// Hub binds client connections to the classroom coordinator. It tracks which
// participants have a live connection per room so a dropped connection turns into a
// leave only after the grace window.
type Hub struct {
	coord    *classroom.Coordinator
	opts     HubOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*Client
	present  map[presenceKey]int
	pending  map[presenceKey]*graceLeave
	shutdown bool
}

// NewHub creates a hub in front of coord.
func NewHub(coord *classroom.Coordinator, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = DefaultDisconnectGrace
	}
	if opts.MaxPollWait <= 0 {
		opts.MaxPollWait = DefaultMaxPollWait
	}
	return &Hub{
		coord:  coord,
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.AllowsOrigin(opts.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
		clients: make(map[string]*Client),
		present: make(map[presenceKey]int),
		pending: make(map[presenceKey]*graceLeave),
	}
}

// Register adds a websocket client. It reports false once the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.clients[c.ID] = c
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("participant_id", c.Participant.ID))
	return true
}

// Unregister removes a websocket client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("participant_id", c.Participant.ID))
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// attached records a live connection for a participant in a room and cancels any
// pending grace leave. It must be called before the coordinator join so a grace leave
// that is already running completes first.
func (h *Hub) attached(roomID, participantID string) {
	key := presenceKey{roomID, participantID}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.present[key]++
	if g, ok := h.pending[key]; ok {
		g.timer.Stop()
		delete(h.pending, key)
	}
}

// detached drops a live connection. Unless the participant left explicitly, the last
// connection going away starts the grace timer.
func (h *Hub) detached(roomID, participantID string, explicit bool) {
	key := presenceKey{roomID, participantID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.present[key] > 0 {
		h.present[key]--
	}
	if h.present[key] > 0 {
		return
	}
	delete(h.present, key)
	if explicit || h.shutdown {
		return
	}
	if g, ok := h.pending[key]; ok {
		g.timer.Stop()
	}
	g := &graceLeave{}
	g.timer = time.AfterFunc(h.opts.DisconnectGrace, func() { h.expire(key, g) })
	h.pending[key] = g
}

// expire leaves on behalf of a participant whose grace window ran out. The presence
// check runs inside the room operation: a reconnect attaches before its join reaches
// the room, so it either keeps the member or joins again after the leave.
func (h *Hub) expire(key presenceKey, g *graceLeave) {
	h.mu.Lock()
	if h.pending[key] != g || h.present[key] > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.pending, key)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	left, err := h.coord.LeaveUnless(ctx, key.roomID, key.participantID, func() bool {
		return h.isPresent(key)
	})
	if err != nil {
		h.logger.Warn("grace leave failed", zap.String("room_id", key.roomID),
			zap.String("participant_id", key.participantID), zap.Error(err))
		return
	}
	if left {
		h.logger.Info("participant left after disconnect grace", zap.String("room_id", key.roomID),
			zap.String("participant_id", key.participantID))
	}
}

func (h *Hub) isPresent(key presenceKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present[key] > 0
}

// Shutdown sends bye to every client and closes it. Pending grace leaves are dropped.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	for key, g := range h.pending {
		g.timer.Stop()
		delete(h.pending, key)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(models.ByeShutdown)
	}
	h.logger.Info("hub shut down", zap.Int("clients", len(clients)))
}
