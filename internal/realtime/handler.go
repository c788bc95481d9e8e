package realtime

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
	"github.com/lowband-classroom/backend/pkg/response"
)

// maxPollBatch bounds how many events one long-poll response carries.
const maxPollBatch = 256

// Handler serves the HTTP side of the gateway: the degraded long-poll transport and
// read-only room queries.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler creates HTTP handlers in front of hub.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, logger: logger}
}

// PollBatch is the data of a long-poll response. Next is the cursor for the following request.
type PollBatch struct {
	Messages []models.Message `json:"messages"`
	Next     int64            `json:"next"`
}

// CaptureStatus reports whether a participant may push media.
type CaptureStatus struct {
	Allowed bool `json:"allowed"`
}

// PostAction handles POST /rooms/:id/actions: one client message per request.
func (h *Handler) PostAction(c *gin.Context) {
	p, err := identityFromQuery(c.Request.URL.Query())
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		response.BadRequest(c, "invalid message body")
		return
	}
	msg.RoomID = c.Param("id")
	ctx := c.Request.Context()

	var data interface{}
	switch msg.Event {
	case models.MsgJoin:
		err = h.hub.coord.Join(ctx, msg.RoomID, p)
	case models.MsgLeave:
		err = h.hub.coord.Leave(ctx, msg.RoomID, p.ID)
	case models.MsgPing, models.MsgReplay:
		// Replay over polling is a cursor move on the client.
	default:
		data, err = h.hub.apply(ctx, p, msg)
	}
	if err != nil {
		h.logger.Debug("action rejected", zap.String("room_id", msg.RoomID), zap.String("participant_id", p.ID),
			zap.String("event", msg.Event), zap.Error(err))
		response.Error(c, err)
		return
	}
	response.OK(c, data)
}

// Events handles GET /rooms/:id/events?since=N&wait=25s. It answers at once with a
// snapshot or retained events after since, and otherwise holds the request until an
// event arrives or the wait elapses.
func (h *Handler) Events(c *gin.Context) {
	if _, err := identityFromQuery(c.Request.URL.Query()); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	roomID := c.Param("id")
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		response.BadRequest(c, "since must be a non-negative integer")
		return
	}
	wait := h.hub.opts.MaxPollWait
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			response.BadRequest(c, "wait must be a duration")
			return
		}
		if d < wait {
			wait = d
		}
	}

	batch, err := h.collect(c.Request.Context(), roomID, since, wait)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, batch)
}

func (h *Handler) collect(ctx context.Context, roomID string, since int64, wait time.Duration) (PollBatch, error) {
	att, err := h.hub.coord.Attach(ctx, roomID, since)
	if err != nil {
		return PollBatch{}, err
	}
	defer att.Sub.Close()

	batch := PollBatch{Messages: []models.Message{}, Next: since}
	add := func(event string, data interface{}, seq int64) error {
		msg, err := models.NewMessage(event, roomID, data)
		if err != nil {
			return err
		}
		batch.Messages = append(batch.Messages, msg)
		batch.Next = seq
		return nil
	}

	if att.Snapshot != nil {
		return batch, add(models.MsgSnapshot, att.Snapshot, att.Snapshot.Seq)
	}
	if len(att.Backlog) > 0 {
		backlog := att.Backlog
		if len(backlog) > maxPollBatch {
			backlog = backlog[:maxPollBatch]
		}
		for _, ev := range backlog {
			if err := add(models.MsgEvent, ev, ev.Seq); err != nil {
				return PollBatch{}, err
			}
		}
		return batch, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev, ok := <-att.Sub.C():
		if !ok {
			return batch, nil
		}
		if err := add(models.MsgEvent, ev, ev.Seq); err != nil {
			return PollBatch{}, err
		}
	case <-timer.C:
		return batch, nil
	case <-ctx.Done():
		return batch, nil
	}
	for len(batch.Messages) < maxPollBatch {
		select {
		case ev, ok := <-att.Sub.C():
			if !ok {
				return batch, nil
			}
			if err := add(models.MsgEvent, ev, ev.Seq); err != nil {
				return PollBatch{}, err
			}
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Snapshot handles GET /rooms/:id.
func (h *Handler) Snapshot(c *gin.Context) {
	snap, err := h.hub.coord.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, snap)
}

// Capture handles GET /rooms/:id/capture: media capture is allowed only for the
// teacher of a live session.
func (h *Handler) Capture(c *gin.Context) {
	p, err := identityFromQuery(c.Request.URL.Query())
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.OK(c, CaptureStatus{Allowed: h.hub.coord.CanCapture(c.Request.Context(), c.Param("id"), p.ID)})
}
