package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
)

const (
	channelPrefix  = "classroom:room:"
	publishTimeout = 5 * time.Second
	mirrorBuffer   = 1024
)

// ChannelFor returns the Redis channel a room's events are mirrored to.
func ChannelFor(roomID string) string { return channelPrefix + roomID }

type mirrored struct {
	roomID string
	body   []byte
}

// RedisMirror publishes every committed room event to Redis pub/sub so other processes
// (eventtail, analytics) can observe rooms. Publishing is asynchronous: rooms never wait
// on Redis, and events are dropped with a warning if the queue is full.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
	queue  chan mirrored
}

// NewRedisMirror creates a mirror. Run must be started to drain it.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, logger: logger, queue: make(chan mirrored, mirrorBuffer)}
}

// PublishRoomEvent queues ev for publishing.
func (r *RedisMirror) PublishRoomEvent(roomID string, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	select {
	case r.queue <- mirrored{roomID: roomID, body: body}:
		return nil
	default:
		return fmt.Errorf("mirror queue full, dropped seq %d", ev.Seq)
	}
}

// Run publishes queued events until ctx is done.
func (r *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case m := <-r.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.client.Publish(pctx, ChannelFor(m.roomID), m.body).Err()
			cancel()
			if err != nil {
				r.logger.Warn("redis publish failed", zap.String("room_id", m.roomID), zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// SubscribeRooms subscribes to the given rooms, or to every room when none are given,
// and calls handler for each mirrored event. Returns a cancel function to stop the
// subscription.
func SubscribeRooms(ctx context.Context, client *redis.Client, roomIDs []string, handler func(models.Event)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	var pubsub *redis.PubSub
	if len(roomIDs) == 0 {
		pubsub = client.PSubscribe(ctx, channelPrefix+"*")
	} else {
		channels := make([]string, len(roomIDs))
		for i, id := range roomIDs {
			channels[i] = ChannelFor(id)
		}
		pubsub = client.Subscribe(ctx, channels...)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.RoomID == "" {
					ev.RoomID = strings.TrimPrefix(msg.Channel, channelPrefix)
				}
				handler(ev)
			}
		}
	}()
	return cancelCtx, nil
}
