// Package eventlog implements the per-room broadcast log: a sequenced, retained,
// fan-out stream of room events that reconnecting clients replay from.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
)

var (
	// ErrRetentionExceeded means events after the requested seq were already evicted.
	ErrRetentionExceeded = errors.New("eventlog: requested events are no longer retained")
	// ErrSlowSubscriber is set on a subscription dropped because its buffer was full.
	ErrSlowSubscriber = errors.New("eventlog: subscriber dropped, buffer full")
)

const (
	DefaultRetainFor        = 5 * time.Minute
	DefaultMinEvents        = 256
	DefaultMaxEvents        = 10000
	DefaultSubscriberBuffer = 256
)

// Mirror receives every appended event after it is committed (e.g. Redis pub/sub).
type Mirror interface {
	PublishRoomEvent(roomID string, ev models.Event) error
}

// Options configures retention and fan-out.
type Options struct {
	// RetainFor keeps events at least this long.
	RetainFor time.Duration
	// MinEvents are always kept regardless of age.
	MinEvents int
	// MaxEvents caps memory; the oldest events go first.
	MaxEvents        int
	SubscriberBuffer int
	Mirror           Mirror
	Logger           *zap.Logger
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetainFor <= 0 {
		o.RetainFor = DefaultRetainFor
	}
	if o.MinEvents <= 0 {
		o.MinEvents = DefaultMinEvents
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.MaxEvents < o.MinEvents {
		o.MaxEvents = o.MinEvents
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Log is one room's ordered event stream.
type Log struct {
	mu     sync.Mutex
	roomID string
	last   int64
	events []models.Event
	subs   map[*Subscription]struct{}
	opts   Options
}

// New creates an empty log for a room. The first appended event gets seq 1.
func New(roomID string, opts Options) *Log {
	return &Log{
		roomID: roomID,
		subs:   make(map[*Subscription]struct{}),
		opts:   opts.withDefaults(),
	}
}

// RoomID returns the room this log belongs to.
func (l *Log) RoomID() string { return l.roomID }

// Append assigns the next seq to a new event, retains it and delivers it to all subscribers.
func (l *Log) Append(kind models.EventKind, participantID string, payload interface{}) (models.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return models.Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}

	l.mu.Lock()
	l.last++
	ev := models.Event{
		Seq:           l.last,
		RoomID:        l.roomID,
		Kind:          kind,
		ParticipantID: participantID,
		Payload:       raw,
		At:            l.opts.Now(),
	}
	l.events = append(l.events, ev)
	l.evictLocked(ev.At)
	for sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			l.dropLocked(sub, ErrSlowSubscriber)
			l.opts.Logger.Warn("dropped slow subscriber",
				zap.String("room_id", l.roomID), zap.Int64("seq", ev.Seq))
		}
	}
	mirror := l.opts.Mirror
	l.mu.Unlock()

	if mirror != nil {
		if err := mirror.PublishRoomEvent(l.roomID, ev); err != nil {
			l.opts.Logger.Warn("mirror publish failed",
				zap.String("room_id", l.roomID), zap.Int64("seq", ev.Seq), zap.Error(err))
		}
	}
	return ev, nil
}

// LastSeq returns the seq of the most recently appended event (0 if none).
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// ReplaySince returns retained events with seq > since, in order.
func (l *Log) ReplaySince(since int64) ([]models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(since)
}

// Subscribe atomically returns the events after since and registers a subscription
// that receives every later event. No event is both in the backlog and on the channel.
func (l *Log) Subscribe(since int64) (*Subscription, []models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	backlog, err := l.sinceLocked(since)
	if err != nil {
		return nil, nil, err
	}
	sub := &Subscription{log: l, ch: make(chan models.Event, l.opts.SubscriberBuffer)}
	l.subs[sub] = struct{}{}
	return sub, backlog, nil
}

// Subscribers returns the number of live subscriptions.
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Log) sinceLocked(since int64) ([]models.Event, error) {
	if since < 0 {
		since = 0
	}
	if since >= l.last {
		return nil, nil
	}
	first := l.last + 1
	if len(l.events) > 0 {
		first = l.events[0].Seq
	}
	if since+1 < first {
		return nil, ErrRetentionExceeded
	}
	start := int(since + 1 - first)
	out := make([]models.Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out, nil
}

func (l *Log) evictLocked(now time.Time) {
	drop := 0
	if n := len(l.events); n > l.opts.MaxEvents {
		drop = n - l.opts.MaxEvents
	}
	for drop < len(l.events)-l.opts.MinEvents && now.Sub(l.events[drop].At) > l.opts.RetainFor {
		drop++
	}
	if drop > 0 {
		l.events = l.events[drop:]
	}
}

func (l *Log) dropLocked(sub *Subscription, cause error) {
	if _, ok := l.subs[sub]; !ok {
		return
	}
	delete(l.subs, sub)
	sub.err = cause
	close(sub.ch)
}

// Subscription is a live feed of a room's events.
type Subscription struct {
	log *Log
	ch  chan models.Event
	err error
}

// C delivers events in seq order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan models.Event { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.dropLocked(s, nil)
}

// Err reports why the subscription ended, nil if it was closed by its owner or is live.
func (s *Subscription) Err() error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	return s.err
}
