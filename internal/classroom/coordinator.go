// Package classroom is the authoritative owner of room membership, session phase and
// polls. Each room runs its operations one at a time on a dedicated goroutine.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/eventlog"
	"github.com/lowband-classroom/backend/internal/models"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("classroom: coordinator closed")

// sinkTimeout bounds one RecordingSink call.
const sinkTimeout = 10 * time.Second

// RecordingSink is notified after a recording stops (explicitly or with the session).
type RecordingSink interface {
	RecordingStopped(ctx context.Context, roomID string, rec models.RecordingPayload) error
}

// Options configures a Coordinator.
type Options struct {
	VotePolicy models.VotePolicy
	Log        eventlog.Options
	Recordings RecordingSink
	// NewID generates poll ids.
	NewID  func() string
	Logger *zap.Logger
}

// Attachment is the result of attaching a connection to a room's event stream.
// Snapshot is set when the client must reset its view; Backlog holds missed events otherwise.
type Attachment struct {
	Sub      *eventlog.Subscription
	Backlog  []models.Event
	Snapshot *models.Snapshot
}

// Coordinator routes operations to per-room goroutines.
type Coordinator struct {
	mu     sync.Mutex
	rooms  map[string]*runner
	opts   Options
	logger *zap.Logger
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type runner struct {
	room *room
	ops  chan func()
}

// New creates a Coordinator with no rooms.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.VotePolicy == "" {
		opts.VotePolicy = models.LastVoteWins
	}
	if opts.Log.Logger == nil {
		opts.Log.Logger = opts.Logger
	}
	return &Coordinator{
		rooms:  make(map[string]*runner),
		opts:   opts,
		logger: opts.Logger,
		closed: make(chan struct{}),
	}
}

// Close stops every room goroutine. Pending operations fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.once.Do(func() { close(c.closed) })
	c.mu.Unlock()
	c.wg.Wait()
}

// Rooms lists the ids of rooms created so far.
func (c *Coordinator) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) runner(roomID string) *runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rn, ok := c.rooms[roomID]; ok {
		return rn
	}
	log := eventlog.New(roomID, c.opts.Log)
	rn := &runner{
		room: newRoom(roomID, log, c.opts.VotePolicy, c.opts.NewID),
		ops:  make(chan func()),
	}
	c.rooms[roomID] = rn
	select {
	case <-c.closed:
		return rn
	default:
	}
	c.wg.Add(1)
	go c.run(rn)
	c.logger.Info("room created", zap.String("room_id", roomID))
	return rn
}

func (c *Coordinator) lookup(roomID string) (*runner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rn, ok := c.rooms[roomID]
	return rn, ok
}

func (c *Coordinator) run(rn *runner) {
	defer c.wg.Done()
	for {
		select {
		case op := <-rn.ops:
			op()
		case <-c.closed:
			return
		}
	}
}

// do runs fn on the room's goroutine and waits for it. Only joins create rooms; other
// operations on an unknown room fail with ROOM_NOT_FOUND. Recordings stopped by fn are
// handed to the sink on the caller's goroutine so the room is never blocked on I/O.
func (c *Coordinator) do(ctx context.Context, roomID string, create bool, fn func(r *room) error) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return models.Errorf(models.CodeInvalidState, "room id is required")
	}
	var rn *runner
	if create {
		rn = c.runner(roomID)
	} else {
		var ok bool
		if rn, ok = c.lookup(roomID); !ok {
			return models.Errorf(models.CodeRoomNotFound, "room %s does not exist", roomID)
		}
	}

	type result struct {
		err     error
		stopped []models.RecordingPayload
	}
	done := make(chan result, 1)
	op := func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("room operation panicked", zap.String("room_id", roomID), zap.Any("panic", p))
				res.err = models.Errorf(models.CodeInternal, "room operation failed")
			}
			res.stopped = rn.room.takeStopped()
			done <- res
		}()
		res.err = fn(rn.room)
	}

	select {
	case rn.ops <- op:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// The room has taken the operation and will commit it; its result and any stopped
	// recordings must not be lost to a cancelled caller.
	res := <-done
	for _, rec := range res.stopped {
		c.recordingStopped(ctx, roomID, rec)
	}
	if res.err != nil {
		c.logger.Debug("room operation rejected", zap.String("room_id", roomID), zap.Error(res.err))
	}
	return res.err
}

func (c *Coordinator) recordingStopped(ctx context.Context, roomID string, rec models.RecordingPayload) {
	if c.opts.Recordings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := c.opts.Recordings.RecordingStopped(ctx, roomID, rec); err != nil {
		c.logger.Warn("recording sink failed", zap.String("room_id", roomID), zap.String("title", rec.Title), zap.Error(err))
	}
}

// Join adds a participant. A second teacher is rejected with ROLE_CONFLICT; a repeated
// join by the same id changes nothing but re-emits joined so the client can resync.
// The room is created on first join.
func (c *Coordinator) Join(ctx context.Context, roomID string, p models.Participant) error {
	return c.do(ctx, roomID, true, func(r *room) error { return r.join(p) })
}

// JoinAttach subscribes a connection to the room's events and joins in one room
// operation, so the joiner's own joined event is the first live event it receives.
// The subscription is released if the join is rejected.
func (c *Coordinator) JoinAttach(ctx context.Context, roomID string, p models.Participant, since int64) (*Attachment, error) {
	var att *Attachment
	err := c.do(ctx, roomID, true, func(r *room) error {
		a, err := c.attach(r, since)
		if err != nil {
			return err
		}
		if err := r.join(p); err != nil {
			a.Sub.Close()
			return err
		}
		att = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

// Leave removes a participant. The teacher leaving a live room ends the session first.
// Leaving an unknown room is a no-op.
func (c *Coordinator) Leave(ctx context.Context, roomID, participantID string) error {
	err := c.do(ctx, roomID, false, func(r *room) error { return r.leave(participantID) })
	if errors.Is(err, models.ErrRoomNotFound) {
		return nil
	}
	return err
}

// LeaveUnless is Leave guarded by keep, which is evaluated on the room's goroutine right
// before leaving. It reports whether the participant was removed.
func (c *Coordinator) LeaveUnless(ctx context.Context, roomID, participantID string, keep func() bool) (bool, error) {
	var left bool
	err := c.do(ctx, roomID, false, func(r *room) error {
		if keep() {
			return nil
		}
		if _, ok := r.members[participantID]; !ok {
			return nil
		}
		left = true
		return r.leave(participantID)
	})
	if errors.Is(err, models.ErrRoomNotFound) {
		return false, nil
	}
	return left, err
}

// StartSession moves the room from idle to live.
func (c *Coordinator) StartSession(ctx context.Context, roomID, teacherID string) error {
	return c.do(ctx, roomID, false, func(r *room) error { return r.startSession(teacherID) })
}

// EndSession moves the room from live to idle, closing any open poll and recording.
func (c *Coordinator) EndSession(ctx context.Context, roomID, teacherID string) error {
	return c.do(ctx, roomID, false, func(r *room) error { return r.stopSession(teacherID) })
}

// PostChat appends a chat message verbatim.
func (c *Coordinator) PostChat(ctx context.Context, roomID, participantID, text string) error {
	return c.do(ctx, roomID, false, func(r *room) error { return r.postChat(participantID, text) })
}

// CreatePoll opens a new poll, closing the current one first. Returns the poll id.
func (c *Coordinator) CreatePoll(ctx context.Context, roomID, teacherID, question string, options []string) (string, error) {
	var id string
	err := c.do(ctx, roomID, false, func(r *room) error {
		var err error
		id, err = r.createPoll(teacherID, question, options)
		return err
	})
	return id, err
}

// Vote records a participant's choice on the open poll. An empty pollID targets
// whichever poll is open.
func (c *Coordinator) Vote(ctx context.Context, roomID, participantID, pollID string, option int) error {
	return c.do(ctx, roomID, false, func(r *room) error { return r.vote(participantID, pollID, option) })
}

// ClosePoll closes the open poll and returns its final tally.
func (c *Coordinator) ClosePoll(ctx context.Context, roomID, teacherID string) (models.Tally, error) {
	var tally models.Tally
	err := c.do(ctx, roomID, false, func(r *room) error {
		var err error
		tally, err = r.closePoll(teacherID)
		return err
	})
	return tally, err
}

// StartRecording marks the live session as recording.
func (c *Coordinator) StartRecording(ctx context.Context, roomID, teacherID, title string) error {
	return c.do(ctx, roomID, false, func(r *room) error { return r.startRecording(teacherID, title) })
}

// StopRecording ends the recording and hands it to the RecordingSink.
func (c *Coordinator) StopRecording(ctx context.Context, roomID, teacherID string, rec models.RecordingPayload) error {
	return c.do(ctx, roomID, false, func(r *room) error { return r.stopRecording(teacherID, rec) })
}

// CanCapture reports whether participantID may push media: only the teacher of a live room.
func (c *Coordinator) CanCapture(ctx context.Context, roomID, participantID string) bool {
	var ok bool
	if err := c.do(ctx, roomID, false, func(r *room) error {
		ok = r.canCapture(participantID)
		return nil
	}); err != nil {
		return false
	}
	return ok
}

// Snapshot returns a consistent copy of the room state.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (models.Snapshot, error) {
	var snap models.Snapshot
	err := c.do(ctx, roomID, false, func(r *room) error {
		snap = r.snapshot()
		return nil
	})
	return snap, err
}

// Attach subscribes to the room's events after since. With since <= 0, or when the
// events after since are no longer retained, it returns a snapshot and subscribes from it.
// Attaching does not create a room.
func (c *Coordinator) Attach(ctx context.Context, roomID string, since int64) (*Attachment, error) {
	var att *Attachment
	err := c.do(ctx, roomID, false, func(r *room) error {
		var err error
		att, err = c.attach(r, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

func (c *Coordinator) attach(r *room, since int64) (*Attachment, error) {
	if since > 0 {
		sub, backlog, err := r.log.Subscribe(since)
		if err == nil {
			return &Attachment{Sub: sub, Backlog: backlog}, nil
		}
		if !errors.Is(err, eventlog.ErrRetentionExceeded) {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		c.logger.Info("replay window exceeded, sending snapshot",
			zap.String("room_id", r.id), zap.Int64("since", since))
	}
	snap := r.snapshot()
	sub, _, err := r.log.Subscribe(snap.Seq)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &Attachment{Sub: sub, Snapshot: &snap}, nil
}

// ReplaySince returns the retained events of a room after since.
func (c *Coordinator) ReplaySince(ctx context.Context, roomID string, since int64) ([]models.Event, error) {
	rn, ok := c.lookup(strings.TrimSpace(roomID))
	if !ok {
		return nil, nil
	}
	return rn.room.log.ReplaySince(since)
}

// LastSeq returns the seq of the newest event in a room (0 for unknown rooms).
func (c *Coordinator) LastSeq(roomID string) int64 {
	rn, ok := c.lookup(strings.TrimSpace(roomID))
	if !ok {
		return 0
	}
	return rn.room.log.LastSeq()
}
