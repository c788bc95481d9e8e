// Package connection is the client side of a classroom session: one logical connection
// to the server with a phase state machine, bounded reconnects over an ordered list of
// transports, gated sends and per-room event dedupe and resync.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
)

// Phase is the state of the logical connection.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// ErrNotConnected is returned by Send and its wrappers unless the phase is connected.
// Nothing is queued.
var ErrNotConnected = &models.Error{Code: models.CodeTransportFailure, Message: "not connected"}

// State is a copy of the manager's connection state.
type State struct {
	Phase      Phase
	Transport  string
	RetryCount int
	LastSeq    map[string]int64
	// Cause is the last transport error; a RECONNECT_EXHAUSTED error once failed.
	Cause error
}

// Manager owns one logical connection. All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	phase     Phase
	transport string
	retries   int
	cause     error
	conn      Conn
	rooms     map[string]struct{}
	lastSeq   map[string]int64
	// resync holds, per room, the cursor of an outstanding replay request.
	resync map[string]int64
	cancel context.CancelFunc
	done   chan struct{}
	retry  chan struct{}

	phaseFns    registry[State]
	eventFns    registry[models.Event]
	snapshotFns registry[models.Snapshot]
	errorFns    registry[*models.Error]
}

// New creates a disconnected manager.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		phase:   PhaseDisconnected,
		rooms:   make(map[string]struct{}),
		lastSeq: make(map[string]int64),
		resync:  make(map[string]int64),
		retry:   make(chan struct{}, 1),
	}
}

// OnPhase registers fn for phase transitions. The returned func unregisters it.
func (m *Manager) OnPhase(fn func(State)) func() { return m.phaseFns.add(fn) }

// OnEvent registers fn for room events, delivered once each in seq order per room.
func (m *Manager) OnEvent(fn func(models.Event)) func() { return m.eventFns.add(fn) }

// OnSnapshot registers fn for room snapshots; the consumer must reset its room view.
func (m *Manager) OnSnapshot(fn func(models.Snapshot)) func() { return m.snapshotFns.add(fn) }

// OnError registers fn for server rejections and transport failures.
func (m *Manager) OnError(fn func(*models.Error)) func() { return m.errorFns.add(fn) }

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// State returns a copy of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// LastSeq returns the seq of the last event delivered for a room.
func (m *Manager) LastSeq(roomID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq[roomID]
}

func (m *Manager) stateLocked() State {
	seqs := make(map[string]int64, len(m.lastSeq))
	for k, v := range m.lastSeq {
		seqs[k] = v
	}
	return State{
		Phase:      m.phase,
		Transport:  m.transport,
		RetryCount: m.retries,
		LastSeq:    seqs,
		Cause:      m.cause,
	}
}

func (m *Manager) setPhaseLocked(p Phase, cause error) (State, bool) {
	changed := m.phase != p
	m.phase = p
	m.cause = cause
	return m.stateLocked(), changed
}

func (m *Manager) setPhase(p Phase, cause error) {
	m.mu.Lock()
	st, changed := m.setPhaseLocked(p, cause)
	m.mu.Unlock()
	if changed {
		m.logger.Info("connection phase", zap.String("phase", string(p)), zap.Error(cause))
		m.phaseFns.emit(st)
	}
}

// Start begins connecting in the background. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.opts.Dialers) == 0 {
		return errors.New("connection: no transports configured")
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return models.Errorf(models.CodeInvalidState, "connection already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.retries = 0
	st, changed := m.setPhaseLocked(PhaseConnecting, nil)
	done := m.done
	m.mu.Unlock()
	if changed {
		m.phaseFns.emit(st)
	}
	go m.run(ctx, done)
	return nil
}

// Retry leaves the failed phase and starts a fresh round of connect attempts.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseFailed {
		phase := m.phase
		m.mu.Unlock()
		return models.Errorf(models.CodeInvalidState, "retry is only valid after reconnects are exhausted (phase is %s)", phase)
	}
	m.retries = 0
	st, _ := m.setPhaseLocked(PhaseConnecting, nil)
	m.mu.Unlock()
	m.phaseFns.emit(st)

	select {
	case m.retry <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the connection and stops reconnecting. The phase becomes disconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.setPhase(PhaseDisconnected, nil)
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := m.opts.backOff()
	for {
		conn, name, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			b.Reset()
			err = m.serve(ctx, conn, name)
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(err)
		} else if m.attemptFailed(err) {
			select {
			case <-m.retry:
				b.Reset()
				continue
			case <-ctx.Done():
				return
			}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = m.opts.MaxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// dial tries every transport in order and returns the first connection.
func (m *Manager) dial(ctx context.Context) (Conn, string, error) {
	var errs []error
	for _, d := range m.opts.Dialers {
		dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		conn, err := d.Dial(dctx)
		cancel()
		if err == nil {
			return conn, d.Name(), nil
		}
		m.logger.Debug("transport dial failed", zap.String("transport", d.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

// attemptFailed records a failed connect attempt and reports whether the retry budget
// is exhausted. The first attempt after Start or Retry is not counted as a reconnect.
func (m *Manager) attemptFailed(err error) bool {
	cause := models.Errorf(models.CodeTransportFailure, "connect: %v", err)

	m.mu.Lock()
	if m.phase == PhaseReconnecting {
		m.retries++
	}
	retries := m.retries
	exhausted := retries >= m.opts.MaxAttempts
	var (
		st      State
		changed bool
	)
	if exhausted {
		st, changed = m.setPhaseLocked(PhaseFailed, models.Errorf(models.CodeReconnectExhausted,
			"could not reach the classroom server after %d reconnect attempts: %v", retries, err))
	} else {
		st, changed = m.setPhaseLocked(PhaseReconnecting, cause)
	}
	m.mu.Unlock()

	m.logger.Warn("connect attempt failed", zap.Int("retry_count", retries), zap.Error(err))
	m.errorFns.emit(cause)
	if changed {
		m.logger.Info("connection phase", zap.String("phase", string(st.Phase)), zap.Error(st.Cause))
		m.phaseFns.emit(st)
	}
	if exhausted {
		if e, ok := st.Cause.(*models.Error); ok {
			m.errorFns.emit(e)
		}
	}
	return exhausted
}

func (m *Manager) connectionLost(err error) {
	var sc *ServerClosedError
	if errors.As(err, &sc) {
		m.logger.Info("server closed connection", zap.String("reason", sc.Reason))
	} else {
		m.logger.Warn("connection lost", zap.Error(err))
	}
	cause := models.Errorf(models.CodeTransportFailure, "%v", err)
	m.errorFns.emit(cause)
	m.setPhase(PhaseReconnecting, cause)
}

// serve marks the connection live, re-joins remembered rooms and reads until the
// transport fails.
func (m *Manager) serve(ctx context.Context, conn Conn, name string) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.mu.Lock()
	m.conn = conn
	m.transport = name
	m.retries = 0
	m.resync = make(map[string]int64)
	rejoin := make(map[string]int64, len(m.rooms))
	for roomID := range m.rooms {
		rejoin[roomID] = m.lastSeq[roomID]
	}
	st, changed := m.setPhaseLocked(PhaseConnected, nil)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	m.logger.Info("connected", zap.String("transport", name), zap.Int("rooms", len(rejoin)))
	if changed {
		m.phaseFns.emit(st)
	}
	for roomID, since := range rejoin {
		msg, err := models.NewMessage(models.MsgJoin, roomID, models.JoinRequest{Since: since})
		if err != nil {
			return err
		}
		msg.RequestID = uuid.NewString()
		if err := conn.Send(msg); err != nil {
			return fmt.Errorf("rejoin %s: %w", roomID, err)
		}
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			return err
		}
		if err := m.handle(conn, msg); err != nil {
			return err
		}
	}
}

func (m *Manager) handle(conn Conn, msg models.Message) error {
	switch msg.Event {
	case models.MsgEvent:
		var ev models.Event
		if err := msg.Decode(&ev); err != nil {
			m.logger.Warn("bad event frame", zap.Error(err))
			return nil
		}
		if ev.RoomID == "" {
			ev.RoomID = msg.RoomID
		}
		m.deliver(conn, ev)
	case models.MsgSnapshot:
		var snap models.Snapshot
		if err := msg.Decode(&snap); err != nil {
			m.logger.Warn("bad snapshot frame", zap.Error(err))
			return nil
		}
		if snap.RoomID == "" {
			snap.RoomID = msg.RoomID
		}
		m.mu.Lock()
		if _, ok := m.rooms[snap.RoomID]; !ok {
			m.mu.Unlock()
			return nil
		}
		m.lastSeq[snap.RoomID] = snap.Seq
		delete(m.resync, snap.RoomID)
		m.mu.Unlock()
		m.snapshotFns.emit(snap)
	case models.MsgError:
		e := &models.Error{}
		if err := msg.Decode(e); err != nil || e.Code == "" {
			e = models.Errorf(models.CodeInternal, "unreadable error frame")
		}
		m.errorFns.emit(e)
	case models.MsgBye:
		var bye models.ByeNotice
		_ = msg.Decode(&bye)
		return &ServerClosedError{Reason: bye.Reason}
	default:
		m.logger.Debug("frame", zap.String("event", msg.Event), zap.String("request_id", msg.RequestID))
	}
	return nil
}

// deliver drops events already seen, and events of rooms that were left (the server's
// own left event is still in flight after LeaveRoom). It asks for a replay when an
// event skips ahead.
func (m *Manager) deliver(conn Conn, ev models.Event) {
	m.mu.Lock()
	if _, ok := m.rooms[ev.RoomID]; !ok {
		m.mu.Unlock()
		return
	}
	last := m.lastSeq[ev.RoomID]
	if ev.Seq <= last {
		m.mu.Unlock()
		return
	}
	if ev.Seq > last+1 {
		pending, ok := m.resync[ev.RoomID]
		m.resync[ev.RoomID] = last
		m.mu.Unlock()
		if ok && pending == last {
			return
		}
		m.logger.Info("event gap, requesting replay",
			zap.String("room_id", ev.RoomID), zap.Int64("last_seq", last), zap.Int64("seq", ev.Seq))
		msg, err := models.NewMessage(models.MsgReplay, ev.RoomID, models.ReplayRequest{Since: last})
		if err == nil {
			msg.RequestID = uuid.NewString()
			err = conn.Send(msg)
		}
		if err != nil {
			m.logger.Warn("replay request failed", zap.String("room_id", ev.RoomID), zap.Error(err))
		}
		return
	}
	m.lastSeq[ev.RoomID] = ev.Seq
	delete(m.resync, ev.RoomID)
	m.mu.Unlock()
	m.eventFns.emit(ev)
}

// Send hands a message to the transport without waiting for delivery. It fails fast
// with ErrNotConnected unless the phase is connected.
func (m *Manager) Send(event, roomID string, data interface{}) error {
	msg, err := models.NewMessage(event, roomID, data)
	if err != nil {
		return err
	}
	msg.RequestID = uuid.NewString()

	m.mu.Lock()
	conn, phase := m.conn, m.phase
	m.mu.Unlock()
	if phase != PhaseConnected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(msg); err != nil {
		return models.Errorf(models.CodeTransportFailure, "send %s: %v", event, err)
	}
	return nil
}

// JoinRoom joins a room, asking for the events missed since the last one delivered.
// The room is re-joined automatically after every reconnect until LeaveRoom.
func (m *Manager) JoinRoom(roomID string) error {
	// Remember the room first so the server's reply is not dropped as belonging to a
	// room that was never joined.
	m.mu.Lock()
	_, known := m.rooms[roomID]
	m.rooms[roomID] = struct{}{}
	since := m.lastSeq[roomID]
	m.mu.Unlock()

	if err := m.Send(models.MsgJoin, roomID, models.JoinRequest{Since: since}); err != nil {
		if !known {
			m.mu.Lock()
			delete(m.rooms, roomID)
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

// LeaveRoom leaves a room and forgets its cursor.
func (m *Manager) LeaveRoom(roomID string) error {
	if err := m.Send(models.MsgLeave, roomID, nil); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.rooms, roomID)
	delete(m.lastSeq, roomID)
	delete(m.resync, roomID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) StartSession(roomID string) error {
	return m.Send(models.MsgStartSession, roomID, nil)
}

func (m *Manager) EndSession(roomID string) error {
	return m.Send(models.MsgEndSession, roomID, nil)
}

func (m *Manager) PostChat(roomID, text string) error {
	return m.Send(models.MsgChat, roomID, models.ChatRequest{Text: text})
}

func (m *Manager) CreatePoll(roomID, question string, options []string) error {
	return m.Send(models.MsgCreatePoll, roomID, models.CreatePollRequest{Question: question, Options: options})
}

// Vote votes on a poll; an empty pollID targets whichever poll is open.
func (m *Manager) Vote(roomID, pollID string, option int) error {
	return m.Send(models.MsgVote, roomID, models.VoteRequest{PollID: pollID, Option: option})
}

func (m *Manager) ClosePoll(roomID string) error {
	return m.Send(models.MsgClosePoll, roomID, nil)
}

func (m *Manager) StartRecording(roomID, title string) error {
	return m.Send(models.MsgStartRecording, roomID, models.RecordingRequest{Title: title})
}

func (m *Manager) StopRecording(roomID, title, url string) error {
	return m.Send(models.MsgStopRecording, roomID, models.RecordingRequest{Title: title, URL: url})
}

// RequestReplay asks the server for every event after the room's last delivered seq.
func (m *Manager) RequestReplay(roomID string) error {
	return m.Send(models.MsgReplay, roomID, models.ReplayRequest{Since: m.LastSeq(roomID)})
}

// registry is an ordered set of callbacks that can be removed individually.
type registry[T any] struct {
	mu   sync.Mutex
	next int
	fns  []entry[T]
}

type entry[T any] struct {
	id int
	fn func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.fns = append(r.fns, entry[T]{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.fns {
			if e.id == id {
				r.fns = append(r.fns[:i:i], r.fns[i+1:]...)
				return
			}
		}
	}
}

func (r *registry[T]) emit(v T) {
	r.mu.Lock()
	fns := make([]func(T), len(r.fns))
	for i, e := range r.fns {
		fns[i] = e.fn
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
