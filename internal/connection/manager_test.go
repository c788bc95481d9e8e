package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowband-classroom/backend/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []models.Message
	in     chan models.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan models.Message, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Send(msg models.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive() (models.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return models.Message{}, ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentEvents() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.sent...)
}

func (c *fakeConn) push(t *testing.T, event, roomID string, data interface{}) {
	t.Helper()
	msg, err := models.NewMessage(event, roomID, data)
	require.NoError(t, err)
	c.in <- msg
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	calls int
	conns chan *fakeConn
}

func newFakeDialer(fail bool) *fakeDialer {
	return &fakeDialer{fail: fail, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.calls++
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
		return nil
	}
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) record(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, st.Phase)
}

func (r *phaseRecorder) list() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func newTestManager(t *testing.T, dialers ...Dialer) *Manager {
	t.Helper()
	m := New(Options{Dialers: dialers, InitialDelay: time.Millisecond, Fixed: true})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func connected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Phase() == PhaseConnected }, waitFor, tick)
}

func event(seq int64, roomID string, kind models.EventKind) models.Event {
	return models.Event{Seq: seq, RoomID: roomID, Kind: kind, Payload: json.RawMessage(`{}`)}
}

func TestManager_Send_NotConnected_ReturnsErrNotConnected(t *testing.T) {
	m := newTestManager(t, newFakeDialer(true))

	assert.ErrorIs(t, m.Send(models.MsgChat, "r1", models.ChatRequest{Text: "hi"}), ErrNotConnected)
	assert.ErrorIs(t, m.JoinRoom("r1"), ErrNotConnected)
	assert.Equal(t, PhaseDisconnected, m.Phase())
	assert.Empty(t, m.State().LastSeq)
}

func TestManager_Reconnect_FiveFailuresThenFailedThenRetry(t *testing.T) {
	d := newFakeDialer(true)
	m := newTestManager(t, d)
	rec := &phaseRecorder{}
	m.OnPhase(rec.record)
	var errs []*models.Error
	var errMu sync.Mutex
	m.OnError(func(e *models.Error) {
		errMu.Lock()
		defer errMu.Unlock()
		errs = append(errs, e)
	})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.Phase() == PhaseFailed }, waitFor, tick)

	st := m.State()
	assert.Equal(t, DefaultMaxAttempts, st.RetryCount)
	assert.ErrorIs(t, st.Cause, models.ErrReconnectExhausted)
	assert.Contains(t, st.Cause.Error(), "5 reconnect attempts")
	// The first connect attempt plus five reconnects.
	assert.Equal(t, DefaultMaxAttempts+1, d.callCount())
	assert.Equal(t, []Phase{PhaseConnecting, PhaseReconnecting, PhaseFailed}, rec.list())
	assert.ErrorIs(t, m.Send(models.MsgPing, "", nil), ErrNotConnected)

	errMu.Lock()
	require.NotEmpty(t, errs)
	assert.Equal(t, models.CodeTransportFailure, errs[0].Code)
	assert.Equal(t, models.CodeReconnectExhausted, errs[len(errs)-1].Code)
	errMu.Unlock()

	// Failed is terminal: nothing is dialed until Retry.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, DefaultMaxAttempts+1, d.callCount())

	d.setFail(false)
	require.NoError(t, m.Retry(context.Background()))
	phases := rec.list()
	assert.Equal(t, PhaseConnecting, phases[3])
	assert.Equal(t, 0, m.State().RetryCount)
	connected(t, m)
}

func TestManager_Retry_NotFailed_InvalidState(t *testing.T) {
	m := newTestManager(t, newFakeDialer(false))
	assert.ErrorIs(t, m.Retry(context.Background()), models.ErrInvalidState)
}

func TestManager_Start_Twice_InvalidState(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), models.ErrInvalidState)
}

func TestManager_Connected_SendForwardsWithRequestID(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	require.NoError(t, m.Start(context.Background()))
	conn := d.next(t)
	connected(t, m)

	require.NoError(t, m.JoinRoom("r1"))
	require.NoError(t, m.PostChat("r1", "hello"))
	require.NoError(t, m.Vote("r1", "p1", 1))

	sent := conn.sentEvents()
	require.Len(t, sent, 3)
	assert.Equal(t, models.MsgJoin, sent[0].Event)
	assert.Equal(t, "r1", sent[0].RoomID)
	assert.NotEmpty(t, sent[0].RequestID)
	var jr models.JoinRequest
	require.NoError(t, sent[0].Decode(&jr))
	assert.Equal(t, int64(0), jr.Since)
	var vote models.VoteRequest
	require.NoError(t, sent[2].Decode(&vote))
	assert.Equal(t, models.VoteRequest{PollID: "p1", Option: 1}, vote)
	assert.Equal(t, "fake", m.State().Transport)
}

func TestManager_ServerBye_ReconnectsAndRejoinsFromLastSeq(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	rec := &phaseRecorder{}
	m.OnPhase(rec.record)
	require.NoError(t, m.Start(context.Background()))
	first := d.next(t)
	connected(t, m)

	require.NoError(t, m.JoinRoom("r1"))
	first.push(t, models.MsgSnapshot, "r1", models.Snapshot{RoomID: "r1", Seq: 2})
	first.push(t, models.MsgEvent, "r1", event(3, "r1", models.EventChat))
	require.Eventually(t, func() bool { return m.LastSeq("r1") == 3 }, waitFor, tick)

	first.push(t, models.MsgBye, "", models.ByeNotice{Reason: models.ByeShutdown})
	second := d.next(t)
	connected(t, m)

	require.Eventually(t, func() bool { return len(second.sentEvents()) == 1 }, waitFor, tick)
	rejoin := second.sentEvents()[0]
	assert.Equal(t, models.MsgJoin, rejoin.Event)
	var jr models.JoinRequest
	require.NoError(t, rejoin.Decode(&jr))
	assert.Equal(t, int64(3), jr.Since)

	phases := rec.list()
	assert.Contains(t, phases, PhaseReconnecting)
	assert.NotContains(t, phases, PhaseFailed)
	assert.Equal(t, PhaseConnected, phases[len(phases)-1])
}

func TestManager_Events_DedupedAndGapTriggersReplay(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	var (
		mu    sync.Mutex
		seqs  []int64
		snaps []int64
	)
	m.OnEvent(func(ev models.Event) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, ev.Seq)
	})
	m.OnSnapshot(func(s models.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s.Seq)
	})
	require.NoError(t, m.Start(context.Background()))
	conn := d.next(t)
	connected(t, m)
	require.NoError(t, m.JoinRoom("r1"))

	conn.push(t, models.MsgSnapshot, "r1", models.Snapshot{RoomID: "r1", Seq: 2})
	conn.push(t, models.MsgEvent, "r1", event(3, "r1", models.EventChat))
	conn.push(t, models.MsgEvent, "r1", event(3, "r1", models.EventChat))
	conn.push(t, models.MsgEvent, "r1", event(5, "r1", models.EventChat))
	conn.push(t, models.MsgEvent, "r1", event(6, "r1", models.EventChat))

	require.Eventually(t, func() bool {
		for _, msg := range conn.sentEvents() {
			if msg.Event == models.MsgReplay {
				return true
			}
		}
		return false
	}, waitFor, tick)
	var replays []models.ReplayRequest
	for _, msg := range conn.sentEvents() {
		if msg.Event == models.MsgReplay {
			var rr models.ReplayRequest
			require.NoError(t, msg.Decode(&rr))
			replays = append(replays, rr)
		}
	}
	assert.Equal(t, []models.ReplayRequest{{Since: 3}}, replays, "one replay per gap")

	conn.push(t, models.MsgEvent, "r1", event(4, "r1", models.EventChat))
	conn.push(t, models.MsgEvent, "r1", event(5, "r1", models.EventChat))
	conn.push(t, models.MsgEvent, "r1", event(6, "r1", models.EventChat))
	require.Eventually(t, func() bool { return m.LastSeq("r1") == 6 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{3, 4, 5, 6}, seqs)
	assert.Equal(t, []int64{2}, snaps)
}

func TestManager_ErrorFrame_ReportedToCallerOnly(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	got := make(chan *models.Error, 1)
	m.OnError(func(e *models.Error) { got <- e })
	require.NoError(t, m.Start(context.Background()))
	conn := d.next(t)
	connected(t, m)

	conn.push(t, models.MsgError, "r1", models.Errorf(models.CodeInvalidState, "students can chat only while the session is live"))

	select {
	case e := <-got:
		assert.ErrorIs(t, e, models.ErrInvalidState)
	case <-time.After(waitFor):
		t.Fatal("error not reported")
	}
	assert.Equal(t, PhaseConnected, m.Phase())
}

func TestManager_Fallback_UsesFirstWorkingTransport(t *testing.T) {
	broken := newFakeDialer(true)
	degraded := newFakeDialer(false)
	m := newTestManager(t, broken, degraded)
	require.NoError(t, m.Start(context.Background()))
	degraded.next(t)
	connected(t, m)

	assert.Equal(t, 1, broken.callCount())
	assert.Equal(t, 1, degraded.callCount())
}

func TestManager_LeaveRoom_ForgetsCursor(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	require.NoError(t, m.Start(context.Background()))
	conn := d.next(t)
	connected(t, m)
	require.NoError(t, m.JoinRoom("r1"))
	conn.push(t, models.MsgEvent, "r1", event(1, "r1", models.EventJoined))
	require.Eventually(t, func() bool { return m.LastSeq("r1") == 1 }, waitFor, tick)

	require.NoError(t, m.LeaveRoom("r1"))
	assert.Equal(t, int64(0), m.LastSeq("r1"))

	// A reconnect does not rejoin a room that was left.
	_ = conn.Close()
	second := d.next(t)
	connected(t, m)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, second.sentEvents())
}

func TestManager_LeaveRoom_LateEventsAreDroppedWithoutReplay(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	var (
		mu    sync.Mutex
		seqs  []int64
		snaps int
	)
	m.OnEvent(func(ev models.Event) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, ev.Seq)
	})
	m.OnSnapshot(func(models.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps++
	})
	require.NoError(t, m.Start(context.Background()))
	conn := d.next(t)
	connected(t, m)

	require.NoError(t, m.JoinRoom("r1"))
	for seq := int64(1); seq <= 3; seq++ {
		conn.push(t, models.MsgEvent, "r1", event(seq, "r1", models.EventChat))
	}
	require.Eventually(t, func() bool { return m.LastSeq("r1") == 3 }, waitFor, tick)

	require.NoError(t, m.LeaveRoom("r1"))
	// The participant's own left event and a stray snapshot arrive after the leave.
	conn.push(t, models.MsgEvent, "r1", event(4, "r1", models.EventLeft))
	conn.push(t, models.MsgSnapshot, "r1", models.Snapshot{RoomID: "r1", Seq: 4})
	// A marker on another joined room proves the frames above were processed.
	require.NoError(t, m.JoinRoom("r2"))
	conn.push(t, models.MsgEvent, "r2", event(1, "r2", models.EventJoined))
	require.Eventually(t, func() bool { return m.LastSeq("r2") == 1 }, waitFor, tick)

	for _, msg := range conn.sentEvents() {
		assert.NotEqual(t, models.MsgReplay, msg.Event, "no replay for a room that was left")
	}
	assert.Equal(t, int64(0), m.LastSeq("r1"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 1}, seqs)
	assert.Zero(t, snaps)
}

func TestManager_Close_MovesToDisconnected(t *testing.T) {
	d := newFakeDialer(false)
	m := New(Options{Dialers: []Dialer{d}, InitialDelay: time.Millisecond, Fixed: true})
	require.NoError(t, m.Start(context.Background()))
	conn := d.next(t)
	connected(t, m)

	require.NoError(t, m.Close())
	assert.Equal(t, PhaseDisconnected, m.Phase())
	select {
	case <-conn.closed:
	default:
		t.Fatal("transport not closed")
	}
	assert.ErrorIs(t, m.Send(models.MsgPing, "", nil), ErrNotConnected)
}

func TestManager_OnPhase_Unregister(t *testing.T) {
	d := newFakeDialer(false)
	m := newTestManager(t, d)
	rec := &phaseRecorder{}
	unregister := m.OnPhase(rec.record)
	unregister()

	require.NoError(t, m.Start(context.Background()))
	connected(t, m)
	assert.Empty(t, rec.list())
}

func TestReconnectWindow(t *testing.T) {
	fixed := ReconnectWindow(Options{Fixed: true})
	assert.Equal(t, 5*DefaultInitialDelay, fixed)

	// 0.5s, 1s, 2s, 4s, 8s with 20% jitter headroom.
	exp := ReconnectWindow(Options{})
	assert.InDelta(t, float64(18600*time.Millisecond), float64(exp), float64(time.Millisecond))

	capped := ReconnectWindow(Options{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second})
	assert.InDelta(t, float64(3600*time.Millisecond), float64(capped), float64(time.Millisecond))
}
