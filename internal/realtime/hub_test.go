package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowband-classroom/backend/internal/classroom"
	"github.com/lowband-classroom/backend/internal/models"
)

// blockingSink holds every recording hand-off until released.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingSink) RecordingStopped(ctx context.Context, _ string, _ models.RecordingPayload) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (s *blockingSink) unblock() { s.once.Do(func() { close(s.release) }) }

func TestGraceLeaveDoesNotBlockHubWhileSavingRecording(t *testing.T) {
	sink := newBlockingSink()
	coord := classroom.New(classroom.Options{Recordings: sink})
	t.Cleanup(coord.Close)
	t.Cleanup(sink.unblock)
	hub := NewHub(coord, HubOptions{DisconnectGrace: 20 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, coord.Join(ctx, roomID, teacher))
	require.NoError(t, coord.StartSession(ctx, roomID, teacher.ID))
	require.NoError(t, coord.StartRecording(ctx, roomID, teacher.ID, "Lesson 1"))

	hub.attached(roomID, teacher.ID)
	hub.detached(roomID, teacher.ID, false)

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("grace leave never handed off the recording")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.attached(roomID, student.ID)
		_ = hub.ClientCount()
		hub.detached(roomID, student.ID, true)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub stayed locked while the recording was saved")
	}

	sink.unblock()
	snap, err := coord.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomIdle, snap.State)
	for _, m := range snap.Members {
		assert.NotEqual(t, teacher.ID, m.ID)
	}
}
