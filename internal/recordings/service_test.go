package recordings

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowband-classroom/backend/internal/classroom"
	"github.com/lowband-classroom/backend/internal/models"
)

type fakePresigner struct {
	err error
}

func (f fakePresigner) PresignRecording(_ context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://signed.example/" + key + "?sig=1", nil
}

func TestService_Append_Validates(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	_, err := svc.Append(ctx, "", "t", "https://x", "")
	assert.ErrorIs(t, err, ErrInvalidRecording)
	_, err = svc.Append(ctx, "room-1", "t", "", "")
	assert.ErrorIs(t, err, ErrInvalidRecording)

	rec, err := svc.Append(ctx, " room-1 ", "", "https://cdn/x.mp4", "")
	require.NoError(t, err)
	assert.Equal(t, "room-1", rec.RoomID)
	assert.Equal(t, "Class recording", rec.Title)
	assert.NotZero(t, rec.ID)
}

func TestService_List_NewestFirstPerRoom(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	_, err := svc.Append(ctx, "room-1", "first", "https://cdn/1.mp4", "")
	require.NoError(t, err)
	_, err = svc.Append(ctx, "room-2", "other", "https://cdn/2.mp4", "")
	require.NoError(t, err)
	_, err = svc.Append(ctx, "room-1", "second", "https://cdn/3.mp4", "")
	require.NoError(t, err)

	items, err := svc.List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Title)
	assert.Equal(t, "first", items[1].Title)
}

func TestService_List_PresignsObjects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := NewService(store, nil, nil).Append(ctx, "room-1", "stored", "", "recordings/room-1/a.mp4")
	require.NoError(t, err)

	items, err := NewService(store, nil, nil).List(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, items, "objects are unplayable without storage")

	items, err = NewService(store, fakePresigner{}, nil).List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://signed.example/recordings/room-1/a.mp4?sig=1", items[0].URL)

	_, err = NewService(store, fakePresigner{err: errors.New("boom")}, nil).List(ctx, "room-1")
	assert.Error(t, err)
}

func TestService_RecordingStopped(t *testing.T) {
	ctx := context.Background()

	svc := NewService(NewMemoryStore(), nil, nil)
	require.NoError(t, svc.RecordingStopped(ctx, "room-1", models.RecordingPayload{Title: "Lesson", URL: "https://cdn/l.mp4"}))
	require.NoError(t, svc.RecordingStopped(ctx, "room-1", models.RecordingPayload{Title: "No media"}))
	items, err := svc.List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Lesson", items[0].Title)

	stored := NewService(NewMemoryStore(), fakePresigner{}, nil)
	require.NoError(t, stored.RecordingStopped(ctx, "room-1", models.RecordingPayload{Title: "Uploaded"}))
	items, err = stored.List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, strings.HasPrefix(items[0].URL, "https://signed.example/recordings/room-1/"))
}

func TestService_AsCoordinatorSink(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil, nil)
	coord := classroom.New(classroom.Options{Recordings: svc})
	t.Cleanup(coord.Close)

	teacher := models.Participant{ID: "t1", Role: models.RoleTeacher}
	require.NoError(t, coord.Join(ctx, "room-1", teacher))
	require.NoError(t, coord.StartSession(ctx, "room-1", teacher.ID))
	require.NoError(t, coord.StartRecording(ctx, "room-1", teacher.ID, "Fractions"))
	require.NoError(t, coord.StopRecording(ctx, "room-1", teacher.ID, models.RecordingPayload{Title: "Fractions", URL: "https://cdn/f.mp4"}))

	items, err := svc.List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://cdn/f.mp4", items[0].URL)
}

func newRecordingsServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc, nil)
	r := gin.New()
	r.GET("/recordings", h.List)
	r.POST("/recordings", h.Create)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandler_CreateAndList(t *testing.T) {
	srv := newRecordingsServer(t, NewService(NewMemoryStore(), nil, nil))

	resp, err := http.Post(srv.URL+"/recordings", "application/json",
		strings.NewReader(`{"room_id":"room-1","title":"Intro","url":"https://cdn/i.mp4"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/recordings", "application/json", strings.NewReader(`{"room_id":"room-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/recordings", "application/json", strings.NewReader(`{"title":"x","url":"https://cdn"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	items, err := NewClient(srv.URL).List(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Intro", items[0].Title)
	assert.Equal(t, "https://cdn/i.mp4", items[0].URL)

	items, err = NewClient(srv.URL).List(context.Background(), "empty-room")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHandler_List_RequiresRoom(t *testing.T) {
	srv := newRecordingsServer(t, NewService(NewMemoryStore(), nil, nil))
	resp, err := http.Get(srv.URL + "/recordings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = NewClient(srv.URL).List(context.Background(), "")
	assert.Error(t, err)
}
