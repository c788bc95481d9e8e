package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingKey(t *testing.T) {
	assert.Equal(t, "recordings/room-1/abc.mp4", RecordingKey("room-1", "abc"))
	assert.Equal(t, "recordings/evil/abc.mp4", RecordingKey("../../evil", "abc"))
}

func TestS3_PresignRecording(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Region:           "us-east-1",
		AccessKeyID:      "AKIDEXAMPLE",
		SecretAccessKey:  "secret",
		RecordingsBucket: "class-recordings",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, s.PresignExpire())

	raw, err := s.PresignRecording(context.Background(), RecordingKey("room-1", "abc"))
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.True(t, strings.Contains(u.Host, "class-recordings") || strings.Contains(u.Path, "class-recordings"))
	assert.Contains(t, u.Path, "recordings/room-1/abc.mp4")
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Region: "us-east-1"}, nil)
	assert.Error(t, err)
}
