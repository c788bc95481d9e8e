package recordings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/internal/models"
	"github.com/lowband-classroom/backend/pkg/storage"
)

// ErrInvalidRecording is returned for records missing a room or a location.
var ErrInvalidRecording = errors.New("recordings: room_id and url or s3_key are required")

// Presigner signs playback URLs for stored objects.
type Presigner interface {
	PresignRecording(ctx context.Context, key string) (string, error)
}

// Service appends and lists recordings. It is also the coordinator's recording sink.
type Service struct {
	store     Store
	presigner Presigner
	logger    *zap.Logger
}

// NewService creates a recordings service. presigner may be nil when S3 is not configured.
func NewService(store Store, presigner Presigner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, presigner: presigner, logger: logger}
}

// Append stores a record for roomID.
func (s *Service) Append(ctx context.Context, roomID, title, url, s3Key string) (*models.Recording, error) {
	rec := &models.Recording{
		RoomID: strings.TrimSpace(roomID),
		Title:  strings.TrimSpace(title),
		URL:    strings.TrimSpace(url),
		S3Key:  strings.TrimSpace(s3Key),
	}
	if rec.RoomID == "" || (rec.URL == "" && rec.S3Key == "") {
		return nil, ErrInvalidRecording
	}
	if rec.Title == "" {
		rec.Title = "Class recording"
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	s.logger.Info("recording stored", zap.String("room_id", rec.RoomID), zap.String("recording_id", rec.ID.String()))
	return rec, nil
}

// List returns a room's recordings, newest first, with a playable URL for each.
// Records kept in S3 get a presigned URL; they are skipped when S3 is not configured.
func (s *Service) List(ctx context.Context, roomID string) ([]models.RecordingListItem, error) {
	recs, err := s.store.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	items := make([]models.RecordingListItem, 0, len(recs))
	for _, rec := range recs {
		url := rec.URL
		if url == "" {
			if s.presigner == nil {
				continue
			}
			url, err = s.presigner.PresignRecording(ctx, rec.S3Key)
			if err != nil {
				return nil, fmt.Errorf("presign %s: %w", rec.ID, err)
			}
		}
		items = append(items, models.RecordingListItem{ID: rec.ID, Title: rec.Title, URL: url})
	}
	return items, nil
}

// RecordingStopped appends the record of a stopped recording. A stop without a URL is
// assumed to have been uploaded to the recordings bucket under a fresh key.
func (s *Service) RecordingStopped(ctx context.Context, roomID string, rec models.RecordingPayload) error {
	var key string
	if rec.URL == "" {
		if s.presigner == nil {
			s.logger.Warn("recording stopped without url and no object storage", zap.String("room_id", roomID))
			return nil
		}
		key = storage.RecordingKey(roomID, uuid.NewString())
	}
	_, err := s.Append(ctx, roomID, rec.Title, rec.URL, key)
	return err
}
