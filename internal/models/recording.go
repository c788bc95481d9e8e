package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording is a class recording record served by the recordings collaborator.
// Media bytes never pass through this service; URL or S3Key point at them.
type Recording struct {
	ID        uuid.UUID `json:"id"`
	RoomID    string    `json:"room_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	S3Key     string    `json:"s3_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordingListItem is the list shape returned by GET /recordings.
type RecordingListItem struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	URL   string    `json:"url"`
}
