// Package recordings keeps the list of class recordings per room. Media bytes never pass
// through it; records point at a URL or an S3 object key.
package recordings

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lowband-classroom/backend/internal/models"
)

// Store persists recording records.
type Store interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	ListByRoom(ctx context.Context, roomID string) ([]models.Recording, error)
}

// Repository is the PostgreSQL store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a recording and fills in its id and creation time.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, room_id, title, url, s3_key)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, rec.RoomID, rec.Title, rec.URL, rec.S3Key).
		Scan(&rec.ID, &rec.CreatedAt)
}

// GetByID returns a recording by id, or nil when there is none.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT id, room_id, title, COALESCE(url,''), COALESCE(s3_key,''), created_at
		FROM recordings WHERE id = $1`
	var rec models.Recording
	err := r.pool.QueryRow(ctx, q, id).Scan(&rec.ID, &rec.RoomID, &rec.Title, &rec.URL, &rec.S3Key, &rec.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListByRoom returns a room's recordings, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID string) ([]models.Recording, error) {
	const q = `SELECT id, room_id, title, COALESCE(url,''), COALESCE(s3_key,''), created_at
		FROM recordings WHERE room_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.Title, &rec.URL, &rec.S3Key, &rec.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// MemoryStore keeps recordings in process. Used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []models.Recording
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, rec *models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.New()
	rec.CreatedAt = m.now().UTC()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.recs {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, nil
}

// ListByRoom returns a room's recordings, newest first.
func (m *MemoryStore) ListByRoom(_ context.Context, roomID string) ([]models.Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []models.Recording
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].RoomID == roomID {
			list = append(list, m.recs[i])
		}
	}
	return list, nil
}
