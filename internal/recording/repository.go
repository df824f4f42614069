package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edulive/backend/internal/models"
)

// Repository persists recordings to PostgreSQL. Implements Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordingColumns = `id, session_id, lecture_id, teacher_id, recording_type, status,
	started_at, stopped_at, duration, staging_path, COALESCE(storage_url,''), COALESCE(storage_key,''),
	file_size, participants, stats, created_at, updated_at`

// Create inserts a finalized recording.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	const q = `INSERT INTO recordings (id, session_id, lecture_id, teacher_id, recording_type, status,
			started_at, stopped_at, duration, staging_path, storage_url, storage_key, file_size, participants, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q,
		rec.ID, rec.SessionID, rec.LectureID, rec.TeacherID, rec.RecordingType, rec.Status,
		rec.StartedAt, rec.StoppedAt, rec.Stats.Duration, rec.StagingPath, rec.StorageURL, rec.StorageKey,
		rec.FileSize, participants, stats,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	var duration int64
	var participants, stats []byte
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.LectureID, &rec.TeacherID, &rec.RecordingType, &rec.Status,
		&rec.StartedAt, &rec.StoppedAt, &duration, &rec.StagingPath, &rec.StorageURL, &rec.StorageKey,
		&rec.FileSize, &participants, &stats, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(participants) > 0 {
		_ = json.Unmarshal(participants, &rec.Participants)
	}
	if len(stats) > 0 {
		_ = json.Unmarshal(stats, &rec.Stats)
	}
	rec.Stats.Duration = duration
	return &rec, nil
}

// GetByID returns a recording by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, id))
}

// ListByLecture returns all recordings for a lecture, newest first.
func (r *Repository) ListByLecture(ctx context.Context, lectureID uuid.UUID) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE lecture_id = $1 ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, q, lectureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// ListOlderThan returns recordings started before the cutoff.
func (r *Repository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE started_at < $1 ORDER BY started_at ASC`
	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// Delete removes a recording row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	return err
}

// UpdateArchiveResult records the uploaded archive location and marks the
// recording archived. Used by the upload worker.
func (r *Repository) UpdateArchiveResult(ctx context.Context, id uuid.UUID, storageURL, storageKey string, fileSize int64) error {
	const q = `UPDATE recordings SET storage_url = $1, storage_key = $2, file_size = $3, staging_path = '',
		status = $4, updated_at = NOW() WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, storageURL, storageKey, fileSize, models.RecordingStatusArchived, id)
	return err
}
