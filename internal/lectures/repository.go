package lectures

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edulive/backend/internal/models"
)

// Repository handles lecture persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a lecture repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new lecture.
func (r *Repository) Create(ctx context.Context, l *models.Lecture) error {
	const q = `INSERT INTO lectures (id, title, description, teacher_id, scheduled_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, l.Title, l.Description, l.TeacherID, l.ScheduledAt).
		Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
}

// GetByID returns a lecture by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Lecture, error) {
	const q = `SELECT id, title, description, teacher_id, scheduled_at, created_at, updated_at
		FROM lectures WHERE id = $1`
	var l models.Lecture
	err := r.pool.QueryRow(ctx, q, id).Scan(&l.ID, &l.Title, &l.Description, &l.TeacherID, &l.ScheduledAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// List returns all lectures, optionally filtered by teacher.
func (r *Repository) List(ctx context.Context, teacherID *uuid.UUID) ([]models.Lecture, error) {
	base := `SELECT id, title, description, teacher_id, scheduled_at, created_at, updated_at FROM lectures`
	var args []interface{}
	var cond string
	if teacherID != nil {
		cond = " WHERE teacher_id = $1"
		args = append(args, *teacherID)
	}
	rows, err := r.pool.Query(ctx, base+cond+" ORDER BY scheduled_at DESC NULLS LAST, created_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Lecture
	for rows.Next() {
		var l models.Lecture
		if err := rows.Scan(&l.ID, &l.Title, &l.Description, &l.TeacherID, &l.ScheduledAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

// Update updates lecture fields (title, description, scheduled_at).
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title, description string, scheduledAt *time.Time) error {
	const q = `UPDATE lectures SET title = $1, description = $2, scheduled_at = COALESCE($3, scheduled_at), updated_at = NOW() WHERE id = $4`
	_, err := r.pool.Exec(ctx, q, title, description, scheduledAt, id)
	return err
}

// Delete removes a lecture by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM lectures WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// IsLectureOwner returns true if the user is the lecture's teacher. A missing
// lecture is simply not owned; any other failure is reported so callers can
// tell an outage apart from a denial.
func (r *Repository) IsLectureOwner(ctx context.Context, lectureID, userID uuid.UUID) (bool, error) {
	const q = `SELECT 1 FROM lectures WHERE id = $1 AND teacher_id = $2`
	var exists int
	err := r.pool.QueryRow(ctx, q, lectureID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
