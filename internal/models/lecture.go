package models

import (
	"time"

	"github.com/google/uuid"
)

// Lecture represents a durable lecture record owned by a teacher.
type Lecture struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	TeacherID   uuid.UUID  `json:"teacher_id"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
