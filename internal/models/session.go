package models

import "time"

// SessionStatus represents live session lifecycle.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// LiveSession is an ephemeral live-lecture room tracked only in memory.
// session_id is an opaque string; the lectures handler derives it from the
// lecture ID when a teacher goes live, but the core never parses it.
type LiveSession struct {
	SessionID string        `json:"session_id"`
	LectureID string        `json:"lecture_id"`
	TeacherID string        `json:"teacher_id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
}

// Participant is one connected user inside a live session.
type Participant struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	UserType string    `json:"user_type"` // "teacher" or "student"
	JoinedAt time.Time `json:"joined_at"`
}
