package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents recording lifecycle.
const (
	RecordingStatusRecording = "recording"
	RecordingStatusStopping  = "stopping"
	RecordingStatusCompleted = "completed"
	RecordingStatusArchived  = "archived"
	RecordingStatusFailed    = "failed"
)

// RecordingType selects what a recording captures.
const (
	RecordingTypeFull      = "full"
	RecordingTypeAudioOnly = "audio_only"
	RecordingTypeChatOnly  = "chat_only"
)

// ChunkType identifies the media kind of a recording chunk.
const (
	ChunkTypeVideo = "video"
	ChunkTypeAudio = "audio"
)

// ChatMessage is one chat line captured during a recording window.
type ChatMessage struct {
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
}

// ActivityEvent is one participant activity entry (join, leave, video_on, audio_off, ...).
type ActivityEvent struct {
	Timestamp    time.Time              `json:"timestamp"`
	ActivityType string                 `json:"activity_type"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// ParticipantActivity aggregates one participant's events within a recording.
type ParticipantActivity struct {
	UserName  string          `json:"user_name"`
	Events    []ActivityEvent `json:"events"`
	JoinedAt  *time.Time      `json:"joined_at,omitempty"`
	LeftAt    *time.Time      `json:"left_at,omitempty"`
	TotalTime int64           `json:"total_time"` // accumulated presence, seconds
}

// RecordingParticipant is the session-level view of a participant seen during a recording.
type RecordingParticipant struct {
	UserName     string    `json:"user_name"`
	LastActivity time.Time `json:"last_activity"`
}

// RecordingStats holds recording counters. Duration is always recomputed from
// wall clock (now - started_at while active, stopped_at - started_at once stopped).
type RecordingStats struct {
	Duration          int64 `json:"duration"` // seconds
	ParticipantsCount int   `json:"participants_count"`
	ChatMessagesCount int   `json:"chat_messages_count"`
	VideoChunks       int   `json:"video_chunks"`
	AudioChunks       int   `json:"audio_chunks"`
}

// Recording is the record of a capture session, in-memory while active and
// persisted once finalized.
type Recording struct {
	ID            uuid.UUID                       `json:"id"`
	SessionID     string                          `json:"session_id"`
	LectureID     uuid.UUID                       `json:"lecture_id"`
	TeacherID     uuid.UUID                       `json:"teacher_id"`
	RecordingType string                          `json:"recording_type"`
	Status        string                          `json:"status"`
	StartedAt     time.Time                       `json:"started_at"`
	StoppedAt     *time.Time                      `json:"stopped_at,omitempty"`
	StagingPath   string                          `json:"staging_path,omitempty"`
	StorageURL    string                          `json:"storage_url,omitempty"`
	StorageKey    string                          `json:"storage_key,omitempty"`
	FileSize      int64                           `json:"file_size"`
	Participants  map[string]RecordingParticipant `json:"participants"`
	Stats         RecordingStats                  `json:"recording_stats"`
	CreatedAt     time.Time                       `json:"created_at"`
	UpdatedAt     time.Time                       `json:"updated_at"`
}
