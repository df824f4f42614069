package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edulive/backend/internal/models"
)

const (
	// DefaultSnapshotInterval is how often active recording metadata is
	// flushed to the staging dir so a crash loses at most one interval.
	DefaultSnapshotInterval = 5 * time.Second

	metadataFile = "metadata.json"
	chatLogFile  = "chat_log.json"
	activityFile = "activity_log.json"
	summaryFile  = "summary.txt"
	chunksDir    = "chunks"
)

// Store is the durable recording store (Postgres in production).
type Store interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	ListByLecture(ctx context.Context, lectureID uuid.UUID) ([]models.Recording, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Recording, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Archiver ships a finalized recording's staged files to object storage.
// Optional; nil disables archiving.
type Archiver interface {
	EnqueueArchive(ctx context.Context, rec *models.Recording) error
}

// entry is one active recording. Owned by the coordinator's table; guarded by
// the coordinator mutex.
type entry struct {
	rec      *models.Recording
	chat     []models.ChatMessage
	activity map[string]*models.ParticipantActivity
	dir      string
	cancel   context.CancelFunc
	stopping bool
}

// Coordinator manages the capture lifecycle per session: start/stop, chat and
// activity buffering, chunk staging, periodic metadata snapshots, and
// finalization to the durable store. Every write-side operation is a
// guaranteed no-op when no recording is active for the session, so the
// signaling router can call them unconditionally.
type Coordinator struct {
	mu       sync.Mutex
	active   map[string]*entry // keyed by session_id
	store    Store
	archiver Archiver
	staging  string
	interval time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a recording coordinator. stagingDir empty falls back
// to a directory under os.TempDir().
func NewCoordinator(store Store, stagingDir string, snapshotInterval time.Duration, logger *zap.Logger) *Coordinator {
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "edulive-recordings")
	}
	if snapshotInterval <= 0 {
		snapshotInterval = DefaultSnapshotInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		active:   make(map[string]*entry),
		store:    store,
		staging:  stagingDir,
		interval: snapshotInterval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetArchiver sets the optional archive queue used after successful stops.
func (c *Coordinator) SetArchiver(a Archiver) { c.archiver = a }

// Start begins recording a session. Fails with ErrAlreadyRecording if the
// session already has an active entry. Returns the generated recording ID.
func (c *Coordinator) Start(sessionID string, lectureID, teacherID uuid.UUID, recordingType string) (string, error) {
	if recordingType == "" {
		recordingType = models.RecordingTypeFull
	}

	c.mu.Lock()
	if _, ok := c.active[sessionID]; ok {
		c.mu.Unlock()
		return "", ErrAlreadyRecording
	}

	dir := filepath.Join(c.staging, sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	rec := &models.Recording{
		ID:            uuid.New(),
		SessionID:     sessionID,
		LectureID:     lectureID,
		TeacherID:     teacherID,
		RecordingType: recordingType,
		Status:        models.RecordingStatusRecording,
		StartedAt:     time.Now(),
		StagingPath:   dir,
		Participants:  make(map[string]models.RecordingParticipant),
	}
	snapCtx, cancel := context.WithCancel(c.ctx)
	e := &entry{
		rec:      rec,
		activity: make(map[string]*models.ParticipantActivity),
		dir:      dir,
		cancel:   cancel,
	}
	c.active[sessionID] = e
	c.mu.Unlock()

	go c.snapshotLoop(snapCtx, sessionID)

	c.logger.Info("recording started",
		zap.String("session_id", sessionID),
		zap.String("recording_id", rec.ID.String()),
		zap.String("type", recordingType))
	return rec.ID.String(), nil
}

// snapshotLoop periodically recomputes duration and flushes metadata to the
// staging dir. It exits when the entry leaves the table or ctx is cancelled.
func (c *Coordinator) snapshotLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			e, ok := c.active[sessionID]
			if !ok {
				c.mu.Unlock()
				return
			}
			snapshot := c.snapshotLocked(e)
			dir := e.dir
			c.mu.Unlock()

			if err := writeJSON(filepath.Join(dir, metadataFile), snapshot); err != nil {
				c.logger.Warn("metadata snapshot failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
}

// snapshotLocked returns a value copy of the recording with duration and
// participant count recomputed. Caller holds c.mu.
func (c *Coordinator) snapshotLocked(e *entry) models.Recording {
	rec := *e.rec
	if rec.StoppedAt != nil {
		rec.Stats.Duration = int64(rec.StoppedAt.Sub(rec.StartedAt).Seconds())
	} else {
		rec.Stats.Duration = int64(time.Since(rec.StartedAt).Seconds())
	}
	rec.Stats.ParticipantsCount = len(rec.Participants)
	e.rec.Stats = rec.Stats

	participants := make(map[string]models.RecordingParticipant, len(e.rec.Participants))
	for k, v := range e.rec.Participants {
		participants[k] = v
	}
	rec.Participants = participants
	return rec
}

// LogChatMessage appends to the recording's chat buffer. Returns false (and
// does nothing) when no recording is active for the session.
func (c *Coordinator) LogChatMessage(sessionID, userID, userName, message, messageType string) bool {
	if messageType == "" {
		messageType = "text"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[sessionID]
	if !ok {
		return false
	}
	now := time.Now()
	e.chat = append(e.chat, models.ChatMessage{
		Timestamp:   now,
		UserID:      userID,
		UserName:    userName,
		Message:     message,
		MessageType: messageType,
	})
	e.rec.Stats.ChatMessagesCount++
	e.rec.Participants[userID] = models.RecordingParticipant{UserName: userName, LastActivity: now}
	return true
}

// LogParticipantActivity appends one activity event for the participant,
// lazily creating their list, and folds join/leave into the aggregate fields.
// Returns false when no recording is active.
func (c *Coordinator) LogParticipantActivity(sessionID, userID, userName, activityType string, data map[string]interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[sessionID]
	if !ok {
		return false
	}
	now := time.Now()

	a, ok := e.activity[userID]
	if !ok {
		a = &models.ParticipantActivity{UserName: userName}
		e.activity[userID] = a
	}
	a.UserName = userName
	a.Events = append(a.Events, models.ActivityEvent{
		Timestamp:    now,
		ActivityType: activityType,
		Data:         data,
	})
	switch activityType {
	case "join":
		at := now
		a.JoinedAt = &at
		a.LeftAt = nil
	case "leave":
		at := now
		a.LeftAt = &at
		if a.JoinedAt != nil {
			a.TotalTime += int64(at.Sub(*a.JoinedAt).Seconds())
		}
	}

	e.rec.Participants[userID] = models.RecordingParticipant{UserName: userName, LastActivity: now}
	e.rec.Stats.ParticipantsCount = len(e.rec.Participants)
	return true
}

// SaveChunk writes one media chunk to a per-user, per-type subdirectory with
// a timestamped filename, so concurrent chunks never interleave mid-file.
// Returns false when no recording is active.
func (c *Coordinator) SaveChunk(sessionID, userID string, chunk []byte, chunkType string) bool {
	if chunkType == "" {
		chunkType = models.ChunkTypeVideo
	}
	c.mu.Lock()
	e, ok := c.active[sessionID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	dir := filepath.Join(e.dir, chunksDir, userID, chunkType)
	c.mu.Unlock()

	// Distinct timestamped file per chunk; the write needs no lock.
	if err := os.MkdirAll(dir, 0750); err != nil {
		c.logger.Warn("chunk dir create failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	name := fmt.Sprintf("%d.bin", time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), chunk, 0640); err != nil {
		c.logger.Warn("chunk write failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	// Count only chunks that actually reached the staging dir, so the stats
	// match what is on disk.
	c.mu.Lock()
	if e, ok := c.active[sessionID]; ok {
		if chunkType == models.ChunkTypeAudio {
			e.rec.Stats.AudioChunks++
		} else {
			e.rec.Stats.VideoChunks++
		}
	}
	c.mu.Unlock()
	return true
}

// Status returns a snapshot with freshly recomputed duration and participant
// count, or false if no recording is active for the session.
func (c *Coordinator) Status(sessionID string) (models.Recording, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[sessionID]
	if !ok {
		return models.Recording{}, false
	}
	return c.snapshotLocked(e), true
}

// Stop finalizes the recording: freezes duration, writes final chat/activity
// logs and a summary to staging, and persists the record through the store.
// The in-memory entry is removed only after the durable write succeeds; on
// failure it is retained (snapshot task included) so Stop can be retried
// without losing buffered data.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) (*models.Recording, error) {
	c.mu.Lock()
	e, ok := c.active[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNoActiveRecording
	}
	if e.stopping {
		c.mu.Unlock()
		return nil, ErrStopInProgress
	}
	e.stopping = true
	now := time.Now()
	e.rec.Status = models.RecordingStatusStopping
	e.rec.StoppedAt = &now
	snapshot := c.snapshotLocked(e)
	chat := append([]models.ChatMessage(nil), e.chat...)
	activity := make(map[string]*models.ParticipantActivity, len(e.activity))
	for k, v := range e.activity {
		av := *v
		activity[k] = &av
	}
	dir := e.dir
	c.mu.Unlock()

	if err := c.writeFinalArtifacts(dir, &snapshot, chat, activity); err != nil {
		// Staging writes are best-effort; persistence decides success.
		c.logger.Warn("final artifact write failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	snapshot.Status = models.RecordingStatusCompleted
	if err := c.store.Create(ctx, &snapshot); err != nil {
		c.mu.Lock()
		if e, ok := c.active[sessionID]; ok {
			e.stopping = false
			e.rec.Status = models.RecordingStatusRecording
			e.rec.StoppedAt = nil
		}
		c.mu.Unlock()
		c.logger.Error("recording persist failed, retaining in-memory entry",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, fmt.Errorf("persist recording: %w", err)
	}

	c.mu.Lock()
	if e, ok := c.active[sessionID]; ok {
		e.cancel()
		delete(c.active, sessionID)
	}
	c.mu.Unlock()

	if c.archiver != nil {
		if err := c.archiver.EnqueueArchive(ctx, &snapshot); err != nil {
			c.logger.Warn("archive enqueue failed", zap.String("recording_id", snapshot.ID.String()), zap.Error(err))
		}
	}

	c.logger.Info("recording stopped",
		zap.String("session_id", sessionID),
		zap.String("recording_id", snapshot.ID.String()),
		zap.Int64("duration_sec", snapshot.Stats.Duration))
	return &snapshot, nil
}

func (c *Coordinator) writeFinalArtifacts(dir string, rec *models.Recording, chat []models.ChatMessage, activity map[string]*models.ParticipantActivity) error {
	if err := writeJSON(filepath.Join(dir, metadataFile), rec); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, chatLogFile), chat); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, activityFile), activity); err != nil {
		return err
	}
	summary := fmt.Sprintf(
		"Recording %s\nSession: %s\nLecture: %s\nType: %s\nStarted: %s\nStopped: %s\nDuration: %ds\nParticipants: %d\nChat messages: %d\nVideo chunks: %d\nAudio chunks: %d\n",
		rec.ID, rec.SessionID, rec.LectureID, rec.RecordingType,
		rec.StartedAt.Format(time.RFC3339), rec.StoppedAt.Format(time.RFC3339),
		rec.Stats.Duration, rec.Stats.ParticipantsCount, rec.Stats.ChatMessagesCount,
		rec.Stats.VideoChunks, rec.Stats.AudioChunks,
	)
	return os.WriteFile(filepath.Join(dir, summaryFile), []byte(summary), 0640)
}

// RecordingsForLecture lists persisted recordings for a lecture.
func (c *Coordinator) RecordingsForLecture(ctx context.Context, lectureID uuid.UUID) ([]models.Recording, error) {
	return c.store.ListByLecture(ctx, lectureID)
}

// Recording returns a persisted recording by ID.
func (c *Coordinator) Recording(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	return c.store.GetByID(ctx, id)
}

// DeleteRecording removes a persisted recording and any staged files still
// on disk.
func (c *Coordinator) DeleteRecording(ctx context.Context, id uuid.UUID) error {
	rec, err := c.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	if rec != nil && rec.StagingPath != "" {
		if err := os.RemoveAll(rec.StagingPath); err != nil {
			c.logger.Warn("staged file cleanup failed", zap.String("recording_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

// CleanupOlderThan deletes all persisted recordings started before the
// cutoff. Individual failures are logged and skipped; returns the number
// actually deleted.
func (c *Coordinator) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	old, err := c.store.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list old recordings: %w", err)
	}
	deleted := 0
	for i := range old {
		if err := c.DeleteRecording(ctx, old[i].ID); err != nil {
			c.logger.Warn("cleanup delete failed", zap.String("recording_id", old[i].ID.String()), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// ActiveSessions returns the session IDs with an active recording.
func (c *Coordinator) ActiveSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	return out
}

// Close cancels all snapshot tasks. Active entries are left in staging so a
// restart can recover metadata from the last snapshot.
func (c *Coordinator) Close() {
	c.cancel()
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
