package recording

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edulive/backend/internal/middleware"
	"github.com/edulive/backend/internal/models"
	"github.com/edulive/backend/pkg/response"
	"github.com/edulive/backend/pkg/storage"
)

// LectureStore answers lecture lookups for authorization. Implemented by the
// lectures repository.
type LectureStore interface {
	IsLectureOwner(ctx context.Context, lectureID, userID uuid.UUID) (bool, error)
}

// Handler handles recording HTTP endpoints. The same coordinator also serves
// the WebSocket control path; HTTP is the teacher-dashboard surface.
type Handler struct {
	coordinator *Coordinator
	lectures    LectureStore
	s3          *storage.S3 // optional: nil disables download URLs and remote deletes
	logger      *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(coordinator *Coordinator, lectures LectureStore, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coordinator: coordinator, lectures: lectures, s3: s3, logger: logger}
}

func (h *Handler) authorizeLecture(c *gin.Context, lectureID uuid.UUID) bool {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	ok, err := h.lectures.IsLectureOwner(c.Request.Context(), lectureID, userID)
	if err != nil || !ok {
		response.Forbidden(c, "not authorized to control this lecture's recordings")
		return false
	}
	return true
}

// Start handles POST /lectures/:id/recording/start.
func (h *Handler) Start(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	if !h.authorizeLecture(c, lectureID) {
		return
	}
	var req struct {
		RecordingType string `json:"recording_type"`
	}
	_ = c.ShouldBindJSON(&req)

	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	sessionID := "session_" + lectureID.String()
	recID, err := h.coordinator.Start(sessionID, lectureID, userID, req.RecordingType)
	if err != nil {
		if errors.Is(err, ErrAlreadyRecording) {
			response.Conflict(c, err.Error())
			return
		}
		response.Internal(c, "failed to start recording")
		return
	}
	response.OK(c, gin.H{
		"session_id":   sessionID,
		"recording_id": recID,
		"status":       models.RecordingStatusRecording,
	})
}

// Stop handles POST /lectures/:id/recording/stop.
func (h *Handler) Stop(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	if !h.authorizeLecture(c, lectureID) {
		return
	}
	sessionID := "session_" + lectureID.String()
	rec, err := h.coordinator.Stop(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoActiveRecording):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrStopInProgress):
			response.Conflict(c, err.Error())
		default:
			h.logger.Error("stop recording failed", zap.Error(err), zap.String("session_id", sessionID))
			response.Internal(c, "failed to finalize recording")
		}
		return
	}
	response.OK(c, gin.H{
		"recording_id": rec.ID,
		"status":       rec.Status,
		"duration":     rec.Stats.Duration,
	})
}

// Status handles GET /lectures/:id/recording/status.
func (h *Handler) Status(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	sessionID := "session_" + lectureID.String()
	rec, ok := h.coordinator.Status(sessionID)
	if !ok {
		response.OK(c, gin.H{"recording": false})
		return
	}
	response.OK(c, gin.H{"recording": true, "details": rec})
}

// ListByLecture handles GET /lectures/:id/recordings.
func (h *Handler) ListByLecture(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	if !h.authorizeLecture(c, lectureID) {
		return
	}
	list, err := h.coordinator.RecordingsForLecture(c.Request.Context(), lectureID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("lecture_id", lectureID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /recordings/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.coordinator.Recording(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	if !h.authorizeLecture(c, rec.LectureID) {
		return
	}
	response.OK(c, rec)
}

// GenerateDownloadURL handles GET /recordings/:id/download-url. Returns a
// presigned URL for one archived artifact (?file=, default metadata.json).
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.coordinator.Recording(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	if !h.authorizeLecture(c, rec.LectureID) {
		return
	}
	if rec.Status != models.RecordingStatusArchived || rec.StorageKey == "" {
		response.BadRequest(c, "recording not archived yet")
		return
	}
	if h.s3 == nil {
		response.Internal(c, "S3 not configured")
		return
	}

	file := c.Query("file")
	if file == "" {
		file = metadataFile
	}
	key := rec.StorageKey + "/" + file
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.RecordingsBucket(), key, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// Delete handles DELETE /recordings/:id. Removes the DB row, the staging
// directory, and (when archived) the S3 objects.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.coordinator.Recording(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	if !h.authorizeLecture(c, rec.LectureID) {
		return
	}
	if rec.Status == models.RecordingStatusArchived && rec.StorageKey != "" && h.s3 != nil {
		if err := h.s3.DeletePrefix(c.Request.Context(), h.s3.RecordingsBucket(), rec.StorageKey); err != nil {
			h.logger.Warn("archive delete failed", zap.Error(err), zap.String("recording_id", id.String()))
		}
	}
	if err := h.coordinator.DeleteRecording(c.Request.Context(), id); err != nil {
		h.logger.Error("delete recording failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to delete recording")
		return
	}
	response.NoContent(c)
}

// Cleanup handles POST /recordings/cleanup?days=30 (admin only). Deletes
// recordings older than the retention window; individual failures are
// skipped, not fatal.
func (h *Handler) Cleanup(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.BadRequest(c, "invalid days")
			return
		}
		days = n
	}
	deleted, err := h.coordinator.CleanupOlderThan(c.Request.Context(), days)
	if err != nil {
		h.logger.Error("cleanup failed", zap.Error(err))
		response.Internal(c, "cleanup failed")
		return
	}
	response.OK(c, gin.H{"deleted": deleted, "older_than_days": days})
}
