package lectures

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/edulive/backend/internal/middleware"
	"github.com/edulive/backend/internal/models"
	"github.com/edulive/backend/internal/presence"
	"github.com/edulive/backend/pkg/response"
)

// Notifier announces portal-wide events to connected clients. Implemented by
// the signaling router.
type Notifier interface {
	BroadcastToRole(group, event string, payload interface{})
}

// CreateRequest is the body for POST /lectures.
type CreateRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description string  `json:"description"`
	ScheduledAt *string `json:"scheduled_at"`
}

// Handler handles lecture HTTP endpoints.
type Handler struct {
	repo     *Repository
	registry *presence.Registry
	notifier Notifier
}

// NewHandler creates a lecture handler.
func NewHandler(repo *Repository, registry *presence.Registry, notifier Notifier) *Handler {
	return &Handler{repo: repo, registry: registry, notifier: notifier}
}

// Create handles POST /lectures (teacher only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	teacherID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var scheduledAt *time.Time
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			response.BadRequest(c, "invalid scheduled_at")
			return
		}
		scheduledAt = &t
	}

	l := &models.Lecture{
		Title:       req.Title,
		Description: req.Description,
		TeacherID:   teacherID,
		ScheduledAt: scheduledAt,
	}
	if err := h.repo.Create(c.Request.Context(), l); err != nil {
		response.Internal(c, "failed to create lecture")
		return
	}
	response.Created(c, l)
}

// GetByID handles GET /lectures/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	l, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	response.OK(c, l)
}

// List handles GET /lectures. Query ?mine=1 returns only lectures taught by
// the current user.
func (h *Handler) List(c *gin.Context) {
	var teacherID *uuid.UUID
	if c.Query("mine") == "1" {
		uid := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		teacherID = &uid
	}
	list, err := h.repo.List(c.Request.Context(), teacherID)
	if err != nil {
		response.Internal(c, "failed to list lectures")
		return
	}
	response.OK(c, list)
}

// Update handles PATCH /lectures/:id (teacher who owns the lecture).
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	l, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if l.TeacherID != userID {
		response.Forbidden(c, "only the lecture's teacher can update it")
		return
	}
	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		ScheduledAt *string `json:"scheduled_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	title, desc := l.Title, l.Description
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		desc = *req.Description
	}
	var scheduledAt *time.Time
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			response.BadRequest(c, "invalid scheduled_at")
			return
		}
		scheduledAt = &t
	}
	if err := h.repo.Update(c.Request.Context(), id, title, desc, scheduledAt); err != nil {
		response.Internal(c, "failed to update lecture")
		return
	}
	updated, _ := h.repo.GetByID(c.Request.Context(), id)
	response.OK(c, updated)
}

// Delete handles DELETE /lectures/:id (teacher who owns the lecture).
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	l, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if l.TeacherID != userID {
		response.Forbidden(c, "only the lecture's teacher can delete it")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete lecture")
		return
	}
	response.NoContent(c)
}

// GoLive handles POST /lectures/:id/live/start (teacher who owns the
// lecture). It registers the live session in the presence registry and
// announces it to connected students. Starting an already-live lecture
// returns the same session.
func (h *Handler) GoLive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	l, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if l.TeacherID != userID {
		response.Forbidden(c, "only the lecture's teacher can start it")
		return
	}

	sessionID := "session_" + l.ID.String()
	session := h.registry.RegisterSession(sessionID, l.ID.String(), l.TeacherID.String())

	if h.notifier != nil {
		h.notifier.BroadcastToRole("students", "lecture_live", gin.H{
			"lecture_id": l.ID,
			"session_id": sessionID,
			"title":      l.Title,
		})
	}
	response.OK(c, gin.H{
		"session_id": sessionID,
		"lecture_id": l.ID,
		"status":     session.Status,
		"started_at": session.StartedAt,
	})
}

// EndLive handles POST /lectures/:id/live/stop (teacher who owns the
// lecture). Unlike the grace-delayed cleanup after the last leave, an
// explicit stop tells remaining participants the session ended and removes
// the entry immediately.
func (h *Handler) EndLive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	l, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if l.TeacherID != userID {
		response.Forbidden(c, "only the lecture's teacher can stop it")
		return
	}

	sessionID := "session_" + l.ID.String()
	if _, err := h.registry.Session(sessionID); err != nil {
		response.NotFound(c, "lecture is not live")
		return
	}
	h.registry.EndSession(sessionID)
	for _, conn := range h.registry.Connections(sessionID, "") {
		conn.Send("session_ended", map[string]string{"session_id": sessionID})
	}
	h.registry.Remove(sessionID)
	response.OK(c, gin.H{
		"session_id": sessionID,
		"status":     models.SessionStatusEnded,
	})
}

// LiveStatus handles GET /lectures/:id/live. Reports whether the lecture's
// session is currently tracked and how many participants it has.
func (h *Handler) LiveStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	sessionID := "session_" + id.String()
	session, err := h.registry.Session(sessionID)
	if err != nil {
		response.OK(c, gin.H{"live": false})
		return
	}
	response.OK(c, gin.H{
		"live":               session.Status == models.SessionStatusActive,
		"session_id":         sessionID,
		"status":             session.Status,
		"started_at":         session.StartedAt,
		"participants_count": h.registry.ParticipantCount(sessionID),
	})
}
