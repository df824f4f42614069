package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/edulive/backend/internal/models"
	"github.com/edulive/backend/internal/presence"
	"github.com/edulive/backend/internal/recording"
)

// OwnershipChecker answers "does this user own this lecture". Implemented by
// the lectures repository.
type OwnershipChecker interface {
	IsLectureOwner(ctx context.Context, lectureID, userID uuid.UUID) (bool, error)
}

// Peer is one authenticated connection as seen by the router. The transport
// client embeds it; tests construct it directly with a fake Conn.
type Peer struct {
	ID       string
	UserID   string
	UserName string
	Role     string
	Conn     presence.Conn

	// sessionID is the session this peer joined, if any. Mutated only from
	// the peer's own read loop.
	sessionID string
}

func (p *Peer) send(event string, payload interface{}) {
	if p.Conn != nil {
		p.Conn.Send(event, payload)
	}
}

func (p *Peer) sendError(message string) {
	p.send("error", map[string]string{"message": message})
}

// Router dispatches signaling events. It holds no per-session state of its
// own; presence and recording state live in the registry and coordinator.
type Router struct {
	registry *presence.Registry
	recorder *recording.Coordinator
	lectures OwnershipChecker
	logger   *zap.Logger

	mu     sync.Mutex
	groups map[string]map[string]presence.Conn // role group -> peer ID -> conn
}

// NewRouter creates a signaling router.
func NewRouter(registry *presence.Registry, recorder *recording.Coordinator, lectures OwnershipChecker, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: registry,
		recorder: recorder,
		lectures: lectures,
		logger:   logger,
		groups:   make(map[string]map[string]presence.Conn),
	}
}

func roleGroup(role string) string {
	if role == string(models.RoleTeacher) {
		return "teachers"
	}
	return "students"
}

// HandleConnect joins the peer's role-scoped broadcast group and acks. A peer
// without an authenticated identity gets neither.
func (r *Router) HandleConnect(p *Peer) {
	if p.UserID == "" {
		return
	}
	group := roleGroup(p.Role)
	r.mu.Lock()
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]presence.Conn)
	}
	r.groups[group][p.ID] = p.Conn
	r.mu.Unlock()

	p.send("connected", map[string]string{
		"user_id":   p.UserID,
		"user_name": p.UserName,
		"user_type": p.Role,
	})
	r.logger.Debug("peer connected", zap.String("user_id", p.UserID), zap.String("group", group))
}

// HandleDisconnect leaves the role group and, if the peer was inside a
// session, processes an implicit leave.
func (r *Router) HandleDisconnect(p *Peer) {
	group := roleGroup(p.Role)
	r.mu.Lock()
	if m, ok := r.groups[group]; ok {
		delete(m, p.ID)
	}
	r.mu.Unlock()

	if p.sessionID != "" {
		r.leaveSession(p, p.sessionID, p.UserID)
	}
	r.logger.Debug("peer disconnected", zap.String("user_id", p.UserID))
}

// BroadcastToRole sends an event to every connection in a role group
// ("teachers" or "students").
func (r *Router) BroadcastToRole(group, event string, payload interface{}) {
	r.mu.Lock()
	conns := make([]presence.Conn, 0, len(r.groups[group]))
	for _, c := range r.groups[group] {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Send(event, payload)
	}
}

// Dispatch routes one inbound message to its handler. Unknown events are
// ignored; malformed payloads produce an error event for the caller only.
func (r *Router) Dispatch(p *Peer, event string, data json.RawMessage) {
	switch event {
	case "join_session":
		r.handleJoinSession(p, data)
	case "leave_session":
		r.handleLeaveSession(p, data)
	case "webrtc_offer", "webrtc_answer", "ice_candidate":
		r.handleRelay(p, event, data)
	case "chat_message":
		r.handleChatMessage(p, data)
	case "recording_chunk":
		r.handleRecordingChunk(p, data)
	case "start_recording":
		r.handleStartRecording(p, data)
	case "stop_recording":
		r.handleStopRecording(p, data)
	case "get_recording_status":
		r.handleRecordingStatus(p, data)
	default:
		r.logger.Debug("unknown event ignored", zap.String("event", event))
	}
}

func (r *Router) broadcast(sessionID, excludeUserID, event string, payload interface{}) {
	for _, c := range r.registry.Connections(sessionID, excludeUserID) {
		c.Send(event, payload)
	}
}

func (r *Router) handleJoinSession(p *Peer, data json.RawMessage) {
	if p.UserID == "" {
		p.sendError("Not authenticated")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		p.sendError("Invalid join payload")
		return
	}

	if _, err := r.registry.Session(req.SessionID); err != nil {
		p.sendError(err.Error())
		return
	}

	// One session per connection: joining a new session first processes a
	// leave from the old one, so the old room sees user_left and an emptied
	// session still ends.
	if p.sessionID != "" && p.sessionID != req.SessionID {
		r.leaveSession(p, p.sessionID, p.UserID)
	}

	count, err := r.registry.AddParticipant(req.SessionID, models.Participant{
		UserID:   p.UserID,
		UserName: p.UserName,
		UserType: p.Role,
		JoinedAt: time.Now(),
	}, p.Conn)
	if err != nil {
		p.sendError(err.Error())
		return
	}
	p.sessionID = req.SessionID

	r.recorder.LogParticipantActivity(req.SessionID, p.UserID, p.UserName, "join", nil)

	r.broadcast(req.SessionID, p.UserID, "user_joined", map[string]interface{}{
		"user_id":            p.UserID,
		"user_name":          p.UserName,
		"user_type":          p.Role,
		"participants_count": count,
	})
	p.send("session_info", map[string]interface{}{
		"session_id":         req.SessionID,
		"participants":       r.registry.Participants(req.SessionID),
		"participants_count": count,
	})
	r.logger.Info("user joined session",
		zap.String("session_id", req.SessionID),
		zap.String("user_id", p.UserID),
		zap.Int("participants", count))
}

func (r *Router) handleLeaveSession(p *Peer, data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = p.UserID
	}
	r.leaveSession(p, req.SessionID, userID)
}

func (r *Router) leaveSession(p *Peer, sessionID, userID string) {
	// Mirror the leave before removal so the recorder still knows the name.
	if participant, err := r.registry.Participant(sessionID, userID); err == nil {
		r.recorder.LogParticipantActivity(sessionID, userID, participant.UserName, "leave", nil)
	}

	count, removed := r.registry.RemoveParticipant(sessionID, userID)
	if !removed {
		return
	}
	if userID == p.UserID {
		p.sessionID = ""
	}

	r.broadcast(sessionID, "", "user_left", map[string]interface{}{
		"user_id":            userID,
		"participants_count": count,
	})

	if count == 0 {
		r.registry.EndSession(sessionID)
		// Room is empty; the leaver's connection is still open, so it gets
		// the final broadcast directly.
		p.send("session_ended", map[string]string{"session_id": sessionID})
		r.broadcast(sessionID, "", "session_ended", map[string]string{"session_id": sessionID})
		r.registry.ScheduleCleanup(sessionID)
		r.logger.Info("session ended, cleanup scheduled", zap.String("session_id", sessionID))
	}
}

// handleRelay delivers offer/answer/ICE payloads point-to-point to the target
// participant's connection, never to the room.
func (r *Router) handleRelay(p *Peer, event string, data json.RawMessage) {
	var req struct {
		SessionID    string          `json:"session_id"`
		TargetUserID string          `json:"target_user_id"`
		FromUserID   string          `json:"from_user_id"`
		Offer        json.RawMessage `json:"offer"`
		Answer       json.RawMessage `json:"answer"`
		Candidate    json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" || req.TargetUserID == "" {
		p.sendError("Invalid signaling payload")
		return
	}
	from := req.FromUserID
	if from == "" {
		from = p.UserID
	}

	var key string
	var payload json.RawMessage
	switch event {
	case "webrtc_offer":
		key, payload = "offer", req.Offer
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil || sd.SDP == "" {
			p.sendError("Invalid SDP offer")
			return
		}
	case "webrtc_answer":
		key, payload = "answer", req.Answer
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil || sd.SDP == "" {
			p.sendError("Invalid SDP answer")
			return
		}
	case "ice_candidate":
		key, payload = "candidate", req.Candidate
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil {
			p.sendError("Invalid ICE candidate")
			return
		}
	}

	conn, err := r.registry.ResolveConnection(req.SessionID, req.TargetUserID)
	if err != nil {
		p.sendError(err.Error())
		return
	}
	conn.Send(event, map[string]interface{}{
		"from_user_id": from,
		key:            payload,
	})
}

func (r *Router) handleChatMessage(p *Peer, data json.RawMessage) {
	var req struct {
		SessionID   string `json:"session_id"`
		Message     string `json:"message"`
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}
	if req.MessageType == "" {
		req.MessageType = "text"
	}

	// Recording mirror first, then fan out to the whole room including the
	// sender. Both are no-ops for an unknown session.
	r.recorder.LogChatMessage(req.SessionID, p.UserID, p.UserName, req.Message, req.MessageType)
	r.broadcast(req.SessionID, "", "chat_message", map[string]interface{}{
		"user_id":      p.UserID,
		"user_name":    p.UserName,
		"message":      req.Message,
		"message_type": req.MessageType,
		"timestamp":    time.Now().UTC(),
	})
}

func (r *Router) handleRecordingChunk(p *Peer, data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
		ChunkType string `json:"chunk_type"`
		ChunkData string `json:"chunk_data"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(req.ChunkData)
	if err != nil {
		// A malformed chunk must never break the live session; drop it.
		r.logger.Warn("chunk decode failed, dropping",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", p.UserID),
			zap.Error(err))
		return
	}
	r.recorder.SaveChunk(req.SessionID, p.UserID, chunk, req.ChunkType)
}

// authorizeRecordingControl verifies the caller owns the lecture before any
// recording state is touched.
func (r *Router) authorizeRecordingControl(p *Peer, lectureID uuid.UUID) bool {
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		p.send("recording_error", map[string]string{"message": "Not authorized to control recording"})
		return false
	}
	ok, err := r.lectures.IsLectureOwner(context.Background(), lectureID, userID)
	if err != nil {
		r.logger.Error("lecture ownership check failed",
			zap.String("lecture_id", lectureID.String()),
			zap.String("user_id", p.UserID),
			zap.Error(err))
	}
	if err != nil || !ok {
		p.send("recording_error", map[string]string{"message": "Not authorized to control recording"})
		return false
	}
	return true
}

func (r *Router) handleStartRecording(p *Peer, data json.RawMessage) {
	var req struct {
		SessionID     string `json:"session_id"`
		LectureID     string `json:"lecture_id"`
		RecordingType string `json:"recording_type"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		p.send("recording_error", map[string]string{"message": "Invalid recording payload"})
		return
	}
	lectureID, err := uuid.Parse(req.LectureID)
	if err != nil {
		p.send("recording_error", map[string]string{"message": "Invalid lecture id"})
		return
	}
	if !r.authorizeRecordingControl(p, lectureID) {
		return
	}
	teacherID, _ := uuid.Parse(p.UserID)

	recID, err := r.recorder.Start(req.SessionID, lectureID, teacherID, req.RecordingType)
	if err != nil {
		p.send("recording_error", map[string]string{"message": err.Error()})
		return
	}
	p.send("recording_started", map[string]string{
		"session_id":   req.SessionID,
		"recording_id": recID,
		"message":      "Recording started, recording_id: " + recID,
	})
}

func (r *Router) handleStopRecording(p *Peer, data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		p.send("recording_error", map[string]string{"message": "Invalid recording payload"})
		return
	}
	status, ok := r.recorder.Status(req.SessionID)
	if !ok {
		p.send("recording_error", map[string]string{"message": recording.ErrNoActiveRecording.Error()})
		return
	}
	if !r.authorizeRecordingControl(p, status.LectureID) {
		return
	}

	rec, err := r.recorder.Stop(context.Background(), req.SessionID)
	if err != nil {
		p.send("recording_error", map[string]string{"message": err.Error()})
		return
	}
	p.send("recording_stopped", map[string]interface{}{
		"session_id":   req.SessionID,
		"recording_id": rec.ID.String(),
		"duration":     rec.Stats.Duration,
	})
}

func (r *Router) handleRecordingStatus(p *Peer, data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		p.send("recording_error", map[string]string{"message": "Invalid recording payload"})
		return
	}
	status, ok := r.recorder.Status(req.SessionID)
	if !ok {
		p.send("recording_error", map[string]string{"message": recording.ErrNoActiveRecording.Error()})
		return
	}
	p.send("recording_status", status)
}
