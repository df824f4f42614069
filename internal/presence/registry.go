package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edulive/backend/internal/models"
)

// Conn is the connection handle for one participant. Implemented by the
// signaling client (send-channel backed) and by test fakes. Send must not
// block; it reports whether the message was accepted.
type Conn interface {
	Send(event string, payload interface{}) bool
}

type participant struct {
	models.Participant
	conn Conn
}

type session struct {
	info         models.LiveSession
	participants map[string]*participant
	order        []string // user IDs in join order, for deterministic snapshots
	cleanup      *time.Timer
}

// Registry tracks active live sessions and their participants. All state is
// in-memory and process-local; one mutex guards the whole table so
// read-then-write sequences (count, then delete) stay atomic.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	grace    time.Duration
	logger   *zap.Logger
	closed   bool
}

// NewRegistry creates a presence registry. grace is the deferred-deletion
// window after EndSession before the entry is physically removed.
func NewRegistry(grace time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*session),
		grace:    grace,
		logger:   logger,
	}
}

// RegisterSession creates an active session if absent. Idempotent: an existing
// session (and its participant map) is never overwritten.
func (r *Registry) RegisterSession(sessionID, lectureID, teacherID string) models.LiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.info
	}
	s := &session{
		info: models.LiveSession{
			SessionID: sessionID,
			LectureID: lectureID,
			TeacherID: teacherID,
			Status:    models.SessionStatusActive,
			StartedAt: time.Now(),
		},
		participants: make(map[string]*participant),
	}
	r.sessions[sessionID] = s
	r.logger.Debug("session registered", zap.String("session_id", sessionID), zap.String("lecture_id", lectureID))
	return s.info
}

// Session returns the session metadata or ErrSessionNotFound.
func (r *Registry) Session(sessionID string) (models.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return models.LiveSession{}, ErrSessionNotFound
	}
	return s.info, nil
}

// AddParticipant inserts or overwrites the participant keyed by user ID and
// returns the updated count. Last join wins: a second connection for the same
// user replaces the first's handle. Joining a session that is inside its
// grace window cancels the pending cleanup and revives it.
func (r *Registry) AddParticipant(sessionID string, p models.Participant, conn Conn) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
	s.info.Status = models.SessionStatusActive
	if _, exists := s.participants[p.UserID]; !exists {
		s.order = append(s.order, p.UserID)
	}
	s.participants[p.UserID] = &participant{Participant: p, conn: conn}
	return len(s.participants), nil
}

// RemoveParticipant removes the participant if present. It returns the
// remaining count and whether a removal actually happened; unknown session or
// participant is a no-op, never an error.
func (r *Registry) RemoveParticipant(sessionID, userID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	if _, exists := s.participants[userID]; !exists {
		return len(s.participants), false
	}
	delete(s.participants, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return len(s.participants), true
}

// Participant returns one participant's snapshot or ErrParticipantNotFound.
func (r *Registry) Participant(sessionID, userID string) (models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return models.Participant{}, ErrSessionNotFound
	}
	p, ok := s.participants[userID]
	if !ok {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p.Participant, nil
}

// Participants returns a join-ordered snapshot of all participants, or an
// empty slice if the session is unknown.
func (r *Registry) Participants(sessionID string) []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]models.Participant, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.participants[id]; ok {
			out = append(out, p.Participant)
		}
	}
	return out
}

// ParticipantCount returns the current participant count (0 if unknown).
func (r *Registry) ParticipantCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.participants)
}

// ResolveConnection returns the participant's connection handle for
// point-to-point delivery.
func (r *Registry) ResolveConnection(sessionID, userID string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	p, ok := s.participants[userID]
	if !ok || p.conn == nil {
		return nil, ErrParticipantNotFound
	}
	return p.conn, nil
}

// Connections returns the connection handles of all participants, in join
// order, skipping excludeUserID (pass "" to exclude nobody).
func (r *Registry) Connections(sessionID, excludeUserID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(s.order))
	for _, id := range s.order {
		if id == excludeUserID {
			continue
		}
		if p, ok := s.participants[id]; ok && p.conn != nil {
			out = append(out, p.conn)
		}
	}
	return out
}

// EndSession marks the session ended. Returns false if the session is unknown.
// The entry stays in the table until ScheduleCleanup fires so in-flight
// broadcasts can still resolve it.
func (r *Registry) EndSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.info.Status = models.SessionStatusEnded
	return true
}

// ScheduleCleanup arms deferred deletion after the grace window. At fire time
// the session must still be empty and ended, otherwise deletion is skipped
// (a participant may have rejoined during the window). Re-arming replaces any
// pending timer; deleting an already-deleted session is a no-op.
func (r *Registry) ScheduleCleanup(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	s.cleanup = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		s, ok := r.sessions[sessionID]
		if !ok {
			return
		}
		if len(s.participants) > 0 || s.info.Status != models.SessionStatusEnded {
			return
		}
		delete(r.sessions, sessionID)
		r.logger.Debug("session removed after grace delay", zap.String("session_id", sessionID))
	})
}

// Remove deletes the session immediately (explicit teacher stop). Idempotent.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		if s.cleanup != nil {
			s.cleanup.Stop()
		}
		delete(r.sessions, sessionID)
	}
}

// SessionCount returns the number of sessions currently tracked.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close cancels all pending cleanup timers so process shutdown is not held up.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.sessions {
		if s.cleanup != nil {
			s.cleanup.Stop()
			s.cleanup = nil
		}
	}
}
