package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/edulive/backend/internal/models"
	"github.com/edulive/backend/internal/presence"
	"github.com/edulive/backend/internal/recording"
)

// fakeConn records delivered events for assertions.
type fakeConn struct {
	mu     sync.Mutex
	events []deliveredEvent
}

type deliveredEvent struct {
	Event   string
	Payload interface{}
}

func (f *fakeConn) Send(event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, deliveredEvent{Event: event, Payload: payload})
	return true
}

func (f *fakeConn) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeConn) last(event string) (map[string]interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event != event {
			continue
		}
		switch p := f.events[i].Payload.(type) {
		case map[string]interface{}:
			return p, true
		case map[string]string:
			m := make(map[string]interface{}, len(p))
			for k, v := range p {
				m[k] = v
			}
			return m, true
		default:
			return nil, true
		}
	}
	return nil, false
}

// fakeRecordingStore is an in-memory recording.Store.
type fakeRecordingStore struct {
	mu      sync.Mutex
	created []*models.Recording
}

func (s *fakeRecordingStore) Create(_ context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.created = append(s.created, &cp)
	return nil
}

func (s *fakeRecordingStore) GetByID(_ context.Context, id uuid.UUID) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.created {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("recording %s not found", id)
}

func (s *fakeRecordingStore) ListByLecture(context.Context, uuid.UUID) ([]models.Recording, error) {
	return nil, nil
}

func (s *fakeRecordingStore) ListOlderThan(context.Context, time.Time) ([]models.Recording, error) {
	return nil, nil
}

func (s *fakeRecordingStore) Delete(context.Context, uuid.UUID) error { return nil }

// fakeLectures grants ownership to a single user; a non-nil err simulates a
// failing ownership lookup.
type fakeLectures struct {
	owner uuid.UUID
	err   error
}

func (f *fakeLectures) IsLectureOwner(_ context.Context, _ uuid.UUID, userID uuid.UUID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return userID == f.owner, nil
}

type testEnv struct {
	registry *presence.Registry
	recorder *recording.Coordinator
	router   *Router
	owner    uuid.UUID
	store    *fakeRecordingStore
}

func newTestEnv(t *testing.T, grace time.Duration) *testEnv {
	t.Helper()
	registry := presence.NewRegistry(grace, nil)
	t.Cleanup(registry.Close)
	store := &fakeRecordingStore{}
	recorder := recording.NewCoordinator(store, t.TempDir(), 10*time.Millisecond, nil)
	t.Cleanup(recorder.Close)
	owner := uuid.New()
	router := NewRouter(registry, recorder, &fakeLectures{owner: owner}, nil)
	return &testEnv{registry: registry, recorder: recorder, router: router, owner: owner, store: store}
}

func newPeer(userID, name, role string) (*Peer, *fakeConn) {
	fc := &fakeConn{}
	return &Peer{ID: uuid.NewString(), UserID: userID, UserName: name, Role: role, Conn: fc}, fc
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestJoinSession_UnknownSession(t *testing.T) {
	env := newTestEnv(t, time.Second)
	p, fc := newPeer("u1", "Student One", "student")

	env.router.Dispatch(p, "join_session", raw(t, map[string]string{"session_id": "missing"}))

	msg, ok := fc.last("error")
	if !ok {
		t.Fatal("expected error event")
	}
	if msg["message"] != "Session not found" {
		t.Errorf("message = %q, want Session not found", msg["message"])
	}
}

func TestJoinSession_BroadcastAndSessionInfo(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	s1, fc1 := newPeer("s1", "Student One", "student")
	s2, fc2 := newPeer("s2", "Student Two", "student")

	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s2, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))

	// S1 sees S2's join, not its own.
	if got := fc1.count("user_joined"); got != 1 {
		t.Fatalf("s1 user_joined count = %d, want 1", got)
	}
	joined, _ := fc1.last("user_joined")
	if joined["user_id"] != "s2" {
		t.Errorf("s1 saw join of %v, want s2", joined["user_id"])
	}
	if joined["participants_count"] != 2 {
		t.Errorf("participants_count = %v, want 2", joined["participants_count"])
	}

	// S2 gets session_info with both participants, and no user_joined for itself.
	info, ok := fc2.last("session_info")
	if !ok {
		t.Fatal("s2 missing session_info")
	}
	participants, _ := info["participants"].([]models.Participant)
	if len(participants) != 2 {
		t.Fatalf("session_info participants = %d, want 2", len(participants))
	}
	if participants[0].UserID != "s1" || participants[1].UserID != "s2" {
		t.Errorf("unexpected participant order: %s, %s", participants[0].UserID, participants[1].UserID)
	}
	if got := fc2.count("user_joined"); got != 0 {
		t.Errorf("joiner must not receive its own user_joined, got %d", got)
	}
}

func TestLeaveSession_Idempotent(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	s1, _ := newPeer("s1", "Student One", "student")
	s2, fc2 := newPeer("s2", "Student Two", "student")
	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s2, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))

	env.router.Dispatch(s1, "leave_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s1, "leave_session", raw(t, map[string]string{"session_id": "sess-1"}))

	if got := fc2.count("user_left"); got != 1 {
		t.Errorf("user_left emitted %d times, want 1", got)
	}
}

func TestLastLeaverEndsSession(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	s1, fc1 := newPeer("s1", "Student One", "student")
	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s1, "leave_session", raw(t, map[string]string{"session_id": "sess-1"}))

	if got := fc1.count("session_ended"); got != 1 {
		t.Fatalf("session_ended count = %d, want 1", got)
	}

	time.Sleep(100 * time.Millisecond)
	// Session is gone; a new join now fails.
	s2, fc2 := newPeer("s2", "Student Two", "student")
	env.router.Dispatch(s2, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	if msg, ok := fc2.last("error"); !ok || msg["message"] != "Session not found" {
		t.Errorf("expected Session not found after cleanup, got %v", msg)
	}
}

func TestRejoinDuringGraceKeepsSession(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	s1, _ := newPeer("s1", "Student One", "student")
	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s1, "leave_session", raw(t, map[string]string{"session_id": "sess-1"}))

	// Rejoin before the grace delay fires.
	s2, fc2 := newPeer("s2", "Student Two", "student")
	env.router.Dispatch(s2, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	if _, ok := fc2.last("session_info"); !ok {
		t.Fatal("rejoin during grace window rejected")
	}

	time.Sleep(120 * time.Millisecond)
	if _, err := env.registry.Session("sess-1"); err != nil {
		t.Errorf("session must survive a rejoin during grace: %v", err)
	}
}

func TestJoinSecondSession_LeavesFirst(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-a", "lec-1", "t-1")
	env.registry.RegisterSession("sess-b", "lec-2", "t-2")

	mover, _ := newPeer("u1", "Mover", "student")
	watcher, fcW := newPeer("u2", "Watcher", "student")
	env.router.Dispatch(watcher, "join_session", raw(t, map[string]string{"session_id": "sess-a"}))
	env.router.Dispatch(mover, "join_session", raw(t, map[string]string{"session_id": "sess-a"}))

	env.router.Dispatch(mover, "join_session", raw(t, map[string]string{"session_id": "sess-b"}))

	if got := env.registry.ParticipantCount("sess-a"); got != 1 {
		t.Errorf("first session count = %d after move, want 1", got)
	}
	if got := env.registry.ParticipantCount("sess-b"); got != 1 {
		t.Errorf("second session count = %d, want 1", got)
	}
	left, ok := fcW.last("user_left")
	if !ok {
		t.Fatal("first session never saw the mover leave")
	}
	if left["user_id"] != "u1" {
		t.Errorf("user_left for %v, want u1", left["user_id"])
	}
}

func TestJoinSecondSession_AbandonedSessionCleanedUp(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	env.registry.RegisterSession("sess-a", "lec-1", "t-1")
	env.registry.RegisterSession("sess-b", "lec-2", "t-2")

	mover, fc := newPeer("u1", "Mover", "student")
	env.router.Dispatch(mover, "join_session", raw(t, map[string]string{"session_id": "sess-a"}))
	env.router.Dispatch(mover, "join_session", raw(t, map[string]string{"session_id": "sess-b"}))

	// The mover was the only participant, so the abandoned session ends.
	if got := fc.count("session_ended"); got != 1 {
		t.Fatalf("session_ended count = %d, want 1", got)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := env.registry.Session("sess-a"); err != presence.ErrSessionNotFound {
		t.Errorf("abandoned session not cleaned up: %v", err)
	}
	if got := env.registry.ParticipantCount("sess-b"); got != 1 {
		t.Errorf("mover lost from second session, count = %d", got)
	}
}

func TestWebRTCOffer_PointToPoint(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	teacher, fcT := newPeer("t1", "Teacher", "teacher")
	s1, fc1 := newPeer("s1", "Student One", "student")
	s2, fc2 := newPeer("s2", "Student Two", "student")
	for _, p := range []*Peer{teacher, s1, s2} {
		env.router.Dispatch(p, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	}

	offer := map[string]interface{}{"type": "offer", "sdp": "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"}
	env.router.Dispatch(s1, "webrtc_offer", raw(t, map[string]interface{}{
		"session_id":     "sess-1",
		"target_user_id": "s2",
		"offer":          offer,
	}))

	if got := fc2.count("webrtc_offer"); got != 1 {
		t.Fatalf("target received %d offers, want 1", got)
	}
	relayed, _ := fc2.last("webrtc_offer")
	if relayed["from_user_id"] != "s1" {
		t.Errorf("from_user_id = %v, want s1", relayed["from_user_id"])
	}
	if fcT.count("webrtc_offer") != 0 || fc1.count("webrtc_offer") != 0 {
		t.Error("offer must never be broadcast to non-target participants")
	}
}

func TestWebRTCOffer_UnknownTarget(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")
	s1, fc1 := newPeer("s1", "Student One", "student")
	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))

	env.router.Dispatch(s1, "webrtc_offer", raw(t, map[string]interface{}{
		"session_id":     "sess-1",
		"target_user_id": "ghost",
		"offer":          map[string]string{"type": "offer", "sdp": "v=0"},
	}))
	if _, ok := fc1.last("error"); !ok {
		t.Error("expected error event for unknown relay target")
	}
}

func TestICECandidate_Relay(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")
	s1, _ := newPeer("s1", "Student One", "student")
	s2, fc2 := newPeer("s2", "Student Two", "student")
	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s2, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))

	env.router.Dispatch(s1, "ice_candidate", raw(t, map[string]interface{}{
		"session_id":     "sess-1",
		"target_user_id": "s2",
		"candidate":      map[string]interface{}{"candidate": "candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host"},
	}))
	if got := fc2.count("ice_candidate"); got != 1 {
		t.Errorf("target received %d candidates, want 1", got)
	}
}

func TestChatMessage_BroadcastIncludesSenderAndMirrors(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	teacherID := env.owner
	teacher, _ := newPeer(teacherID.String(), "Teacher", "teacher")
	s1, fc1 := newPeer("s1", "Student One", "student")
	env.router.Dispatch(teacher, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(s1, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))

	env.router.Dispatch(teacher, "start_recording", raw(t, map[string]string{
		"session_id": "sess-1",
		"lecture_id": uuid.NewString(),
	}))

	env.router.Dispatch(s1, "chat_message", raw(t, map[string]string{
		"session_id": "sess-1",
		"message":    "hello",
	}))

	// Sender is included in the room fan-out.
	if got := fc1.count("chat_message"); got != 1 {
		t.Errorf("sender chat_message count = %d, want 1", got)
	}
	status, ok := env.recorder.Status("sess-1")
	if !ok {
		t.Fatal("recording should be active")
	}
	if status.Stats.ChatMessagesCount != 1 {
		t.Errorf("mirrored chat count = %d, want 1", status.Stats.ChatMessagesCount)
	}
}

func TestRecordingChunk_DecodeFailureDropped(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")
	teacher, _ := newPeer(env.owner.String(), "Teacher", "teacher")
	env.router.Dispatch(teacher, "join_session", raw(t, map[string]string{"session_id": "sess-1"}))
	env.router.Dispatch(teacher, "start_recording", raw(t, map[string]string{
		"session_id": "sess-1",
		"lecture_id": uuid.NewString(),
	}))

	env.router.Dispatch(teacher, "recording_chunk", raw(t, map[string]string{
		"session_id": "sess-1",
		"chunk_type": "video",
		"chunk_data": "%%% not base64 %%%",
	}))

	status, _ := env.recorder.Status("sess-1")
	if status.Stats.VideoChunks != 0 {
		t.Errorf("malformed chunk must be dropped, got %d chunks", status.Stats.VideoChunks)
	}

	// A valid chunk still lands afterwards.
	env.router.Dispatch(teacher, "recording_chunk", raw(t, map[string]string{
		"session_id": "sess-1",
		"chunk_type": "video",
		"chunk_data": base64.StdEncoding.EncodeToString([]byte("frame")),
	}))
	status, _ = env.recorder.Status("sess-1")
	if status.Stats.VideoChunks != 1 {
		t.Errorf("valid chunk not saved, got %d", status.Stats.VideoChunks)
	}
}

func TestStartRecording_OwnershipEnforced(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")

	intruder, fc := newPeer(uuid.NewString(), "Other Teacher", "teacher")
	env.router.Dispatch(intruder, "start_recording", raw(t, map[string]string{
		"session_id": "sess-1",
		"lecture_id": uuid.NewString(),
	}))

	if msg, ok := fc.last("recording_error"); !ok || msg["message"] != "Not authorized to control recording" {
		t.Errorf("expected authorization rejection, got %v", msg)
	}
	if _, ok := env.recorder.Status("sess-1"); ok {
		t.Error("unauthorized start must not create a recording")
	}
}

func TestStartRecording_OwnershipCheckFailureDenies(t *testing.T) {
	registry := presence.NewRegistry(time.Second, nil)
	t.Cleanup(registry.Close)
	recorder := recording.NewCoordinator(&fakeRecordingStore{}, t.TempDir(), 10*time.Millisecond, nil)
	t.Cleanup(recorder.Close)
	router := NewRouter(registry, recorder, &fakeLectures{err: errors.New("connection refused")}, nil)
	registry.RegisterSession("sess-1", "lec-42", "t-1")

	teacher, fc := newPeer(uuid.NewString(), "Teacher", "teacher")
	router.Dispatch(teacher, "start_recording", raw(t, map[string]string{
		"session_id": "sess-1",
		"lecture_id": uuid.NewString(),
	}))

	if msg, ok := fc.last("recording_error"); !ok || msg["message"] != "Not authorized to control recording" {
		t.Errorf("expected denial when ownership lookup fails, got %v", msg)
	}
	if _, ok := recorder.Status("sess-1"); ok {
		t.Error("failed ownership check must not start a recording")
	}
}

func TestRecordingLifecycleViaRouter(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.registry.RegisterSession("sess-1", "lec-42", "t-1")
	teacher, fc := newPeer(env.owner.String(), "Teacher", "teacher")

	env.router.Dispatch(teacher, "start_recording", raw(t, map[string]string{
		"session_id": "sess-1",
		"lecture_id": uuid.NewString(),
	}))
	started, ok := fc.last("recording_started")
	if !ok {
		t.Fatal("expected recording_started")
	}
	if started["recording_id"] == "" {
		t.Error("missing recording_id")
	}

	// Second start fails without disturbing the first.
	env.router.Dispatch(teacher, "start_recording", raw(t, map[string]string{
		"session_id": "sess-1",
		"lecture_id": uuid.NewString(),
	}))
	if msg, ok := fc.last("recording_error"); !ok || msg["message"] != recording.ErrAlreadyRecording.Error() {
		t.Errorf("expected already-recording error, got %v", msg)
	}

	env.router.Dispatch(teacher, "get_recording_status", raw(t, map[string]string{"session_id": "sess-1"}))
	if fc.count("recording_status") != 1 {
		t.Error("expected recording_status event")
	}

	env.router.Dispatch(teacher, "stop_recording", raw(t, map[string]string{"session_id": "sess-1"}))
	if _, ok := fc.last("recording_stopped"); !ok {
		t.Fatal("expected recording_stopped")
	}
	env.store.mu.Lock()
	persisted := len(env.store.created)
	env.store.mu.Unlock()
	if persisted != 1 {
		t.Errorf("persisted %d recordings, want 1", persisted)
	}
}

func TestConnect_JoinsRoleGroup(t *testing.T) {
	env := newTestEnv(t, time.Second)
	teacher, fcT := newPeer("t1", "Teacher", "teacher")
	student, fcS := newPeer("s1", "Student", "student")
	env.router.HandleConnect(teacher)
	env.router.HandleConnect(student)

	if _, ok := fcT.last("connected"); !ok {
		t.Error("teacher missing connected ack")
	}

	env.router.BroadcastToRole("students", "announcement", map[string]string{"text": "lecture live"})
	if fcS.count("announcement") != 1 {
		t.Error("student missed role broadcast")
	}
	if fcT.count("announcement") != 0 {
		t.Error("teacher should not receive students broadcast")
	}

	// Anonymous peers join no group and get no ack.
	anon, fcA := newPeer("", "", "student")
	env.router.HandleConnect(anon)
	if len(fcA.events) != 0 {
		t.Error("unauthenticated connect must be ignored")
	}
}
