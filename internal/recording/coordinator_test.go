package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/edulive/backend/internal/models"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore is an in-memory Store for coordinator tests.
type fakeStore struct {
	created    map[uuid.UUID]*models.Recording
	failCreate bool
	failDelete map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{created: make(map[uuid.UUID]*models.Recording), failDelete: make(map[uuid.UUID]bool)}
}

func (s *fakeStore) Create(_ context.Context, rec *models.Recording) error {
	if s.failCreate {
		return errStoreDown
	}
	cp := *rec
	s.created[rec.ID] = &cp
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Recording, error) {
	rec, ok := s.created[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) ListByLecture(_ context.Context, lectureID uuid.UUID) ([]models.Recording, error) {
	var out []models.Recording
	for _, rec := range s.created {
		if rec.LectureID == lectureID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *fakeStore) ListOlderThan(_ context.Context, cutoff time.Time) ([]models.Recording, error) {
	var out []models.Recording
	for _, rec := range s.created {
		if rec.StartedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	if s.failDelete[id] {
		return errStoreDown
	}
	delete(s.created, id)
	return nil
}

func newTestCoordinator(t *testing.T, store Store) *Coordinator {
	t.Helper()
	c := NewCoordinator(store, t.TempDir(), 10*time.Millisecond, nil)
	t.Cleanup(c.Close)
	return c
}

func TestStart_SecondStartFails(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())
	lecture, teacher := uuid.New(), uuid.New()

	recID, err := c.Start("sess-1", lecture, teacher, models.RecordingTypeFull)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if recID == "" {
		t.Fatal("expected a recording id")
	}

	if _, err := c.Start("sess-1", lecture, teacher, models.RecordingTypeFull); err != ErrAlreadyRecording {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}

	// The first recording's state is untouched by the failed start.
	status, ok := c.Status("sess-1")
	if !ok {
		t.Fatal("expected active recording")
	}
	if status.ID.String() != recID {
		t.Errorf("first recording replaced: got %s want %s", status.ID, recID)
	}
}

func TestWriteSideOps_NoOpWithoutActiveRecording(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())

	if c.LogChatMessage("ghost", "u1", "User", "hello", "text") {
		t.Error("chat log should no-op without a recording")
	}
	if c.LogParticipantActivity("ghost", "u1", "User", "join", nil) {
		t.Error("activity log should no-op without a recording")
	}
	if c.SaveChunk("ghost", "u1", []byte{1, 2, 3}, models.ChunkTypeVideo) {
		t.Error("chunk save should no-op without a recording")
	}
	if _, ok := c.Status("ghost"); ok {
		t.Error("status should report no active recording")
	}
}

func TestDuration_MonotonicWhileActive(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())
	if _, err := c.Start("sess-1", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start: %v", err)
	}

	var last int64 = -1
	for i := 0; i < 5; i++ {
		status, ok := c.Status("sess-1")
		if !ok {
			t.Fatal("recording vanished")
		}
		if status.Stats.Duration < last {
			t.Fatalf("duration decreased: %d -> %d", last, status.Stats.Duration)
		}
		last = status.Stats.Duration
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStop_PersistsStatsAndChunks(t *testing.T) {
	store := newFakeStore()
	c := newTestCoordinator(t, store)
	lecture := uuid.New()
	if _, err := c.Start("sess-1", lecture, uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !c.LogChatMessage("sess-1", "u1", "Student One", "hello", "text") {
			t.Fatal("chat log rejected")
		}
	}
	if !c.SaveChunk("sess-1", "u1", []byte("frame"), models.ChunkTypeVideo) {
		t.Fatal("chunk save rejected")
	}
	c.LogParticipantActivity("sess-1", "u1", "Student One", "join", nil)

	status, _ := c.Status("sess-1")
	if status.Stats.ChatMessagesCount != 3 || status.Stats.VideoChunks != 1 {
		t.Errorf("unexpected counters: chat=%d video=%d", status.Stats.ChatMessagesCount, status.Stats.VideoChunks)
	}

	rec, err := c.Stop(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	persisted, ok := store.created[rec.ID]
	if !ok {
		t.Fatal("recording not persisted")
	}
	if persisted.Stats.ChatMessagesCount != 3 {
		t.Errorf("persisted chat count = %d, want 3", persisted.Stats.ChatMessagesCount)
	}
	if persisted.StoppedAt == nil {
		t.Fatal("stopped_at not set")
	}
	want := int64(persisted.StoppedAt.Sub(persisted.StartedAt).Seconds())
	if persisted.Stats.Duration != want {
		t.Errorf("frozen duration = %d, want %d", persisted.Stats.Duration, want)
	}

	// Final artifacts staged on disk.
	for _, name := range []string{metadataFile, chatLogFile, activityFile, summaryFile} {
		if _, err := os.Stat(filepath.Join(rec.StagingPath, name)); err != nil {
			t.Errorf("missing staged artifact %s: %v", name, err)
		}
	}
	// Chunk landed in per-user per-type dir.
	entries, err := os.ReadDir(filepath.Join(rec.StagingPath, chunksDir, "u1", models.ChunkTypeVideo))
	if err != nil || len(entries) != 1 {
		t.Errorf("expected 1 staged chunk, got %d (err %v)", len(entries), err)
	}

	if _, ok := c.Status("sess-1"); ok {
		t.Error("entry should be gone after successful stop")
	}
	if _, err := c.Stop(context.Background(), "sess-1"); err != ErrNoActiveRecording {
		t.Errorf("expected ErrNoActiveRecording, got %v", err)
	}
}

func TestSaveChunk_FailedWriteNotCounted(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())
	if _, err := c.Start("sess-1", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, _ := c.Status("sess-1")

	// A regular file where the chunks dir should be makes every chunk write fail.
	if err := os.WriteFile(filepath.Join(status.StagingPath, chunksDir), []byte("x"), 0640); err != nil {
		t.Fatalf("block chunks dir: %v", err)
	}

	if c.SaveChunk("sess-1", "u1", []byte("frame"), models.ChunkTypeVideo) {
		t.Error("chunk save should report failure when staging is unwritable")
	}
	status, _ = c.Status("sess-1")
	if status.Stats.VideoChunks != 0 {
		t.Errorf("failed write must not bump the counter, got %d", status.Stats.VideoChunks)
	}
}

func TestActiveSessions(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())
	if got := c.ActiveSessions(); len(got) != 0 {
		t.Fatalf("expected no active sessions, got %v", got)
	}

	if _, err := c.Start("sess-1", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start sess-1: %v", err)
	}
	if _, err := c.Start("sess-2", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start sess-2: %v", err)
	}
	if got := c.ActiveSessions(); len(got) != 2 {
		t.Errorf("expected 2 active sessions, got %v", got)
	}

	if _, err := c.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := c.ActiveSessions()
	if len(got) != 1 || got[0] != "sess-2" {
		t.Errorf("expected only sess-2 active, got %v", got)
	}
}

func TestStop_PersistFailureRetainsEntry(t *testing.T) {
	store := newFakeStore()
	store.failCreate = true
	c := newTestCoordinator(t, store)
	if _, err := c.Start("sess-1", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.LogChatMessage("sess-1", "u1", "Student One", "keep me", "text")

	if _, err := c.Stop(context.Background(), "sess-1"); err == nil {
		t.Fatal("expected stop to fail when store is down")
	}

	// Entry survives with buffered data; status reports it active again.
	status, ok := c.Status("sess-1")
	if !ok {
		t.Fatal("entry dropped despite persist failure")
	}
	if status.Status != models.RecordingStatusRecording {
		t.Errorf("status = %s, want recording", status.Status)
	}
	if status.Stats.ChatMessagesCount != 1 {
		t.Errorf("buffered chat lost: count = %d", status.Stats.ChatMessagesCount)
	}

	// Retry once the store recovers.
	store.failCreate = false
	rec, err := c.Stop(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("retry stop: %v", err)
	}
	if rec.Stats.ChatMessagesCount != 1 {
		t.Errorf("persisted chat count = %d, want 1", rec.Stats.ChatMessagesCount)
	}
}

func TestActivityFold_TotalTime(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())
	if _, err := c.Start("sess-1", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start: %v", err)
	}

	c.LogParticipantActivity("sess-1", "u1", "Student One", "join", nil)
	c.LogParticipantActivity("sess-1", "u1", "Student One", "video_on", map[string]interface{}{"camera": "front"})
	c.LogParticipantActivity("sess-1", "u1", "Student One", "leave", nil)

	c.mu.Lock()
	a := c.active["sess-1"].activity["u1"]
	c.mu.Unlock()
	if len(a.Events) != 3 {
		t.Errorf("expected 3 events, got %d", len(a.Events))
	}
	if a.JoinedAt == nil || a.LeftAt == nil {
		t.Error("join/leave aggregates not populated")
	}
	if a.TotalTime < 0 {
		t.Errorf("negative total time: %d", a.TotalTime)
	}
}

func TestSnapshot_WritesMetadataPeriodically(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore())
	if _, err := c.Start("sess-1", uuid.New(), uuid.New(), models.RecordingTypeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, _ := c.Status("sess-1")

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		if _, err := os.Stat(filepath.Join(status.StagingPath, metadataFile)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("metadata snapshot never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	store := newFakeStore()
	c := newTestCoordinator(t, store)

	old := &models.Recording{ID: uuid.New(), SessionID: "old", LectureID: uuid.New(), StartedAt: time.Now().AddDate(0, 0, -40)}
	fresh := &models.Recording{ID: uuid.New(), SessionID: "fresh", LectureID: uuid.New(), StartedAt: time.Now().AddDate(0, 0, -2)}
	store.created[old.ID] = old
	store.created[fresh.ID] = fresh

	deleted, err := c.CleanupOlderThan(context.Background(), 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, ok := store.created[old.ID]; ok {
		t.Error("old recording not deleted")
	}
	if _, ok := store.created[fresh.ID]; !ok {
		t.Error("fresh recording should remain")
	}
}

func TestCleanupOlderThan_SkipsFailures(t *testing.T) {
	store := newFakeStore()
	c := newTestCoordinator(t, store)

	a := &models.Recording{ID: uuid.New(), SessionID: "a", StartedAt: time.Now().AddDate(0, 0, -40)}
	b := &models.Recording{ID: uuid.New(), SessionID: "b", StartedAt: time.Now().AddDate(0, 0, -40)}
	store.created[a.ID] = a
	store.created[b.ID] = b
	store.failDelete[a.ID] = true

	deleted, err := c.CleanupOlderThan(context.Background(), 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1 (one failure skipped)", deleted)
	}
}
