package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/edulive/backend/internal/models"
	"github.com/edulive/backend/internal/recording"
	"github.com/edulive/backend/pkg/queue"
	"github.com/edulive/backend/pkg/storage"
)

// ArchiveProcessor processes archive upload jobs: walk the recording's
// staging directory, upload every staged file to S3, update DB, then drop
// the staging directory.
type ArchiveProcessor struct {
	recRepo *recording.Repository
	s3      *storage.S3
	queue   *queue.Queue
	logger  *zap.Logger
}

// NewArchiveProcessor creates an archive upload processor.
func NewArchiveProcessor(recRepo *recording.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{recRepo: recRepo, s3: s3, queue: q, logger: logger}
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Process executes one archive upload job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchiveUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.recRepo.GetByID(ctx, payload.RecordingID)
	if err != nil || rec == nil {
		return fmt.Errorf("recording not found: %s", payload.RecordingID)
	}
	if rec.Status == models.RecordingStatusArchived {
		p.logger.Info("recording already archived", zap.String("recording_id", rec.ID.String()))
		return nil
	}

	var totalSize int64
	err = filepath.WalkDir(payload.StagingPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(payload.StagingPath, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		key := storage.ArchiveKey(payload.LectureID.String(), payload.RecordingID.String(), filepath.ToSlash(rel))
		if _, err := p.s3.Upload(ctx, p.s3.RecordingsBucket(), key, contentTypeFor(rel), f, info.Size()); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive staging dir: %w", err)
	}

	prefix := storage.ArchivePrefix(payload.LectureID.String(), payload.RecordingID.String())
	archiveURL := p.s3.ObjectURL(p.s3.RecordingsBucket(), prefix)
	if err := p.recRepo.UpdateArchiveResult(ctx, payload.RecordingID, archiveURL, prefix, totalSize); err != nil {
		p.logger.Error("update archive result failed", zap.Error(err), zap.String("recording_id", payload.RecordingID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	// Staging is disposable once the archive is durable.
	if err := os.RemoveAll(payload.StagingPath); err != nil {
		p.logger.Warn("staging cleanup failed", zap.String("path", payload.StagingPath), zap.Error(err))
	}

	p.logger.Info("archive upload completed",
		zap.String("recording_id", payload.RecordingID.String()),
		zap.String("s3_prefix", prefix),
		zap.Int64("bytes", totalSize))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
