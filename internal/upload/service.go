// Package upload implements the UploadService described in spec §4.3: a
// single-worker FIFO queue that transfers large opaque blobs (log tails,
// JFR chunks, jar files, oversized events) via the ConnectionManager.
//
// Grounded on the same single-worker queue shape as internal/events and the
// teacher's executor, here carrying one Job per queue slot instead of a
// batch.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/metrics"
	"github.com/arkeep-io/crsagent/internal/model"
)

// maxQueueSize bounds the number of pending upload jobs.
const maxQueueSize = 1000

// Sender is the subset of *connection.Manager the service depends on.
type Sender interface {
	SendArtifactChunk(ctx context.Context, chunk model.VMArtifactChunk, data io.Reader) error
}

// Writer supplies the bytes for a Job and is notified if the upload fails so
// it can release external resources (e.g. a locked JFR chunk, spec §4.6).
type Writer interface {
	io.Reader
	OnFailure(err error)
	Close() error
}

// Job is one enqueued upload.
type Job struct {
	Chunk  model.VMArtifactChunk
	Writer Writer
}

// Service is the UploadService.
type Service struct {
	logger *zap.Logger
	sender Sender
	perf   *metrics.PerformanceMetrics

	queue chan Job

	mu      sync.Mutex
	pending int
	idle    *sync.Cond
}

// New creates a Service. Call Run in a goroutine to start draining. perf may
// be nil, in which case throughput is simply not recorded.
func New(logger *zap.Logger, sender Sender, perf *metrics.PerformanceMetrics) *Service {
	s := &Service{
		logger: logger.Named("upload"),
		sender: sender,
		perf:   perf,
		queue:  make(chan Job, maxQueueSize),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Name implements lifecycle.Drainable.
func (s *Service) Name() string { return "upload" }

// Post enqueues a Job. Blocks only if the queue is momentarily full — back-
// pressure is expected to come from the caller-side locked-chunk mechanism
// (spec §4.3), not from Post itself.
func (s *Service) Post(job Job) {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	s.queue <- job
}

// Run services jobs in FIFO order until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.process(ctx, job)
		}
	}
}

func (s *Service) process(ctx context.Context, job Job) {
	defer func() {
		s.mu.Lock()
		s.pending--
		if s.pending == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}()
	defer job.Writer.Close()

	counted := &countingReader{r: job.Writer}
	if err := s.sender.SendArtifactChunk(ctx, job.Chunk, counted); err != nil {
		s.logger.Warn("upload: chunk send failed", zap.Strings("artifactIds", job.Chunk.ArtifactIDs), zap.Error(err))
		job.Writer.OnFailure(err)
		return
	}
	if s.perf != nil {
		s.perf.ChunkUploaded()
		s.perf.BytesUploaded(counted.n)
	}
}

// countingReader tallies bytes read so the service can report upload
// throughput without every Writer implementation tracking it itself.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// StoreLargeEvent uploads an oversized serialized event payload as a
// LARGE_VM_EVENT artifact out of band (spec §4.5.3) and returns the artifact
// id it was filed under. Unlike Post, this bypasses the queue: the jar
// analyzer needs the artifact id synchronously to build its short reference
// event, so the upload happens on the caller's goroutine.
func (s *Service) StoreLargeEvent(ctx context.Context, vmID string, payload []byte) (string, error) {
	artifactID := uuid.NewString()
	chunk := model.VMArtifactChunk{
		StorageKey:  fmt.Sprintf("large-event:%s", artifactID),
		ArtifactIDs: []string{artifactID},
		Metadata: map[string]any{
			"vmId": vmID,
			"type": model.ArtifactTypeLargeVMEvent,
		},
	}
	if err := s.sender.SendArtifactChunk(ctx, chunk, bytes.NewReader(payload)); err != nil {
		return "", fmt.Errorf("upload: storing large event: %w", err)
	}
	return artifactID, nil
}

// Sync blocks until the current queue is drained (spec §4.3).
func (s *Service) Sync(deadline lifecycle.Deadline) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.pending > 0 {
			s.idle.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	ctx, cancel := deadline.Context(context.Background())
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop implements lifecycle.Drainable: it waits for the queue to drain up to
// deadline, then returns regardless of outstanding work (spec §4.7).
func (s *Service) Stop(deadline lifecycle.Deadline) error {
	s.Sync(deadline)
	return nil
}
