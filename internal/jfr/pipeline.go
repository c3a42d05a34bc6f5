// Package jfr implements the flight-recorder chunk pipeline described in
// spec §4.6: each reported chunk is locked against deletion, mapped to the
// recordings that reference it, enqueued for upload, and released once the
// upload attempt completes.
package jfr

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/model"
	"github.com/arkeep-io/crsagent/internal/upload"
)

// ChunkLocker locks a repository chunk against deletion and releases it,
// via the native host adapter's useRepositoryChunk call.
type ChunkLocker interface {
	LockChunk(path string) error
	ReleaseChunk(path string) error
}

// RecordingIndex maps a chunk path to the set of recording ids currently
// containing it, and each recording id to its server-assigned artifact id.
type RecordingIndex interface {
	RecordingsContaining(path string, excluding string) []string
	ArtifactID(recordingID string) (string, bool)
}

// ChunkReport is one "nextChunk" callback from the runtime.
type ChunkReport struct {
	Path        string
	StartTime   time.Time
	EndTime     time.Time
	Size        int64
	RecordingID string
}

// Pipeline processes ChunkReports into uploaded VMArtifactChunks.
type Pipeline struct {
	logger  *zap.Logger
	locker  ChunkLocker
	index   RecordingIndex
	uploads *upload.Service

	seqMu sync.Mutex
	seq   int64
}

// New creates a Pipeline.
func New(logger *zap.Logger, locker ChunkLocker, index RecordingIndex, uploads *upload.Service) *Pipeline {
	return &Pipeline{
		logger:  logger.Named("jfr"),
		locker:  locker,
		index:   index,
		uploads: uploads,
	}
}

// NextChunk processes one reported chunk per spec §4.6's four steps.
func (p *Pipeline) NextChunk(report ChunkReport) error {
	if err := p.locker.LockChunk(report.Path); err != nil {
		return fmt.Errorf("jfr: locking chunk %q: %w", report.Path, err)
	}

	recordings := p.index.RecordingsContaining(report.Path, report.RecordingID)
	artifactIDs := make([]string, 0, len(recordings)+1)
	if id, ok := p.index.ArtifactID(report.RecordingID); ok {
		artifactIDs = append(artifactIDs, id)
	}
	for _, rec := range recordings {
		if id, ok := p.index.ArtifactID(rec); ok {
			artifactIDs = append(artifactIDs, id)
		}
	}

	sequenceNumber := p.nextSequence()

	chunk := model.VMArtifactChunk{
		StorageKey:  fmt.Sprintf("jfr:%s:%d", report.RecordingID, sequenceNumber),
		ArtifactIDs: artifactIDs,
		Metadata: map[string]any{
			"startTime":      report.StartTime.UnixMilli(),
			"endTime":        report.EndTime.UnixMilli(),
			"size":           report.Size,
			"path":           report.Path,
			"sequenceNumber": sequenceNumber,
		},
	}

	writer, err := newChunkFileWriter(report.Path, p.locker, p.logger)
	if err != nil {
		p.locker.ReleaseChunk(report.Path)
		return fmt.Errorf("jfr: opening chunk file %q: %w", report.Path, err)
	}

	p.uploads.Post(upload.Job{Chunk: chunk, Writer: writer})
	return nil
}

func (p *Pipeline) nextSequence() int64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq++
	return p.seq
}
