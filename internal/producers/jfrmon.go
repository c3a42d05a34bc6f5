package producers

import (
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/jfr"
	"github.com/arkeep-io/crsagent/internal/logsink"
)

// JFRMon relays the host's flight-recorder "next chunk ready" callback into
// the chunk pipeline.
type JFRMon struct {
	logger   logsink.Sink
	pipeline *jfr.Pipeline
}

// NewJFRMon creates a JFRMon.
func NewJFRMon(sink logsink.Sink, pipeline *jfr.Pipeline) *JFRMon {
	return &JFRMon{
		logger:   sink.WithTag("producers.jfr"),
		pipeline: pipeline,
	}
}

// OnNextChunk handles one nextChunk callback describing a completed
// repository chunk ready for upload.
func (m *JFRMon) OnNextChunk(path, recordingID string, startTime, endTime time.Time, size int64) {
	report := jfr.ChunkReport{
		Path:        path,
		StartTime:   startTime,
		EndTime:     endTime,
		Size:        size,
		RecordingID: recordingID,
	}
	if err := m.pipeline.NextChunk(report); err != nil {
		m.logger.Warn("producers: jfr chunk handling failed", zap.String("path", path), zap.Error(err))
	}
}
