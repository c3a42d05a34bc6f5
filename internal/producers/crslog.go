package producers

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/model"
	"github.com/arkeep-io/crsagent/internal/upload"
)

// CRSLogMon uploads the agent's own rotated log files as CRS_LOG artifacts,
// independent of the runtime's own logging (vmlog.go).
type CRSLogMon struct {
	logger  logsink.Sink
	vmID    string
	uploads *upload.Service
}

// NewCRSLogMon creates a CRSLogMon.
func NewCRSLogMon(sink logsink.Sink, vmID string, uploads *upload.Service) *CRSLogMon {
	return &CRSLogMon{
		logger:  sink.WithTag("producers.crslog"),
		vmID:    vmID,
		uploads: uploads,
	}
}

// OnRotated enqueues the rotated log file at path for upload as a CRS_LOG
// artifact.
func (m *CRSLogMon) OnRotated(path string) {
	f, err := os.Open(path)
	if err != nil {
		m.logger.Warn("producers: opening rotated crs log", zap.String("path", path), zap.Error(err))
		return
	}

	chunk := model.VMArtifactChunk{
		StorageKey:  fmt.Sprintf("crs-log:%s", path),
		ArtifactIDs: nil,
		Metadata: map[string]any{
			"vmId": m.vmID,
			"type": model.ArtifactTypeCRSLog,
			"path": path,
		},
	}

	m.uploads.Post(upload.Job{Chunk: chunk, Writer: &logFileWriter{f: f, path: path, logger: m.logger}})
}

type logFileWriter struct {
	f      *os.File
	path   string
	logger logsink.Sink
}

func (w *logFileWriter) Read(p []byte) (int, error) { return w.f.Read(p) }

func (w *logFileWriter) OnFailure(err error) {
	w.logger.Warn("producers: crs log upload failed", zap.String("path", w.path), zap.Error(err))
}

func (w *logFileWriter) Close() error {
	return w.f.Close()
}
