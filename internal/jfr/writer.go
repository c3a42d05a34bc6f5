package jfr

import (
	"os"

	"go.uber.org/zap"
)

// chunkFileWriter streams a JFR chunk file's bytes to the upload service and
// releases the chunk lock when the writer is closed — regardless of whether
// the upload succeeded (spec §4.6 step 4: a failed upload does not retry at
// this layer, it only releases the lock).
type chunkFileWriter struct {
	path   string
	f      *os.File
	locker ChunkLocker
	logger *zap.Logger
}

func newChunkFileWriter(path string, locker ChunkLocker, logger *zap.Logger) (*chunkFileWriter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &chunkFileWriter{path: path, f: f, locker: locker, logger: logger}, nil
}

func (w *chunkFileWriter) Read(p []byte) (int, error) {
	return w.f.Read(p)
}

// OnFailure is called by upload.Service when sendArtifactChunk fails. No
// retry happens at this layer — the chunk is simply released so the server
// notices the missing sequence number (spec §4.6).
func (w *chunkFileWriter) OnFailure(err error) {
	w.logger.Warn("jfr: chunk upload failed, releasing lock", zap.String("path", w.path), zap.Error(err))
}

func (w *chunkFileWriter) Close() error {
	err := w.f.Close()
	if releaseErr := w.locker.ReleaseChunk(w.path); releaseErr != nil {
		w.logger.Warn("jfr: failed to release chunk lock", zap.String("path", w.path), zap.Error(releaseErr))
	}
	return err
}
