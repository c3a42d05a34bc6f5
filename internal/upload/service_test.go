package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/metrics"
	"github.com/arkeep-io/crsagent/internal/model"
)

type fakeSender struct {
	mu    sync.Mutex
	chunks []model.VMArtifactChunk
	bodies [][]byte
	err   error
}

func (f *fakeSender) SendArtifactChunk(ctx context.Context, chunk model.VMArtifactChunk, data io.Reader) error {
	body, _ := io.ReadAll(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, chunk)
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeWriter struct {
	r         io.Reader
	closed    bool
	failed    error
}

func (w *fakeWriter) Read(p []byte) (int, error) { return w.r.Read(p) }
func (w *fakeWriter) OnFailure(err error)         { w.failed = err }
func (w *fakeWriter) Close() error                { w.closed = true; return nil }

func TestServiceUploadsQueuedJob(t *testing.T) {
	sender := &fakeSender{}
	perf := metrics.New()
	svc := New(zap.NewNop(), sender, perf)

	ctx, cancel := context.WithCancel(t.Context())
	go svc.Run(ctx)
	defer cancel()

	w := &fakeWriter{r: bytes.NewReader([]byte("payload-bytes"))}
	svc.Post(Job{Chunk: model.VMArtifactChunk{StorageKey: "k"}, Writer: w})

	svc.Sync(lifecycle.NewDeadline(time.Second))

	if !w.closed {
		t.Fatal("Writer was not closed after a successful upload")
	}
	if len(sender.bodies) != 1 || string(sender.bodies[0]) != "payload-bytes" {
		t.Fatalf("sender received %v, want one payload-bytes body", sender.bodies)
	}
	if got := perf.Snapshot().ChunksUploaded; got != 1 {
		t.Fatalf("ChunksUploaded = %d, want 1", got)
	}
}

func TestServiceInvokesOnFailureOnSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("network down")}
	svc := New(zap.NewNop(), sender, nil)

	ctx, cancel := context.WithCancel(t.Context())
	go svc.Run(ctx)
	defer cancel()

	w := &fakeWriter{r: bytes.NewReader([]byte("x"))}
	svc.Post(Job{Chunk: model.VMArtifactChunk{StorageKey: "k"}, Writer: w})

	svc.Sync(lifecycle.NewDeadline(time.Second))

	if w.failed == nil {
		t.Fatal("OnFailure was not called after a failed upload")
	}
	if !w.closed {
		t.Fatal("Writer should still be closed after a failed upload")
	}
}

func TestStoreLargeEventReturnsArtifactID(t *testing.T) {
	sender := &fakeSender{}
	svc := New(zap.NewNop(), sender, nil)

	id, err := svc.StoreLargeEvent(t.Context(), "vm-1", []byte("large-payload"))
	if err != nil {
		t.Fatalf("StoreLargeEvent: %v", err)
	}
	if id == "" {
		t.Fatal("StoreLargeEvent returned an empty artifact id")
	}
	if len(sender.chunks) != 1 || len(sender.chunks[0].ArtifactIDs) != 1 || sender.chunks[0].ArtifactIDs[0] != id {
		t.Fatalf("sender chunk %+v does not reference the returned artifact id", sender.chunks)
	}
}
