package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/connection"
	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/model"
)

var errSendFailed = errors.New("send failed")

type fakeSender struct {
	mu    sync.Mutex
	batches [][]model.VMEvent
	err   error
}

func (f *fakeSender) SendEventBatch(ctx context.Context, evs []model.VMEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := append([]model.VMEvent(nil), evs...)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestEvent(t *testing.T, vmID string) model.VMEvent {
	t.Helper()
	ev, err := model.NewEvent(vmID, model.EventTypeLogEntry, "hello")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestServiceDeliversEnqueuedEvents(t *testing.T) {
	sender := &fakeSender{}
	svc := New(zap.NewNop(), sender, json.Marshal, nil)

	ctx, cancel := context.WithCancel(t.Context())
	go svc.Run(ctx)

	for i := 0; i < 10; i++ {
		svc.Add(newTestEvent(t, "vm-1"))
	}

	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(time.Second))
	cancel()

	if got := sender.count(); got != 10 {
		t.Fatalf("sender received %d events, want 10", got)
	}
}

func TestServiceDropsOversizedEvent(t *testing.T) {
	sender := &fakeSender{}
	svc := New(zap.NewNop(), sender, json.Marshal, nil)

	huge := model.VMEvent{
		EventID:   "oversized",
		EventType: model.EventTypeLogEntry,
		VMID:      "vm-1",
		Payload:   strings.Repeat("x", connection.MaxRequestBytes+1),
	}
	svc.Add(huge)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go svc.Run(ctx)

	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(50 * time.Millisecond))

	if got := sender.count(); got != 0 {
		t.Fatalf("sender received %d events, want 0 (oversized event should be dropped)", got)
	}
}

func TestServiceKeepsFailedBatchInFlightThenDeliversOnRetry(t *testing.T) {
	sender := &fakeSender{}
	sender.setErr(errSendFailed)
	svc := New(zap.NewNop(), sender, json.Marshal, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go svc.Run(ctx)

	svc.Add(newTestEvent(t, "vm-1"))

	// The sender is failing every send, so the event must never be marked
	// processed: WaitAllEventsProcessed should time out rather than return
	// early, and nothing should have reached the sender.
	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(50 * time.Millisecond))
	if got := sender.count(); got != 0 {
		t.Fatalf("sender received %d events while failing, want 0", got)
	}

	// Once the sender recovers, the requeued event must still be delivered
	// and the in-flight counter must reach zero.
	sender.setErr(nil)
	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(time.Second))
	if got := sender.count(); got != 1 {
		t.Fatalf("sender received %d events after recovery, want 1", got)
	}
}

func TestServiceDropsWhenQueueFull(t *testing.T) {
	sender := &fakeSender{}
	svc := New(zap.NewNop(), sender, json.Marshal, nil)

	// Fill the queue without a running Run worker so every slot stays occupied.
	for i := 0; i < maxQueueSize; i++ {
		svc.Add(newTestEvent(t, "vm-1"))
	}
	// One more must be dropped rather than block.
	done := make(chan struct{})
	go func() {
		svc.Add(newTestEvent(t, "vm-1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Add blocked instead of dropping on a full queue")
	}
}
