package producers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/events"
	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/model"
)

type capturingSender struct {
	mu   sync.Mutex
	seen []model.VMEvent
}

func (c *capturingSender) SendEventBatch(ctx context.Context, evs []model.VMEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, evs...)
	return nil
}

func (c *capturingSender) events() []model.VMEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.VMEvent(nil), c.seen...)
}

func newTestEventService(t *testing.T) (*events.Service, *capturingSender, func()) {
	t.Helper()
	sender := &capturingSender{}
	svc := events.New(zap.NewNop(), sender, json.Marshal, nil)

	ctx, cancel := context.WithCancel(t.Context())
	go svc.Run(ctx)

	return svc, sender, cancel
}

type recordingObserver struct {
	mu      sync.Mutex
	sources []string
}

func (r *recordingObserver) Observed(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

func TestClassLoadMonEmitsEventAndNotifiesObserver(t *testing.T) {
	svc, sender, cancel := newTestEventService(t)
	defer cancel()

	obs := &recordingObserver{}
	mon := NewClassLoadMon(logsink.New(zap.NewNop()), "vm-1", svc, obs)

	mon.OnClassLoad("com.example.Foo", "file:///lib/a.jar")
	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(time.Second))

	evs := sender.events()
	if len(evs) != 1 || evs[0].EventType != model.EventTypeClassLoaded {
		t.Fatalf("sender received %v, want one VM_CLASS_LOADED event", evs)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.sources) != 1 || obs.sources[0] != "file:///lib/a.jar" {
		t.Fatalf("observer saw %v, want [file:///lib/a.jar]", obs.sources)
	}
}

func TestClassLoadMonSkipsObserverWithoutSource(t *testing.T) {
	svc, _, cancel := newTestEventService(t)
	defer cancel()

	obs := &recordingObserver{}
	mon := NewClassLoadMon(logsink.New(zap.NewNop()), "vm-1", svc, obs)

	mon.OnClassLoad("com.example.Foo", "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.sources) != 0 {
		t.Fatalf("observer should not be notified for an empty source, got %v", obs.sources)
	}
}

func TestClassLoadMonToleratesNilObserver(t *testing.T) {
	svc, _, cancel := newTestEventService(t)
	defer cancel()

	mon := NewClassLoadMon(logsink.New(zap.NewNop()), "vm-1", svc, nil)
	mon.OnClassLoad("com.example.Foo", "file:///lib/a.jar")
}

func TestFirstCallMonFiresOnlyOnce(t *testing.T) {
	svc, sender, cancel := newTestEventService(t)
	defer cancel()

	mon := NewFirstCallMon(logsink.New(zap.NewNop()), "vm-1", svc)

	mon.OnFirstCall("com.example.Main.main")
	mon.OnFirstCall("com.example.Other.run")

	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(time.Second))

	evs := sender.events()
	if len(evs) != 1 {
		t.Fatalf("sender received %d events, want exactly 1 (first-call race guard)", len(evs))
	}
	payload, ok := evs[0].Payload.(FirstCallPayload)
	if !ok {
		t.Fatalf("payload type = %T, want FirstCallPayload", evs[0].Payload)
	}
	if payload.FullyQualifiedMethod != "com.example.Main.main" {
		t.Fatalf("recorded method = %q, want the first-observed name", payload.FullyQualifiedMethod)
	}
}

func TestFirstCallMonConcurrentCallsPickOneWinner(t *testing.T) {
	svc, sender, cancel := newTestEventService(t)
	defer cancel()

	mon := NewFirstCallMon(logsink.New(zap.NewNop()), "vm-1", svc)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			mon.OnFirstCall("method")
		}(i)
	}
	wg.Wait()

	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(time.Second))

	if got := len(sender.events()); got != 1 {
		t.Fatalf("sender received %d events under concurrent first calls, want exactly 1", got)
	}
}

func TestVMLogMonEmitsLogEntryEvent(t *testing.T) {
	svc, sender, cancel := newTestEventService(t)
	defer cancel()

	mon := NewVMLogMon(logsink.New(zap.NewNop()), "vm-1", svc)
	mon.OnLogEntry("WARN", "disk nearly full")

	svc.WaitAllEventsProcessed(lifecycle.NewDeadline(time.Second))

	evs := sender.events()
	if len(evs) != 1 || evs[0].EventType != model.EventTypeLogEntry {
		t.Fatalf("sender received %v, want one VM_LOG_ENTRY event", evs)
	}
	payload, ok := evs[0].Payload.(VMLogPayload)
	if !ok || payload.Level != "WARN" || payload.Message != "disk nearly full" {
		t.Fatalf("payload = %+v", evs[0].Payload)
	}
}
