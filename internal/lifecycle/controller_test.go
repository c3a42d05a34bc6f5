package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeDrainable struct {
	name    string
	stopped chan struct{}
	err     error
	delay   time.Duration
}

func newFakeDrainable(name string) *fakeDrainable {
	return &fakeDrainable{name: name, stopped: make(chan struct{})}
}

func (f *fakeDrainable) Name() string { return f.name }

func (f *fakeDrainable) Stop(deadline Deadline) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	close(f.stopped)
	return f.err
}

func TestControllerShutdownDrainsRegisteredServices(t *testing.T) {
	c := New(zap.NewNop())
	c.Start()
	c.Authenticated()

	a := newFakeDrainable("a")
	b := newFakeDrainable("b")
	c.Register(a)
	c.Register(b)

	if err := c.Shutdown(NewDeadline(time.Second)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-a.stopped:
	default:
		t.Error("service a was not stopped")
	}
	select {
	case <-b.stopped:
	default:
		t.Error("service b was not stopped")
	}

	if got := c.State(); got != StateTerminated {
		t.Fatalf("State: got %v, want %v", got, StateTerminated)
	}
}

func TestControllerShutdownBeforeAuthenticationDiscards(t *testing.T) {
	c := New(zap.NewNop())
	c.Start()

	if err := c.Shutdown(NewDeadline(time.Second)); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("Shutdown: got %v, want ErrDiscarded", err)
	}
	if got := c.State(); got != StateDiscarded {
		t.Fatalf("State: got %v, want %v", got, StateDiscarded)
	}
}

func TestControllerShutdownCombinesServiceErrors(t *testing.T) {
	c := New(zap.NewNop())
	c.Start()
	c.Authenticated()

	failing := newFakeDrainable("failing")
	failing.err = errors.New("boom")
	c.Register(failing)

	err := c.Shutdown(NewDeadline(time.Second))
	if err == nil {
		t.Fatal("Shutdown: expected combined error, got nil")
	}
}

func TestAuthenticatedNoopAfterDiscarded(t *testing.T) {
	c := New(zap.NewNop())
	c.Start()
	_ = c.Shutdown(NewDeadline(time.Second))

	c.Authenticated()
	if got := c.State(); got != StateDiscarded {
		t.Fatalf("State: got %v, want %v (Authenticated should be a no-op)", got, StateDiscarded)
	}
}

func TestHardStopRespectsDeadlineAndContext(t *testing.T) {
	d := NewDeadline(5 * time.Millisecond)
	ctx, cancel := d.Context(t.Context())
	defer cancel()

	stop := HardStop(ctx, d)
	time.Sleep(10 * time.Millisecond)
	if !stop() {
		t.Fatal("HardStop: expected true once deadline expired")
	}
}

func TestStopAllRunsServicesConcurrently(t *testing.T) {
	const n = 5
	var wg sync.WaitGroup
	services := make([]Drainable, n)
	for i := range services {
		f := newFakeDrainable("svc")
		f.delay = 20 * time.Millisecond
		services[i] = f
	}

	start := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = stopAll(services, NewDeadline(time.Second), zap.NewNop())
	}()
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("stopAll took %v, services should drain concurrently", elapsed)
	}
}
