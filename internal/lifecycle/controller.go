package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is one node of the agent's lifecycle state machine (spec §4.7).
type State string

const (
	StateCreated   State = "CREATED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateDraining  State = "DRAINING"
	StateTerminated State = "TERMINATED"
	StateDiscarded  State = "DISCARDED"
)

// ErrDiscarded is returned by Shutdown when it is called before the agent
// ever reached RUNNING — there is nothing to drain.
var ErrDiscarded = errors.New("lifecycle: agent discarded before authentication")

// Drainable is implemented by every background service the controller
// supervises. Stop must honor the given Deadline: stop accepting new work
// immediately, drain up to the deadline, then release external resources
// regardless of whether the drain completed.
type Drainable interface {
	// Name identifies the service in log lines and error wrapping.
	Name() string
	// Stop drains the service's queue up to deadline and returns any error
	// encountered releasing resources. It must never block past deadline.
	Stop(deadline Deadline) error
}

// Controller owns the agent's lifecycle state and coordinates graceful
// shutdown across every registered Drainable service.
type Controller struct {
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	services []Drainable
}

// New creates a Controller in the CREATED state.
func New(logger *zap.Logger) *Controller {
	return &Controller{
		logger: logger.Named("lifecycle"),
		state:  StateCreated,
	}
}

// Register adds a service to the shutdown sequence. Services are stopped in
// registration order; call Register before Start transitions to RUNNING.
func (c *Controller) Register(s Drainable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = append(c.services, s)
}

// Start transitions CREATED -> STARTING. Call Authenticated once the
// connection manager has a valid token and vmId to complete the transition
// to RUNNING.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCreated {
		c.state = StateStarting
	}
}

// Authenticated transitions STARTING -> RUNNING. It is a no-op if the agent
// has already been discarded or shut down.
func (c *Controller) Authenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarting {
		c.state = StateRunning
		c.logger.Info("lifecycle transition", zap.String("state", string(c.state)))
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown drains every registered service against deadline and transitions
// to TERMINATED (or DISCARDED if the agent never authenticated). It returns
// no later than deadline plus the small overhead of the final bookkeeping —
// each Drainable is responsible for honoring the deadline internally.
//
// Services are stopped concurrently: the deadline is a budget shared by all
// of them, not a sum, so one slow drain must not starve the others.
func (c *Controller) Shutdown(deadline Deadline) error {
	c.mu.Lock()
	if c.state == StateCreated || c.state == StateStarting {
		c.state = StateDiscarded
		services := c.services
		c.mu.Unlock()
		stopAll(services, deadline, c.logger)
		return ErrDiscarded
	}
	c.state = StateDraining
	services := c.services
	c.mu.Unlock()

	c.logger.Info("shutdown started", zap.Duration("budget", deadline.Remaining()))

	err := stopAll(services, deadline, c.logger)

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()

	c.logger.Info("shutdown complete")
	return err
}

func stopAll(services []Drainable, deadline Deadline, logger *zap.Logger) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for _, svc := range services {
		wg.Add(1)
		go func(svc Drainable) {
			defer wg.Done()
			if err := svc.Stop(deadline); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				logger.Warn("service stop returned error", zap.String("service", svc.Name()), zap.Error(err))
			}
		}(svc)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline.Remaining() + 250*time.Millisecond):
		// Hard-stop: services had their own deadline-aware Stop and should
		// have returned by now. This bound exists only to guarantee this
		// function itself never blocks unboundedly on a buggy Drainable.
		logger.Warn("hard-stop: one or more services did not return within the shutdown budget")
	}

	return errs
}

// HardStop returns a predicate that reports true once deadline has expired
// or ctx is done. It fits analyzer.Request.HardStop, which the jar analyzer
// checks once per archive entry; the central directory search does not
// check it.
func HardStop(ctx context.Context, deadline Deadline) func() bool {
	return func() bool {
		if deadline.Expired() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}
