package producers

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/events"
	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/model"
)

// FirstCallPayload is the VM_FIRST_CALL event payload.
type FirstCallPayload struct {
	FullyQualifiedMethod string `json:"fullyQualifiedMethod"`
}

// FirstCallMon emits exactly one VM_FIRST_CALL event per process. The
// native host's to-java-call path has a documented race where concurrent
// threads may each report a different "first called" method name; this
// producer resolves it with a single compare-and-swap, per §9 — the first
// observed name wins and every later call is silently dropped.
type FirstCallMon struct {
	logger logsink.Sink
	vmID   string
	events *events.Service

	fired atomic.Bool
}

// NewFirstCallMon creates a FirstCallMon.
func NewFirstCallMon(sink logsink.Sink, vmID string, svc *events.Service) *FirstCallMon {
	return &FirstCallMon{
		logger: sink.WithTag("producers.firstcall"),
		vmID:   vmID,
		events: svc,
	}
}

// OnFirstCall handles one to-java-call callback (event type id -98, §6).
// Only the first invocation across the process lifetime produces an event.
func (m *FirstCallMon) OnFirstCall(fullyQualifiedMethod string) {
	if !m.fired.CompareAndSwap(false, true) {
		return
	}

	ev, err := model.NewEvent(m.vmID, model.EventTypeFirstCall, FirstCallPayload{
		FullyQualifiedMethod: fullyQualifiedMethod,
	})
	if err != nil {
		m.logger.Warn("producers: building first-call event", zap.Error(err))
		return
	}
	m.events.Add(ev)
}
