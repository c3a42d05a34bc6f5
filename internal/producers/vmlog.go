package producers

import (
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/events"
	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/model"
)

// VMLogPayload is the VM_LOG_ENTRY event payload.
type VMLogPayload struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// VMLogMon turns runtime log-entry callbacks (event type id 2, §6) into
// VM_LOG_ENTRY events.
type VMLogMon struct {
	logger logsink.Sink
	vmID   string
	events *events.Service
}

// NewVMLogMon creates a VMLogMon.
func NewVMLogMon(sink logsink.Sink, vmID string, svc *events.Service) *VMLogMon {
	return &VMLogMon{
		logger: sink.WithTag("producers.vmlog"),
		vmID:   vmID,
		events: svc,
	}
}

// OnLogEntry handles one vm-log-entry callback.
func (m *VMLogMon) OnLogEntry(level, message string) {
	ev, err := model.NewEvent(m.vmID, model.EventTypeLogEntry, VMLogPayload{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		m.logger.Warn("producers: building vm-log event", zap.Error(err))
		return
	}
	m.events.Add(ev)
}
