// Package producers adapts native host callbacks (class-load, first-call,
// jar-load, vm-log, JFR chunk, agent-log) into model.VMEvents and hands them
// to events.Service or upload.Service. Each producer is intentionally thin:
// the decision of what to observe lives in the host, these types only shape
// and forward what they're told.
package producers

import (
	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/events"
	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/model"
)

// ClassSourceObserver is notified whenever a class is loaded from a
// classpath entry worth jar-analysis. JarLoadMon implements this; the
// dependency runs ClassLoadMon -> ClassSourceObserver instead of the other
// way around, which is what cuts the class-load/jar-load cycle described in
// spec §9.
type ClassSourceObserver interface {
	Observed(source string)
}

// ClassLoadPayload is the VM_CLASS_LOADED event payload.
type ClassLoadPayload struct {
	ClassName string `json:"className"`
	Source    string `json:"source"`
}

// ClassLoadMon turns class-load callbacks into VM_CLASS_LOADED events and
// notifies a ClassSourceObserver for any classpath entry seen, without
// knowing anything about jar analysis itself.
type ClassLoadMon struct {
	logger   logsink.Sink
	vmID     string
	events   *events.Service
	observer ClassSourceObserver
}

// NewClassLoadMon creates a ClassLoadMon. observer may be nil if jar
// discovery is disabled.
func NewClassLoadMon(sink logsink.Sink, vmID string, svc *events.Service, observer ClassSourceObserver) *ClassLoadMon {
	return &ClassLoadMon{
		logger:   sink.WithTag("producers.classload"),
		vmID:     vmID,
		events:   svc,
		observer: observer,
	}
}

// OnClassLoad handles one class-load callback (event type id 0, §6).
func (m *ClassLoadMon) OnClassLoad(className, source string) {
	ev, err := model.NewEvent(m.vmID, model.EventTypeClassLoaded, ClassLoadPayload{
		ClassName: className,
		Source:    source,
	})
	if err != nil {
		m.logger.Warn("producers: building class-load event", zap.Error(err))
		return
	}
	m.events.Add(ev)

	if m.observer != nil && source != "" {
		m.observer.Observed(source)
	}
}
