package producers

import (
	"context"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/events"
	"github.com/arkeep-io/crsagent/internal/jar/analyzer"
	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/model"
)

// JarLoadMon implements ClassSourceObserver and runs the jar analyzer on
// every distinct classpath entry it is told about, forwarding the resulting
// VM_JAR_LOADED (and any recursively-discovered) events to the EventService.
type JarLoadMon struct {
	logger   logsink.Sink
	vmID     string
	analyzer *analyzer.Analyzer
	events   *events.Service

	withDetails          bool
	serverRequestEnabled bool
}

// NewJarLoadMon creates a JarLoadMon. withDetails and serverRequestEnabled
// mirror the corresponding analyzer.Request fields and are applied to every
// analysis this monitor initiates.
func NewJarLoadMon(sink logsink.Sink, vmID string, a *analyzer.Analyzer, svc *events.Service, withDetails, serverRequestEnabled bool) *JarLoadMon {
	return &JarLoadMon{
		logger:               sink.WithTag("producers.jarload"),
		vmID:                 vmID,
		analyzer:             a,
		events:               svc,
		withDetails:          withDetails,
		serverRequestEnabled: serverRequestEnabled,
	}
}

// Observed implements ClassSourceObserver. It runs the jar analysis
// asynchronously so class-loading is never blocked on a disk scan, and
// forwards every event the analysis produces (including nested-jar events)
// to the EventService.
func (m *JarLoadMon) Observed(source string) {
	go m.analyze(source, model.InitiatedByClassLoading, 0)
}

// OnServerRequest reruns analysis for a jar the server asked for in more
// detail (spec §4.4/§4.5.3), always with withDetails forced on.
func (m *JarLoadMon) OnServerRequest(source string) {
	req := analyzer.Request{
		VMID:                 m.vmID,
		URL:                  source,
		InitiatedBy:          model.InitiatedByServerRequest,
		WithDetails:          true,
		ServerRequestEnabled: m.serverRequestEnabled,
	}
	m.run(req)
}

func (m *JarLoadMon) analyze(source string, initiatedBy model.InitiatedBy, recursionDepth int) {
	req := analyzer.Request{
		VMID:                 m.vmID,
		URL:                  source,
		InitiatedBy:          initiatedBy,
		RecursionDepth:       recursionDepth,
		WithDetails:          m.withDetails,
		ServerRequestEnabled: m.serverRequestEnabled,
	}
	m.run(req)
}

func (m *JarLoadMon) run(req analyzer.Request) {
	evs, _, err := m.analyzer.Analyze(context.Background(), req.URL, req)
	if err != nil {
		m.logger.Warn("producers: jar analysis failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	for _, ev := range evs {
		m.events.Add(ev)
	}
}
