// Package main is the entry point for the crsagent binary. It wires every
// internal package together and drives the agent through its lifecycle.
//
// Startup sequence:
//  1. Parse CLI flags / AZ_CRS_ARGUMENTS (internal/config)
//  2. Build the logger (internal/logsink)
//  3. Construct the ConnectionManager, EventService, UploadService,
//     ServerRequestService, JarAnalyzer, JFR pipeline and host adapter
//  4. Register each as a Drainable with the LifecycleController
//  5. Start the connection loop and accept host-adapter callbacks
//  6. Block until SIGINT/SIGTERM, then drain everything against the
//     configured shutdown deadline
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/config"
	"github.com/arkeep-io/crsagent/internal/connection"
	"github.com/arkeep-io/crsagent/internal/cookie"
	"github.com/arkeep-io/crsagent/internal/events"
	"github.com/arkeep-io/crsagent/internal/hostadapter"
	"github.com/arkeep-io/crsagent/internal/inventory"
	"github.com/arkeep-io/crsagent/internal/jar/analyzer"
	"github.com/arkeep-io/crsagent/internal/jfr"
	"github.com/arkeep-io/crsagent/internal/jsonenc"
	"github.com/arkeep-io/crsagent/internal/lifecycle"
	"github.com/arkeep-io/crsagent/internal/logsink"
	"github.com/arkeep-io/crsagent/internal/metrics"
	"github.com/arkeep-io/crsagent/internal/producers"
	"github.com/arkeep-io/crsagent/internal/serverrequest"
	"github.com/arkeep-io/crsagent/internal/upload"
)

var (
	version  = "dev"
	revision = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cliArgs []string

	root := &cobra.Command{
		Use:   "crsagent",
		Short: "crsagent — in-process telemetry agent",
		Long: `crsagent observes a managed runtime via native host callbacks and
streams events, metrics, and bulk artifacts to a remote cloud service
over HTTPS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cliArgs)
		},
	}

	root.Flags().StringArrayVar(&cliArgs, "arg", nil, "one AZ_CRS_ARGUMENTS-style flag (repeatable); falls back to the AZ_CRS_ARGUMENTS env var when omitted")
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crsagent %s (revision %s)\n", version, revision)
		},
	}
}

func run(ctx context.Context, cliArgs []string) error {
	cfg, err := config.NewFlagLoader().Load(cliArgs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting crsagent",
		zap.String("version", version),
		zap.String("apiUrl", cfg.APIURL),
		zap.String("mailbox", cfg.APIMailbox),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	controller := lifecycle.New(logger)
	controller.Start()

	perf := metrics.New()
	inv := inventory.New(cfg)

	cookieKey := make([]byte, 32)
	if _, err := rand.Read(cookieKey); err != nil {
		return fmt.Errorf("failed to generate cookie key: %w", err)
	}
	cookies := cookie.NewSigner(cookieKey)

	sink := logsink.New(logger)

	listener := &lifecycleListener{controller: controller, logger: logger}

	connCfg := connection.Config{
		BaseURL:       cfg.APIURL,
		Mailbox:       cfg.APIMailbox,
		AccessKey:     cfg.AccessKey,
		ClientVersion: "1.0",
		AgentVersion:  version,
		AgentRevision: revision,
	}
	conn := connection.New(connCfg, logger, listener)

	eventSvc := events.New(logger, conn, jsonenc.Serialize, perf)
	uploadSvc := upload.New(logger, conn, perf)
	requestSvc := serverrequest.New(logger, cookies)
	conn.RegisterSection("#requests", requestSvc.HandleSection)

	jarAnalyzer := analyzer.New(logger, cookies, jsonenc.Serialize, uploadSvc)

	recordingIndex := jfr.NewMemoryIndex()
	var chunkLocker jfr.ChunkLocker = noopChunkLocker{}
	if cc, err := dialHostCommandSocket(logger); err == nil {
		chunkLocker = cc
	}
	jfrPipeline := jfr.New(logger, chunkLocker, recordingIndex, uploadSvc)

	vmID := make(chan string, 1)
	listener.vmID = vmID

	controller.Register(eventSvc)
	controller.Register(uploadSvc)
	controller.Register(requestSvc)

	go eventSvc.Run(ctx)
	go uploadSvc.Run(ctx)
	go requestSvc.Run(ctx)

	dispatcher := hostadapter.NewDispatcher(logger, os.Getenv("AZ_CRS_HOST_SECRET"))
	dispatcher.Register("disableCRS", func(args []string) (string, error) { return "ok", nil })

	go func() {
		id := <-vmID
		wireProducers(logger, sink, id, dispatcher, eventSvc, uploadSvc, jarAnalyzer, jfrPipeline, inv)
	}()

	go serveHostAdapter(ctx, logger, dispatcher)

	conn.Run(ctx)

	<-ctx.Done()
	deadline := lifecycle.NewDeadline(cfg.ShutdownDeadline())
	if err := controller.Shutdown(deadline); err != nil {
		logger.Warn("crsagent: shutdown did not complete cleanly", zap.Error(err))
	}

	logger.Info("crsagent stopped")
	return nil
}

// lifecycleListener adapts connection.Listener to the lifecycle controller,
// and hands the server-assigned vmId to the producer wiring goroutine.
type lifecycleListener struct {
	controller *lifecycle.Controller
	logger     *zap.Logger
	vmID       chan<- string
}

func (l *lifecycleListener) Authenticated(vmID string) {
	l.controller.Authenticated()
	select {
	case l.vmID <- vmID:
	default:
	}
}

func (l *lifecycleListener) Fatal(err error) {
	l.logger.Error("crsagent: fatal connection error, disabling agent", zap.Error(err))
}

// wireProducers builds the producer set once the server has assigned a
// vmId (spec §4.7: producers only become meaningful once RUNNING) and
// registers each one against the host adapter's command names so the
// native host's callbacks reach them directly.
func wireProducers(
	logger *zap.Logger,
	sink logsink.Sink,
	vmID string,
	dispatcher *hostadapter.Dispatcher,
	eventSvc *events.Service,
	uploadSvc *upload.Service,
	jarAnalyzer *analyzer.Analyzer,
	jfrPipeline *jfr.Pipeline,
	inv *inventory.GopsutilProvider,
) {
	jarMon := producers.NewJarLoadMon(sink, vmID, jarAnalyzer, eventSvc, false, true)
	classMon := producers.NewClassLoadMon(sink, vmID, eventSvc, jarMon)
	firstCallMon := producers.NewFirstCallMon(sink, vmID, eventSvc)
	vmLogMon := producers.NewVMLogMon(sink, vmID, eventSvc)
	crsLogMon := producers.NewCRSLogMon(sink, vmID, uploadSvc)
	jfrMon := producers.NewJFRMon(sink, jfrPipeline)

	dispatcher.Register("classLoad", func(args []string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("classLoad: expected className,source")
		}
		classMon.OnClassLoad(args[0], args[1])
		return "", nil
	})
	dispatcher.Register("firstCall", func(args []string) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("firstCall: expected fullyQualifiedMethod")
		}
		firstCallMon.OnFirstCall(args[0])
		return "", nil
	})
	dispatcher.Register("vmLog", func(args []string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("vmLog: expected level,message")
		}
		vmLogMon.OnLogEntry(args[0], args[1])
		return "", nil
	})
	dispatcher.Register("crsLogRotated", func(args []string) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("crsLogRotated: expected path")
		}
		crsLogMon.OnRotated(args[0])
		return "", nil
	})
	dispatcher.Register("nextChunk", func(args []string) (string, error) {
		if len(args) < 5 {
			return "", fmt.Errorf("nextChunk: expected path,recordingId,startMillis,endMillis,size")
		}
		startMillis, _ := strconv.ParseInt(args[2], 10, 64)
		endMillis, _ := strconv.ParseInt(args[3], 10, 64)
		size, _ := strconv.ParseInt(args[4], 10, 64)
		jfrMon.OnNextChunk(args[0], args[1], time.UnixMilli(startMillis), time.UnixMilli(endMillis), size)
		return "", nil
	})

	logger.Debug("crsagent: producers wired", zap.String("vmId", vmID))

	if _, err := inv.Collect(context.Background()); err != nil {
		logger.Warn("crsagent: inventory collection failed", zap.Error(err))
	}
}

// serveHostAdapter accepts the native host's callback connection and
// dispatches its commands until ctx is cancelled.
func serveHostAdapter(ctx context.Context, logger *zap.Logger, dispatcher *hostadapter.Dispatcher) {
	addr := envOrDefault("AZ_CRS_HOST_CALLBACK_ADDR", "127.0.0.1:9876")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Warn("crsagent: host adapter listener unavailable", zap.String("addr", addr), zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := dispatcher.Serve(conn, 30*time.Second); err != nil {
				logger.Debug("crsagent: host adapter connection closed", zap.Error(err))
			}
		}()
	}
}

// dialHostCommandSocket connects out to the native host's command listener.
// run hands the returned CommandClient to the JFR pipeline as its
// ChunkLocker; no producer issues commands through it.
func dialHostCommandSocket(logger *zap.Logger) (*hostadapter.CommandClient, error) {
	addr := envOrDefault("AZ_CRS_HOST_COMMAND_ADDR", "127.0.0.1:9877")
	secret := os.Getenv("AZ_CRS_HOST_SECRET")

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("crsagent: dialing host command socket: %w", err)
	}
	return hostadapter.NewCommandClient(conn, secret, 10*time.Second)
}

// noopChunkLocker is used when the host command socket is unavailable, so
// JFR chunk reporting degrades to "no lock" rather than failing startup.
type noopChunkLocker struct{}

func (noopChunkLocker) LockChunk(string) error   { return nil }
func (noopChunkLocker) ReleaseChunk(string) error { return nil }

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()

	level := zap.InfoLevel
	for _, d := range cfg.LogDirectives {
		if d.Tag == "" {
			switch d.Level {
			case "trace", "debug":
				level = zap.DebugLevel
			case "info":
				level = zap.InfoLevel
			case "warning":
				level = zap.WarnLevel
			case "error":
				level = zap.ErrorLevel
			case "off":
				level = zap.FatalLevel + 1
			}
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
