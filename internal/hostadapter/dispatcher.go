package hostadapter

import (
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Event type ids shared with the native agent (spec §6).
const (
	EventToJavaCall  = -98
	EventClassLoad   = 0
	EventFirstCall   = 1
	EventVMLogEntry  = 2
)

// Handler processes one parsed command invocation and returns the response
// payload to frame back to the host.
type Handler func(args []string) (string, error)

// Dispatcher maps the recognized command names from spec §6 to handlers.
type Dispatcher struct {
	logger       *zap.Logger
	secret       string
	handlers     map[string]Handler
	authenticated bool
}

// NewDispatcher creates a Dispatcher requiring secret as the shared
// authentication token on the connection's first message.
func NewDispatcher(logger *zap.Logger, secret string) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("hostadapter"),
		secret:   secret,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a command name (e.g. "disableCRS",
// "registerAgent", "enableEventNotifications", "drainQueues",
// "registerCallback", "getCapabilities").
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Serve reads and dispatches frames from conn until it errors or closes.
// frameTimeout bounds each individual read/write, mirroring the
// timeout-bound-blocking-operation idiom used elsewhere in this codebase.
func (d *Dispatcher) Serve(conn net.Conn, frameTimeout time.Duration) error {
	for {
		raw, err := ReadFrame(conn, time.Now().Add(frameTimeout))
		if err != nil {
			return err
		}

		if !d.authenticated {
			if raw != d.secret {
				return fmt.Errorf("hostadapter: authentication failed on first message")
			}
			d.authenticated = true
			if err := WriteFrame(conn, "ok", time.Now().Add(frameTimeout)); err != nil {
				return err
			}
			continue
		}

		name, args, err := parseCommand(raw)
		if err != nil {
			d.logger.Warn("hostadapter: malformed command", zap.String("raw", raw), zap.Error(err))
			continue
		}

		handler, ok := d.handlers[name]
		if !ok {
			d.logger.Warn("hostadapter: no handler registered", zap.String("command", name))
			continue
		}

		resp, err := handler(args)
		if err != nil {
			d.logger.Warn("hostadapter: handler failed", zap.String("command", name), zap.Error(err))
			continue
		}

		if err := WriteFrame(conn, resp, time.Now().Add(frameTimeout)); err != nil {
			return err
		}
	}
}

// parseCommand parses "name(arg1,arg2,...)" into its name and argument list.
// A zero-argument call such as "disableCRS()" yields an empty arg slice.
func parseCommand(raw string) (string, []string, error) {
	open := strings.IndexByte(raw, '(')
	if open < 0 || !strings.HasSuffix(raw, ")") {
		return "", nil, fmt.Errorf("hostadapter: %q is not a valid command invocation", raw)
	}

	name := raw[:open]
	inner := raw[open+1 : len(raw)-1]
	if inner == "" {
		return name, nil, nil
	}

	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return name, parts, nil
}
