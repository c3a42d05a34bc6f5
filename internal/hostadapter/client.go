package hostadapter

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// CommandClient issues commands to the native host over an authenticated
// connection: callback registration, event-notification toggles, and the
// chunk lock/release calls the JFR pipeline uses as its ChunkLocker.
type CommandClient struct {
	conn         net.Conn
	frameTimeout time.Duration
}

// NewCommandClient authenticates conn with secret and returns a client ready
// to issue commands.
func NewCommandClient(conn net.Conn, secret string, frameTimeout time.Duration) (*CommandClient, error) {
	if err := WriteFrame(conn, secret, time.Now().Add(frameTimeout)); err != nil {
		return nil, fmt.Errorf("hostadapter: sending auth frame: %w", err)
	}
	ack, err := ReadFrame(conn, time.Now().Add(frameTimeout))
	if err != nil {
		return nil, fmt.Errorf("hostadapter: reading auth ack: %w", err)
	}
	if ack != "ok" {
		return nil, fmt.Errorf("hostadapter: host rejected authentication")
	}
	return &CommandClient{conn: conn, frameTimeout: frameTimeout}, nil
}

func (c *CommandClient) call(name string, args ...string) (string, error) {
	cmd := fmt.Sprintf("%s(%s)", name, strings.Join(args, ","))
	if err := WriteFrame(c.conn, cmd, time.Now().Add(c.frameTimeout)); err != nil {
		return "", err
	}
	return ReadFrame(c.conn, time.Now().Add(c.frameTimeout))
}

// DisableCRS asks the host to stop delivering callbacks.
func (c *CommandClient) DisableCRS() error {
	_, err := c.call("disableCRS")
	return err
}

// RegisterAgent tells the host the fully-qualified entry class name.
func (c *CommandClient) RegisterAgent(className string) error {
	_, err := c.call("registerAgent", className)
	return err
}

// EnableEventNotifications toggles delivery for eventTypeID.
func (c *CommandClient) EnableEventNotifications(eventTypeID int, enabled bool) error {
	_, err := c.call("enableEventNotifications", fmt.Sprintf("%d", eventTypeID), boolArg(enabled))
	return err
}

// DrainQueues asks the host to drain pending callback queues.
func (c *CommandClient) DrainQueues(force, stopAfterDrain bool) error {
	_, err := c.call("drainQueues", boolArg(force), boolArg(stopAfterDrain))
	return err
}

// RegisterCallback registers a fully-qualified static method as the handler
// for eventTypeID.
func (c *CommandClient) RegisterCallback(eventTypeID int, fqMethod string) error {
	_, err := c.call("registerCallback", fmt.Sprintf("%d", eventTypeID), fqMethod)
	return err
}

// GetCapabilities returns the host's comma-separated capability tokens.
func (c *CommandClient) GetCapabilities() ([]string, error) {
	resp, err := c.call("getCapabilities")
	if err != nil {
		return nil, err
	}
	if resp == "" {
		return nil, nil
	}
	return strings.Split(resp, ","), nil
}

// LockChunk implements jfr.ChunkLocker via the host's useRepositoryChunk
// call, modeled here as a registerCallback-style request since the frame
// protocol has no dedicated verb for it beyond the documented command set.
func (c *CommandClient) LockChunk(path string) error {
	_, err := c.call("useRepositoryChunk", path, "1")
	return err
}

// ReleaseChunk releases a previously locked chunk.
func (c *CommandClient) ReleaseChunk(path string) error {
	_, err := c.call("useRepositoryChunk", path, "0")
	return err
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
