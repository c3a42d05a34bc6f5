package hostadapter

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCommandClientRoundTripsThroughDispatcher(t *testing.T) {
	server, client := net.Pipe()

	d := NewDispatcher(zap.NewNop(), "shared-secret")
	d.Register("getCapabilities", func(args []string) (string, error) {
		return "jfr,jarAnalysis", nil
	})

	go func() { _ = d.Serve(server, time.Second) }()
	defer server.Close()

	cc, err := NewCommandClient(client, "shared-secret", time.Second)
	if err != nil {
		t.Fatalf("NewCommandClient: %v", err)
	}
	defer client.Close()

	caps, err := cc.GetCapabilities()
	if err != nil {
		t.Fatalf("GetCapabilities: %v", err)
	}
	if len(caps) != 2 || caps[0] != "jfr" || caps[1] != "jarAnalysis" {
		t.Fatalf("GetCapabilities: got %v", caps)
	}
}

func TestCommandClientRejectsBadSecret(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	d := NewDispatcher(zap.NewNop(), "right-secret")
	go func() { _ = d.Serve(server, time.Second) }()
	defer server.Close()

	if _, err := NewCommandClient(client, "wrong-secret", time.Second); err == nil {
		t.Fatal("NewCommandClient: expected error for wrong secret")
	}
}

func TestCommandClientBoolArgEncoding(t *testing.T) {
	if boolArg(true) != "1" {
		t.Fatalf("boolArg(true) = %q, want %q", boolArg(true), "1")
	}
	if boolArg(false) != "0" {
		t.Fatalf("boolArg(false) = %q, want %q", boolArg(false), "0")
	}
}
