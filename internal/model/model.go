// Package model defines the entities shared across the agent pipeline:
// VM instances, events, artifacts, artifact chunks, server requests, and jar
// fingerprints. Types here carry serializable state; the one transient
// field, VMArtifactChunk.Location, is tagged json:"-" and never serialized.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VMState is the lifecycle state of a VMInstance as tracked by the server.
type VMState string

const (
	VMStateRegistered VMState = "REGISTERED"
	VMStateRunning    VMState = "RUNNING"
	VMStateTerminated VMState = "TERMINATED"
	VMStateOffline    VMState = "OFFLINE"
)

// VMInstance represents one runtime session known to the server.
type VMInstance struct {
	VMID          string         `json:"vmId"`
	AgentVersion  string         `json:"agentVersion"`
	AgentRevision string         `json:"agentRevision"`
	Inventory     map[string]any `json:"inventory,omitempty"`
	StartTime     time.Time      `json:"startTime"`
	State         VMState        `json:"state"`
}

// EventType names the kind of a VMEvent's payload. NewEvent rejects a type
// without a payload and a payload without a type; it does not check the
// payload's Go type against the EventType.
type EventType string

const (
	EventTypeVMStarted       EventType = "VM_STARTED"
	EventTypeJarLoaded       EventType = "VM_JAR_LOADED"
	EventTypeClassLoaded     EventType = "VM_CLASS_LOADED"
	EventTypeFirstCall       EventType = "VM_FIRST_CALL"
	EventTypeLogEntry        EventType = "VM_LOG_ENTRY"
	EventTypeLargeEventRef   EventType = "VM_LARGE_EVENT_REF"
	EventTypeShutdown        EventType = "VM_SHUTDOWN"
)

// VMEvent is one observation produced by a monitor and consumed by the
// EventService. It is immutable after construction.
type VMEvent struct {
	EventID   string    `json:"eventId"`
	EventType EventType `json:"eventType"`
	EventTime int64     `json:"eventTime"`
	VMID      string    `json:"vmId"`
	Payload   any       `json:"eventPayload"`
}

// NewEvent builds a VMEvent with a fresh, globally unique event ID.
// eventType and payload must both be present (or both absent); a type
// without a payload, or a payload without a type, is rejected. Whether the
// payload's Go type matches eventType is not checked.
func NewEvent(vmID string, eventType EventType, payload any) (VMEvent, error) {
	if eventType == "" && payload != nil {
		return VMEvent{}, fmt.Errorf("model: payload given without an eventType")
	}
	if eventType != "" && payload == nil {
		return VMEvent{}, fmt.Errorf("model: eventType %q given without a payload", eventType)
	}

	return VMEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		EventTime: time.Now().UnixMilli(),
		VMID:      vmID,
		Payload:   payload,
	}, nil
}

// ArtifactType classifies a VMArtifact's content for the server's storage
// and retention policies.
type ArtifactType string

const (
	ArtifactTypeGCLog         ArtifactType = "GC_LOG"
	ArtifactTypeVMLog         ArtifactType = "VM_LOG"
	ArtifactTypeCRSLog        ArtifactType = "CRS_LOG"
	ArtifactTypeJFR           ArtifactType = "JFR"
	ArtifactTypeJar           ArtifactType = "JAR"
	ArtifactTypeJarEntry      ArtifactType = "JAR_ENTRY"
	ArtifactTypeLargeVMEvent  ArtifactType = "LARGE_VM_EVENT"
	ArtifactTypeOther         ArtifactType = "OTHER"
)

// VMArtifact is a logical file associated with one VM. Transient fields
// (size, presigned location) are intentionally absent here — they are
// carried by VMArtifactChunk for the duration of a single upload and are
// never part of the artifact's serialized, equality-relevant state.
type VMArtifact struct {
	ArtifactID string         `json:"artifactId"`
	Type       ArtifactType   `json:"type"`
	Filename   string         `json:"filename"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreateTime time.Time      `json:"createTime"`
}

// VMArtifactChunk is a blob belonging to one or more artifacts, created
// per-upload and never persisted beyond the request that carries it.
type VMArtifactChunk struct {
	StorageKey  string         `json:"storageKey"`
	ArtifactIDs []string       `json:"artifactIds"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Location holds a presigned upload URL. It is transient: never
	// serialized back to the server and not part of the chunk's identity.
	// connection.Manager keeps the URL from the chunk-creation POST local to
	// SendArtifactChunk and does not set this field.
	Location string `json:"-"`
}

// RequestKind identifies the shape of a ServerRequest's payload and cookie.
type RequestKind string

// ServerRequest is a decoded out-of-band control message embedded in an
// event-batch HTTP response. It is consumed exactly once by the dispatcher.
type ServerRequest struct {
	Kind    RequestKind
	Cookie  []byte
	Payload any
}

// InitiatedBy records why a jar was analyzed, for correlation on the server.
type InitiatedBy string

const (
	InitiatedByClassLoading    InitiatedBy = "CLASS_LOADING"
	InitiatedByJDKNative       InitiatedBy = "JDK_NATIVE_LOADING"
	InitiatedByRecursive       InitiatedBy = "RECURSIVE_LOADING"
	InitiatedByServerRequest   InitiatedBy = "SERVER_REQUEST"
	InitiatedByOther           InitiatedBy = "OTHER"
)

// JarShortDigest is the fingerprint of a jar used for process-wide dedup.
type JarShortDigest struct {
	CentralDirectoryHash   [32]byte
	ManifestHash           [32]byte
	Provider               string
	CentralDirectoryLength int64
}

// Key returns the dedup-set key for this fingerprint: the hex central
// directory hash concatenated with the entry count, per spec §4.5.3.
func (d JarShortDigest) Key(entryCount int) string {
	return fmt.Sprintf("%x:%d", d.CentralDirectoryHash, entryCount)
}
