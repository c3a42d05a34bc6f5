// Package analyzer produces VM_JAR_LOADED events from jar/war archives,
// combining the central-directory digest (zipcd), the per-class shaded hash
// (classfile), and process-wide dedup (dedup) per spec §4.5.
package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/cookie"
	"github.com/arkeep-io/crsagent/internal/jar/classfile"
	"github.com/arkeep-io/crsagent/internal/jar/dedup"
	"github.com/arkeep-io/crsagent/internal/jar/zipcd"
	"github.com/arkeep-io/crsagent/internal/model"
)

// inlineThreshold is the serialized-size cutoff past which a VM_JAR_LOADED
// event is stored as a LARGE_VM_EVENT artifact instead of inlined (§4.5.3).
const inlineThreshold = 512 * 1024

// EntryInfo describes one archive member. Name, CRC32 and size are filled
// for every entry; ShadedHash and SHA256 only in "with-details" mode.
type EntryInfo struct {
	Name             string `json:"name"`
	CRC32            uint32 `json:"crc32"`
	UncompressedSize uint32 `json:"size"`
	ShadedHash       string `json:"shadedHash,omitempty"`
	SHA256           string `json:"sha256,omitempty"`
}

// MavenComponent is the (groupId, artifactId, version) tuple parsed from a
// jar's embedded pom.properties, when present.
type MavenComponent struct {
	GroupID    string `json:"groupId"`
	ArtifactID string `json:"artifactId"`
	Version    string `json:"version"`
}

// JarLoadedPayload is the VM_JAR_LOADED event payload.
type JarLoadedPayload struct {
	URL                   string                    `json:"url"`
	JarName               string                    `json:"jarName"`
	CentralDirectoryHash  string                    `json:"centralDirectoryHash"`
	ManifestHash          string                    `json:"manifestHash"`
	Provider              string                    `json:"provider"`
	CentralDirectoryBytes int64                     `json:"centralDirectoryLength"`
	Entries               map[string]EntryInfo      `json:"entries,omitempty"`
	MavenComponents       []MavenComponent          `json:"mavenComponents,omitempty"`
	InitiatedBy           model.InitiatedBy         `json:"initiatedBy"`
	RecursionDepth        int                       `json:"recursionDepth"`
	RequestCookie         string                    `json:"requestCookie,omitempty"`
}

// Uploader stores an oversized event payload out of band and returns the
// artifact id it was filed under. Satisfied by upload.Service.
type Uploader interface {
	StoreLargeEvent(ctx context.Context, vmID string, payload []byte) (artifactID string, err error)
}

// Serializer converts an event payload to its wire form, used only to
// measure whether a payload crosses inlineThreshold. Satisfied by
// jsonenc.Serialize.
type Serializer func(v any) ([]byte, error)

// Request describes one jar to analyze.
type Request struct {
	VMID          string
	URL           string
	Provider      string
	InitiatedBy   model.InitiatedBy
	RecursionDepth int
	WithDetails   bool
	// ServerRequestEnabled controls whether a requestCookie is attached
	// (so the server may later ask for with-details data) and whether
	// nested-jar temp files are retained after recursion.
	ServerRequestEnabled bool
	HardStop             func() bool
}

// Analyzer turns jar bytes into VM_JAR_LOADED events, recursing into nested
// archives and respecting a caller-supplied hard-stop deadline check.
type Analyzer struct {
	logger     *zap.Logger
	dedup      *dedup.Tracker
	cookies    *cookie.Signer
	serialize  Serializer
	uploader   Uploader
}

// New creates an Analyzer. serialize and uploader are used only for the
// inline-threshold fallback described in §4.5.3.
func New(logger *zap.Logger, cookies *cookie.Signer, serialize Serializer, uploader Uploader) *Analyzer {
	return &Analyzer{
		logger:    logger,
		dedup:     dedup.NewTracker(),
		cookies:   cookies,
		serialize: serialize,
		uploader:  uploader,
	}
}

// Analyze reads the jar at path, computes its fingerprint, and — unless
// already present in the dedup set — returns the VM_JAR_LOADED event for it
// (first in the returned slice) followed by any events produced by nested
// jar/war recursion, plus any nested-jar temp files extracted during the
// scan (populated only when req.ServerRequestEnabled, per §4.5.3). An empty
// slice with a nil error means the jar was a dedup hit and no event should
// be emitted.
func (a *Analyzer) Analyze(ctx context.Context, path string, req Request) ([]model.VMEvent, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("analyzer: opening %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("analyzer: stat %q: %w", path, err)
	}

	return a.analyzeReader(ctx, f, info.Size(), req)
}

func (a *Analyzer) analyzeReader(ctx context.Context, r io.ReaderAt, size int64, req Request) ([]model.VMEvent, []string, error) {
	buf := zipcd.NewRandomAccessBuffer(r, size)

	cd, err := zipcd.Read(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("analyzer: reading central directory: %w", err)
	}
	cdHash := sha256.Sum256(cd.Bytes)

	entries, err := zipcd.Entries(cd)
	if err != nil {
		return nil, nil, fmt.Errorf("analyzer: parsing entries: %w", err)
	}

	digest := model.JarShortDigest{
		CentralDirectoryHash:   cdHash,
		Provider:               req.Provider,
		CentralDirectoryLength: int64(len(cd.Bytes)),
	}

	if a.dedup.SeenOrAdd(req.URL, digest.Key(len(entries))) {
		return nil, nil, nil
	}

	jarName := req.URL
	if i := strings.LastIndexByte(jarName, '/'); i >= 0 {
		jarName = jarName[i+1:]
	}

	payload := JarLoadedPayload{
		URL:                   req.URL,
		JarName:               jarName,
		CentralDirectoryHash:  fmt.Sprintf("%x", cdHash),
		Provider:              req.Provider,
		CentralDirectoryBytes: int64(len(cd.Bytes)),
		InitiatedBy:           req.InitiatedBy,
		RecursionDepth:        req.RecursionDepth,
	}

	var nestedTempFiles []string
	var allNestedEvents []model.VMEvent
	entryMap := make(map[string]EntryInfo, len(entries))
	var mavenComponents []MavenComponent

	for _, e := range entries {
		if req.HardStop != nil && req.HardStop() {
			a.logger.Warn("analyzer: hard-stopping mid-scan", zap.String("url", req.URL))
			break
		}

		ei := EntryInfo{Name: e.Name, CRC32: e.CRC32, UncompressedSize: e.UncompressedSize}

		if e.Name == "META-INF/MANIFEST.MF" {
			data, err := zipcd.ReadEntryData(buf, e)
			if err == nil {
				h := sha256.Sum256(data)
				payload.ManifestHash = fmt.Sprintf("%x", h)
			}
		}

		if req.WithDetails {
			if strings.HasSuffix(e.Name, ".class") {
				data, err := zipcd.ReadEntryData(buf, e)
				if err != nil {
					a.logger.Warn("analyzer: reading class entry", zap.String("name", e.Name), zap.Error(err))
				} else {
					sum := sha256.Sum256(data)
					ei.SHA256 = fmt.Sprintf("%x", sum)

					cf, err := classfile.Parse(data)
					if err != nil {
						a.logger.Debug("analyzer: skipping unparseable class", zap.String("name", e.Name), zap.Error(err))
					} else if sh, err := cf.ShadedHash(); err == nil {
						ei.ShadedHash = fmt.Sprintf("%x", sh)
					}
				}
			}

			if strings.HasSuffix(e.Name, "pom.properties") {
				data, err := zipcd.ReadEntryData(buf, e)
				if err == nil {
					if mc, ok := parseMavenProperties(data); ok {
						mavenComponents = append(mavenComponents, mc)
					}
				}
			}
		}

		if strings.HasSuffix(e.Name, ".jar") || strings.HasSuffix(e.Name, ".war") {
			tmp, nestedEvents, nestedTemps, err := a.extractAndRecurse(ctx, buf, e, req)
			if err != nil {
				a.logger.Warn("analyzer: nested jar failed", zap.String("name", e.Name), zap.Error(err))
			} else {
				if req.ServerRequestEnabled && tmp != "" {
					nestedTempFiles = append(nestedTempFiles, tmp)
				} else if tmp != "" {
					os.Remove(tmp)
				}
				allNestedEvents = append(allNestedEvents, nestedEvents...)
				nestedTempFiles = append(nestedTempFiles, nestedTemps...)
			}
		}

		entryMap[e.Name] = ei
	}

	payload.Entries = entryMap
	payload.MavenComponents = mavenComponents

	if a.cookies != nil {
		if encoded, err := a.cookies.Encode(req.URL, digest.Key(len(entries))); err == nil {
			payload.RequestCookie = encoded
		}
	}

	serialized, err := a.serialize(payload)
	if err == nil && len(serialized) > inlineThreshold && a.uploader != nil {
		artifactID, uerr := a.uploader.StoreLargeEvent(ctx, req.VMID, serialized)
		if uerr == nil {
			ev, everr := model.NewEvent(req.VMID, model.EventTypeLargeEventRef, map[string]string{"artifactId": artifactID})
			if everr != nil {
				return nil, nestedTempFiles, everr
			}
			return append([]model.VMEvent{ev}, allNestedEvents...), nestedTempFiles, nil
		}
		a.logger.Warn("analyzer: large-event upload failed, inlining anyway", zap.Error(uerr))
	}

	ev, err := model.NewEvent(req.VMID, model.EventTypeJarLoaded, payload)
	if err != nil {
		return nil, nestedTempFiles, err
	}
	return append([]model.VMEvent{ev}, allNestedEvents...), nestedTempFiles, nil
}

// extractAndRecurse pulls a nested jar/war entry out to a scheduled-delete
// temp file and analyzes it with recursionDepth+1 and initiatedBy =
// RECURSIVE_LOADING (§4.5.3). Returns the temp file path (empty if the
// caller should not retain it), any events produced by the nested scan, and
// any further-nested temp files from deeper recursion.
func (a *Analyzer) extractAndRecurse(ctx context.Context, buf *zipcd.RandomAccessBuffer, e zipcd.Entry, parent Request) (string, []model.VMEvent, []string, error) {
	data, err := zipcd.ReadEntryData(buf, e)
	if err != nil {
		return "", nil, nil, fmt.Errorf("extracting nested entry %q: %w", e.Name, err)
	}

	tmp, err := os.CreateTemp("", "crsagent-nested-jar-*")
	if err != nil {
		return "", nil, nil, fmt.Errorf("creating temp file for %q: %w", e.Name, err)
	}
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(data); err != nil {
		os.Remove(tmp.Name())
		return "", nil, nil, fmt.Errorf("writing temp file for %q: %w", e.Name, err)
	}
	if err := w.Flush(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, nil, fmt.Errorf("flushing temp file for %q: %w", e.Name, err)
	}

	nestedReq := parent
	nestedReq.URL = parent.URL + "!/" + e.Name
	nestedReq.InitiatedBy = model.InitiatedByRecursive
	nestedReq.RecursionDepth = parent.RecursionDepth + 1

	events, nestedTemps, err := a.analyzeReader(ctx, bytes.NewReader(data), int64(len(data)), nestedReq)
	if err != nil {
		os.Remove(tmp.Name())
		return "", nil, nil, err
	}

	if !parent.ServerRequestEnabled {
		os.Remove(tmp.Name())
		return "", events, nestedTemps, nil
	}
	return tmp.Name(), events, nestedTemps, nil
}

// parseMavenProperties extracts groupId/artifactId/version from the content
// of a pom.properties file. Malformed files yield ok=false rather than an
// error — a missing Maven component is not a scan failure.
func parseMavenProperties(data []byte) (MavenComponent, bool) {
	var mc MavenComponent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "groupId":
			mc.GroupID = strings.TrimSpace(v)
		case "artifactId":
			mc.ArtifactID = strings.TrimSpace(v)
		case "version":
			mc.Version = strings.TrimSpace(v)
		}
	}
	if mc.GroupID == "" && mc.ArtifactID == "" {
		return MavenComponent{}, false
	}
	return mc, true
}
