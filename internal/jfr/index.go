package jfr

import "sync"

// MemoryIndex is a simple in-memory RecordingIndex: the agent has no
// independent view of which recordings reference which chunks beyond what
// the host has already told it, so this just remembers prior
// chunk-path -> recording-id sightings and recording-id -> artifact-id
// mappings as they are reported.
type MemoryIndex struct {
	mu           sync.Mutex
	chunkRecs    map[string]map[string]struct{}
	artifactByID map[string]string
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		chunkRecs:    make(map[string]map[string]struct{}),
		artifactByID: make(map[string]string),
	}
}

// Observe records that path is referenced by recordingID, and that
// recordingID's artifact id is artifactID (empty if not yet known).
func (idx *MemoryIndex) Observe(path, recordingID, artifactID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	recs, ok := idx.chunkRecs[path]
	if !ok {
		recs = make(map[string]struct{})
		idx.chunkRecs[path] = recs
	}
	recs[recordingID] = struct{}{}

	if artifactID != "" {
		idx.artifactByID[recordingID] = artifactID
	}
}

// RecordingsContaining implements RecordingIndex.
func (idx *MemoryIndex) RecordingsContaining(path string, excluding string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	recs := idx.chunkRecs[path]
	out := make([]string, 0, len(recs))
	for rec := range recs {
		if rec == excluding {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ArtifactID implements RecordingIndex.
func (idx *MemoryIndex) ArtifactID(recordingID string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.artifactByID[recordingID]
	return id, ok
}
