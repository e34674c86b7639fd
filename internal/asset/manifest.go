package asset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// manifestName is the index file kept inside the cache directory.
const manifestName = "manifest.json"

// Entry is one cached asset in the manifest. The manifest is the source of
// truth for total cache size and staleness; files on disk without an entry
// are garbage.
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"` // source record timestamp
}

type manifest struct {
	entries map[string]Entry
	total   int64
}

func newManifest() *manifest {
	return &manifest{entries: make(map[string]Entry)}
}

func (m *manifest) get(key string) (Entry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

func (m *manifest) put(e Entry) {
	if old, ok := m.entries[e.Key]; ok {
		m.total -= old.SizeBytes
	}
	m.entries[e.Key] = e
	m.total += e.SizeBytes
}

func (m *manifest) remove(key string) (Entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(m.entries, key)
	m.total -= e.SizeBytes
	return e, true
}

// oldest returns the entry with the smallest UpdatedAt. Ties break by key
// order so eviction is deterministic.
func (m *manifest) oldest() (Entry, bool) {
	var best Entry
	found := false
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := m.entries[k]
		if !found || e.UpdatedAt.Before(best.UpdatedAt) {
			best = e
			found = true
		}
	}
	return best, found
}

func (m *manifest) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// load reads the manifest file from dir. A missing file yields an empty
// manifest; a corrupt one is discarded the same way (the next maintenance
// pass rebuilds the cache).
func loadManifest(dir string) *manifest {
	m := newManifest()
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return m
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return m
	}
	for _, e := range entries {
		m.put(e)
	}
	return m
}

// persist writes the manifest atomically: temp file in the same directory,
// then rename over the old one.
func (m *manifest) persist(dir string) error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
