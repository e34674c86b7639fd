// Package asset resolves asset keys to disk-cached files, populating them
// from the database on first use under a global byte budget.
//
// The manifest (key → size, source timestamp) is the authority for cache
// contents; sum of manifest sizes never exceeds the budget after any
// mutation. Concurrent demand for the same key collapses into a single
// fetch-and-write.
package asset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

var (
	// ErrUnknownKey means the source store has no record for the key.
	ErrUnknownKey = errors.New("unknown asset key")
	// ErrInvalidKey rejects keys that are empty or carry path components.
	ErrInvalidKey = errors.New("invalid asset key")
	// ErrTooLarge means a single asset is bigger than the whole budget.
	ErrTooLarge = errors.New("asset exceeds cache byte budget")
)

// Manager owns the disk cache. All manifest mutations go through its
// internal lock; population and eviction are atomic with respect to each
// other so the budget is never observably overshot.
type Manager struct {
	store  store.Store
	dir    string
	budget int64
	logger *slog.Logger

	mu       sync.Mutex // guards manifest and evict+write+update sequences
	manifest *manifest

	flight singleflight.Group // key: target file path

	hits   atomic.Int64
	misses atomic.Int64
}

// NewManager creates the cache directory if needed and loads any existing
// manifest.
func NewManager(s store.Store, dir string, byteBudget int64, logger *slog.Logger) (*Manager, error) {
	if byteBudget <= 0 {
		return nil, fmt.Errorf("asset byte budget must be positive, got %d", byteBudget)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Manager{
		store:    s,
		dir:      dir,
		budget:   byteBudget,
		logger:   logger.With("component", "asset"),
		manifest: loadManifest(dir),
	}, nil
}

// Resolve returns the on-disk path for key, populating the cache from the
// source store when needed. Concurrent calls for an unpopulated key share
// one population: all observe the same path or the same error.
func (m *Manager) Resolve(ctx context.Context, key string) (string, error) {
	path, err := m.filePath(key)
	if err != nil {
		return "", err
	}

	// Fast path: manifest entry with a present, non-empty file. No source
	// store I/O.
	m.mu.Lock()
	e, ok := m.manifest.get(key)
	m.mu.Unlock()
	if ok && fileUsable(e.FilePath, e.SizeBytes) {
		m.hits.Add(1)
		return e.FilePath, nil
	}
	m.misses.Add(1)

	// The singleflight group removes the in-flight key once the shared call
	// settles, success or failure, after every waiter has its result.
	v, err, _ := m.flight.Do(path, func() (any, error) {
		return m.populate(ctx, key, path)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// populate fetches the asset and installs it under the budget. The source
// fetch runs outside the manifest lock; only the evict+write+update
// sequence is serialized.
func (m *Manager) populate(ctx context.Context, key, path string) (string, error) {
	meta, err := m.store.GetAssetMeta(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch asset meta: %w", err)
	}
	if meta == nil {
		return "", ErrUnknownKey
	}
	data, err := m.store.GetAssetData(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch asset data: %w", err)
	}
	if data == nil {
		return "", ErrUnknownKey
	}

	if err := m.install(key, path, meta.UpdatedAt, data); err != nil {
		return "", err
	}
	return path, nil
}

// install evicts until the incoming size fits, writes the file, and
// updates the manifest. Callers must not hold mu.
func (m *Manager) install(key, path string, updatedAt time.Time, data []byte) error {
	size := int64(len(data))
	if size > m.budget {
		return fmt.Errorf("%w: %s is %d bytes, budget %d", ErrTooLarge, key, size, m.budget)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replacing an entry frees its bytes before eviction math runs.
	if old, ok := m.manifest.remove(key); ok {
		_ = os.Remove(old.FilePath)
	}

	for m.manifest.total+size > m.budget {
		victim, ok := m.manifest.oldest()
		if !ok {
			break
		}
		m.manifest.remove(victim.Key)
		if err := os.Remove(victim.FilePath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("evict: remove file failed", "key", victim.Key, "error", err)
		}
		m.logger.Debug("evicted asset", "key", victim.Key, "size", victim.SizeBytes)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install asset: %w", err)
	}

	m.manifest.put(Entry{Key: key, FilePath: path, SizeBytes: size, UpdatedAt: updatedAt})
	if err := m.manifest.persist(m.dir); err != nil {
		m.logger.Warn("persist manifest failed", "error", err)
	}
	return nil
}

// Maintain reconciles the cache against the source store: drops entries
// whose source record is gone and repopulates entries the source has
// updated. With fullRefresh the cache is wiped first. Individual key
// failures are logged and skipped; they never abort the sweep.
func (m *Manager) Maintain(ctx context.Context, fullRefresh bool) error {
	if fullRefresh {
		if err := m.wipe(); err != nil {
			return err
		}
	}

	records, err := m.store.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	source := make(map[string]store.AssetRecord, len(records))
	for _, rec := range records {
		source[rec.Key] = rec
	}

	// Remove manifest entries whose key no longer exists at the source.
	m.mu.Lock()
	for _, key := range m.manifest.keys() {
		if _, ok := source[key]; ok {
			continue
		}
		e, _ := m.manifest.remove(key)
		_ = os.Remove(e.FilePath)
		m.logger.Info("removed asset gone from source", "key", key)
	}
	if err := m.manifest.persist(m.dir); err != nil {
		m.logger.Warn("persist manifest failed", "error", err)
	}
	m.mu.Unlock()

	// Repopulate anything the source has updated since it was cached.
	for _, rec := range records {
		m.mu.Lock()
		e, ok := m.manifest.get(rec.Key)
		m.mu.Unlock()
		if ok && !rec.UpdatedAt.After(e.UpdatedAt) && fileUsable(e.FilePath, e.SizeBytes) {
			continue
		}

		path, err := m.filePath(rec.Key)
		if err != nil {
			m.logger.Warn("maintenance: skipping key", "key", rec.Key, "error", err)
			continue
		}
		// Same flight group as Resolve, so a sweep racing a first request for
		// the key shares one source fetch instead of doubling it.
		key := rec.Key
		if _, err, _ := m.flight.Do(path, func() (any, error) {
			return m.populate(ctx, key, path)
		}); err != nil {
			m.logger.Warn("maintenance: population failed", "key", rec.Key, "error", err)
			continue
		}
	}
	return nil
}

// Run performs one full refresh, then maintains the cache on a fixed
// interval until ctx is canceled. Maintenance runs inline in the loop so
// sweeps never overlap.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if err := m.Maintain(ctx, true); err != nil {
		m.logger.Warn("initial cache refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Maintain(ctx, false); err != nil {
				m.logger.Warn("cache maintenance failed", "error", err)
			}
		}
	}
}

// Totals reports the manifest entry count and total cached bytes.
func (m *Manager) Totals() (entries int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.manifest.entries), m.manifest.total
}

// HitCounts reports fast-path hits and populations since start.
func (m *Manager) HitCounts() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

func (m *Manager) wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("clear cache dir: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("recreate cache dir: %w", err)
	}
	m.manifest = newManifest()
	return nil
}

// filePath maps a flat asset key onto the cache directory. Keys carrying
// path separators or dot components are rejected rather than sanitized.
func (m *Manager) filePath(key string) (string, error) {
	if key == "" || key == "." || key == ".." || filepath.Base(key) != key {
		return "", ErrInvalidKey
	}
	if key == manifestName || key == manifestName+".tmp" {
		return "", ErrInvalidKey
	}
	return filepath.Join(m.dir, key), nil
}

func fileUsable(path string, wantSize int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0 && info.Size() == wantSize
}
