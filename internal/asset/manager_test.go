package asset

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

// countingStore wraps the SQLite store and counts source fetches so the
// dedup tests can assert exactly one population per key.
type countingStore struct {
	*store.SQLiteStore
	dataFetches atomic.Int64
}

func (c *countingStore) GetAssetData(ctx context.Context, key string) ([]byte, error) {
	c.dataFetches.Add(1)
	return c.SQLiteStore.GetAssetData(ctx, key)
}

func newTestManager(t *testing.T, budget int64) (*Manager, *countingStore, string) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cs := &countingStore{SQLiteStore: s}
	dir := t.TempDir()
	m, err := NewManager(cs, dir, budget, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, cs, dir
}

func putAsset(t *testing.T, s *store.SQLiteStore, key string, data []byte, updatedAt time.Time) {
	t.Helper()
	err := s.PutAsset(context.Background(), &store.AssetRecord{
		Key:       key,
		MimeType:  "application/octet-stream",
		SyncGroup: "normal",
		UpdatedAt: updatedAt,
	}, data)
	if err != nil {
		t.Fatalf("PutAsset %s: %v", key, err)
	}
}

func TestResolvePopulatesAndHitsFastPath(t *testing.T) {
	m, cs, dir := newTestManager(t, 1<<20)
	putAsset(t, cs.SQLiteStore, "model.glb", []byte("binary-model-data"), time.Now())

	path, err := m.Resolve(context.Background(), "model.glb")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path outside cache dir: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if !bytes.Equal(data, []byte("binary-model-data")) {
		t.Errorf("cached content mismatch: %q", data)
	}

	// Second resolve takes the fast path without touching the source.
	before := cs.dataFetches.Load()
	again, err := m.Resolve(context.Background(), "model.glb")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if again != path {
		t.Errorf("paths differ: %s vs %s", again, path)
	}
	if cs.dataFetches.Load() != before {
		t.Error("fast path hit the source store")
	}

	hits, misses := m.HitCounts()
	if hits != 1 || misses != 1 {
		t.Errorf("hit counts: hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestResolveConcurrentDedup(t *testing.T) {
	m, cs, _ := newTestManager(t, 1<<20)
	putAsset(t, cs.SQLiteStore, "shared.glb", []byte("shared-data"), time.Now())

	const callers = 16
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = m.Resolve(context.Background(), "shared.glb")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("caller %d got different path: %s", i, paths[i])
		}
	}
	if n := cs.dataFetches.Load(); n != 1 {
		t.Errorf("source fetches: got %d, want 1", n)
	}
}

func TestResolveErrors(t *testing.T) {
	m, _, _ := newTestManager(t, 64)

	if _, err := m.Resolve(context.Background(), "nope.glb"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("unknown key: got %v", err)
	}
	for _, key := range []string{"", ".", "..", "a/b", "../escape", "manifest.json"} {
		if _, err := m.Resolve(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: got %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestResolveOversizedAsset(t *testing.T) {
	m, cs, _ := newTestManager(t, 10)
	putAsset(t, cs.SQLiteStore, "big.bin", bytes.Repeat([]byte("x"), 11), time.Now())

	if _, err := m.Resolve(context.Background(), "big.bin"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	// A failed population leaves no manifest entry, and a retry is a fresh
	// attempt rather than a stuck in-flight marker.
	if entries, _ := m.Totals(); entries != 0 {
		t.Errorf("entries after failed population: %d", entries)
	}
	if _, err := m.Resolve(context.Background(), "big.bin"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("retry: expected ErrTooLarge, got %v", err)
	}
}

func TestEvictionHonorsBudgetAndOrder(t *testing.T) {
	m, cs, _ := newTestManager(t, 30)
	base := time.Now().Add(-time.Hour)
	putAsset(t, cs.SQLiteStore, "old.bin", bytes.Repeat([]byte("a"), 10), base)
	putAsset(t, cs.SQLiteStore, "mid.bin", bytes.Repeat([]byte("b"), 10), base.Add(time.Minute))
	putAsset(t, cs.SQLiteStore, "new.bin", bytes.Repeat([]byte("c"), 10), base.Add(2*time.Minute))

	ctx := context.Background()
	for _, key := range []string{"old.bin", "mid.bin", "new.bin"} {
		if _, err := m.Resolve(ctx, key); err != nil {
			t.Fatalf("Resolve %s: %v", key, err)
		}
		if _, total := m.Totals(); total > 30 {
			t.Fatalf("budget exceeded after %s: %d", key, total)
		}
	}

	// All three fit exactly. A fourth forces eviction of the entry with the
	// oldest source timestamp.
	putAsset(t, cs.SQLiteStore, "push.bin", bytes.Repeat([]byte("d"), 10), base.Add(3*time.Minute))
	if _, err := m.Resolve(ctx, "push.bin"); err != nil {
		t.Fatalf("Resolve push.bin: %v", err)
	}

	entries, total := m.Totals()
	if entries != 3 || total != 30 {
		t.Fatalf("after eviction: entries=%d total=%d", entries, total)
	}

	m.mu.Lock()
	_, oldPresent := m.manifest.get("old.bin")
	_, midPresent := m.manifest.get("mid.bin")
	m.mu.Unlock()
	if oldPresent {
		t.Error("oldest entry survived eviction")
	}
	if !midPresent {
		t.Error("newer entry was evicted out of order")
	}
}

func TestEvictionTieBreaksByKey(t *testing.T) {
	m, cs, _ := newTestManager(t, 20)
	ts := time.Now().Add(-time.Hour).Truncate(time.Second)
	putAsset(t, cs.SQLiteStore, "aaa.bin", bytes.Repeat([]byte("a"), 10), ts)
	putAsset(t, cs.SQLiteStore, "bbb.bin", bytes.Repeat([]byte("b"), 10), ts)
	putAsset(t, cs.SQLiteStore, "ccc.bin", bytes.Repeat([]byte("c"), 10), ts.Add(time.Minute))

	ctx := context.Background()
	for _, key := range []string{"aaa.bin", "bbb.bin"} {
		if _, err := m.Resolve(ctx, key); err != nil {
			t.Fatalf("Resolve %s: %v", key, err)
		}
	}
	if _, err := m.Resolve(ctx, "ccc.bin"); err != nil {
		t.Fatalf("Resolve ccc.bin: %v", err)
	}

	// aaa.bin and bbb.bin share a timestamp; the key order decides.
	m.mu.Lock()
	_, aPresent := m.manifest.get("aaa.bin")
	_, bPresent := m.manifest.get("bbb.bin")
	m.mu.Unlock()
	if aPresent {
		t.Error("tie-break kept aaa.bin; the smallest key evicts first")
	}
	if !bPresent {
		t.Error("bbb.bin evicted despite tie-break order")
	}
}

// gatedStore blocks the first source data fetch until released so a test
// can line up a second caller against the in-flight population.
type gatedStore struct {
	*store.SQLiteStore
	dataFetches atomic.Int64
	started     chan struct{}
	release     chan struct{}
}

func (g *gatedStore) GetAssetData(ctx context.Context, key string) ([]byte, error) {
	if g.dataFetches.Add(1) == 1 {
		close(g.started)
		<-g.release
	}
	return g.SQLiteStore.GetAssetData(ctx, key)
}

func TestMaintainSharesInFlightPopulation(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	gs := &gatedStore{SQLiteStore: s, started: make(chan struct{}), release: make(chan struct{})}
	m, err := NewManager(gs, t.TempDir(), 1<<20, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	putAsset(t, s, "race.bin", []byte("contended"), time.Now().Truncate(time.Second))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := m.Resolve(context.Background(), "race.bin"); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()
	<-gs.started

	// The sweep arrives while the resolve's population is still in flight
	// and must join it rather than fetch again.
	go func() {
		defer wg.Done()
		if err := m.Maintain(context.Background(), false); err != nil {
			t.Errorf("Maintain: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)
	close(gs.release)
	wg.Wait()

	if n := gs.dataFetches.Load(); n != 1 {
		t.Errorf("source fetches: got %d, want 1", n)
	}
}

// assertCacheConsistent checks that the cached bytes fit the budget, that
// the running total matches the entries, and that every manifest entry has
// an on-disk file of the recorded size.
func assertCacheConsistent(t *testing.T, m *Manager, budget int64) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for key, e := range m.manifest.entries {
		sum += e.SizeBytes
		info, err := os.Stat(e.FilePath)
		if err != nil {
			t.Fatalf("entry %q has no backing file: %v", key, err)
		}
		if info.Size() != e.SizeBytes {
			t.Fatalf("entry %q: disk size %d, recorded %d", key, info.Size(), e.SizeBytes)
		}
	}
	if sum != m.manifest.total {
		t.Fatalf("manifest total %d, entries sum to %d", m.manifest.total, sum)
	}
	if sum > budget {
		t.Fatalf("cached bytes %d exceed budget %d", sum, budget)
	}
}

func TestRandomizedOpsKeepBudgetAndManifestConsistent(t *testing.T) {
	const budget = 100
	m, cs, _ := newTestManager(t, budget)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	keys := []string{"r0.bin", "r1.bin", "r2.bin", "r3.bin", "r4.bin", "r5.bin"}

	for i := 0; i < 400; i++ {
		key := keys[rng.Intn(len(keys))]
		switch rng.Intn(6) {
		case 0: // source create or update
			size := 10 + rng.Intn(40)
			putAsset(t, cs.SQLiteStore, key, bytes.Repeat([]byte("x"), size),
				time.Now().Add(time.Duration(i)*time.Second).Truncate(time.Second))
		case 1: // source delete
			if err := cs.DeleteAsset(ctx, key); err != nil {
				t.Fatalf("DeleteAsset %s: %v", key, err)
			}
		case 2: // maintenance sweep
			if err := m.Maintain(ctx, false); err != nil {
				t.Fatalf("Maintain: %v", err)
			}
		default: // resolve
			if _, err := m.Resolve(ctx, key); err != nil && !errors.Is(err, ErrUnknownKey) {
				t.Fatalf("Resolve %s: %v", key, err)
			}
		}
		assertCacheConsistent(t, m, budget)
	}
}

func TestMaintainRemovesAndRefreshes(t *testing.T) {
	m, cs, _ := newTestManager(t, 1<<20)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).Truncate(time.Second)

	putAsset(t, cs.SQLiteStore, "keep.bin", []byte("v1"), old)
	putAsset(t, cs.SQLiteStore, "gone.bin", []byte("bye"), old)

	keepPath, err := m.Resolve(ctx, "keep.bin")
	if err != nil {
		t.Fatal(err)
	}
	gonePath, err := m.Resolve(ctx, "gone.bin")
	if err != nil {
		t.Fatal(err)
	}

	// Source changes: one row deleted, one updated.
	if err := cs.DeleteAsset(ctx, "gone.bin"); err != nil {
		t.Fatal(err)
	}
	putAsset(t, cs.SQLiteStore, "keep.bin", []byte("version-two"), time.Now().Truncate(time.Second))

	if err := m.Maintain(ctx, false); err != nil {
		t.Fatalf("Maintain: %v", err)
	}

	if _, err := os.Stat(gonePath); !os.IsNotExist(err) {
		t.Error("removed asset's file still on disk")
	}
	data, err := os.ReadFile(keepPath)
	if err != nil {
		t.Fatalf("read refreshed file: %v", err)
	}
	if !bytes.Equal(data, []byte("version-two")) {
		t.Errorf("refreshed content: %q", data)
	}

	entries, total := m.Totals()
	if entries != 1 || total != int64(len("version-two")) {
		t.Errorf("totals after maintain: entries=%d total=%d", entries, total)
	}
}

func TestMaintainFullRefreshWipes(t *testing.T) {
	m, cs, dir := newTestManager(t, 1<<20)
	ctx := context.Background()
	putAsset(t, cs.SQLiteStore, "a.bin", []byte("aaa"), time.Now())

	if _, err := m.Resolve(ctx, "a.bin"); err != nil {
		t.Fatal(err)
	}
	// Drop a stray file; the wipe must clear it along with the cache.
	stray := filepath.Join(dir, "stray.bin")
	if err := os.WriteFile(stray, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Maintain(ctx, true); err != nil {
		t.Fatalf("Maintain(full): %v", err)
	}

	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("stray file survived full refresh")
	}
	// The source still has a.bin, so the refresh repopulated it.
	entries, _ := m.Totals()
	if entries != 1 {
		t.Errorf("entries after full refresh: %d", entries)
	}
}

func TestManifestSurvivesRestart(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	dir := t.TempDir()

	putAsset(t, s, "persist.bin", []byte("durable"), time.Now().Truncate(time.Second))

	m1, err := NewManager(s, dir, 1<<20, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Resolve(context.Background(), "persist.bin"); err != nil {
		t.Fatal(err)
	}

	// A new manager over the same directory loads the manifest and serves
	// the key without a source fetch.
	cs := &countingStore{SQLiteStore: s}
	m2, err := NewManager(cs, dir, 1<<20, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m2.Resolve(context.Background(), "persist.bin"); err != nil {
		t.Fatalf("Resolve after restart: %v", err)
	}
	if cs.dataFetches.Load() != 0 {
		t.Error("restart lost the manifest and re-fetched from source")
	}
}
