package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAgent(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	err := s.CreateAgent(context.Background(), &store.Agent{
		ID:        id,
		Username:  id,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
}

func seedSessionRecord(t *testing.T, s *store.SQLiteStore, id, agentID string, expiresAt time.Time) {
	t.Helper()
	err := s.CreateSessionRecord(context.Background(), &store.SessionRecord{
		ID:        id,
		AgentID:   agentID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSessionRecord: %v", err)
	}
}

func TestSweepEvictsExpiredAndMissing(t *testing.T) {
	s := newTestStore(t)
	r := NewRegistry()
	logger := slog.Default()

	seedAgent(t, s, "hb-agent-1")
	seedSessionRecord(t, s, "hb-live", "hb-agent-1", time.Now().Add(time.Hour))
	seedSessionRecord(t, s, "hb-expired", "hb-agent-1", time.Now().Add(-time.Minute))

	live := &fakeConn{}
	expired := &fakeConn{}
	orphan := &fakeConn{} // no backing record at all

	r.Register("hb-live", "hb-agent-1", live)
	r.Register("hb-expired", "hb-agent-1", expired)
	r.Register("hb-orphan", "hb-agent-1", orphan)

	var evicted []string
	sw := NewSweeper(r, s, time.Second, logger, func(sessionID, agentID string) {
		evicted = append(evicted, sessionID)
	})
	sw.sweep(context.Background())

	if !r.Connected("hb-live") {
		t.Error("live session was evicted")
	}
	if r.Connected("hb-expired") {
		t.Error("expired session survived sweep")
	}
	if r.Connected("hb-orphan") {
		t.Error("session without backing record survived sweep")
	}
	if !expired.closed || expired.reason != "Session expired" {
		t.Errorf("expired close: closed=%v reason=%q", expired.closed, expired.reason)
	}
	if len(evicted) != 2 {
		t.Errorf("onEvict calls: got %d, want 2", len(evicted))
	}
}

type failingStore struct {
	store.Store
}

func (f *failingStore) GetSessionRecord(ctx context.Context, id string) (*store.SessionRecord, error) {
	return nil, errors.New("db unreachable")
}

func TestSweepKeepsSessionsOnStoreError(t *testing.T) {
	s := newTestStore(t)
	r := NewRegistry()

	c := &fakeConn{}
	r.Register("hb-err", "hb-agent-err", c)

	sw := NewSweeper(r, &failingStore{Store: s}, time.Second, slog.Default(), nil)
	sw.sweep(context.Background())

	// A store error is "no information": the session must not be evicted.
	if !r.Connected("hb-err") {
		t.Error("session evicted on store error")
	}
	if c.closed {
		t.Error("connection closed on store error")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	r := NewRegistry()
	sw := NewSweeper(r, s, time.Millisecond, slog.Default(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
