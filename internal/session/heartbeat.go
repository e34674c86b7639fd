package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

// closeReasonExpired is the close reason pushed to clients whose backing
// record disappeared or expired.
const closeReasonExpired = "Session expired"

// sweepConcurrency bounds how many session records one sweep validates at
// a time.
const sweepConcurrency = 16

// Sweeper periodically re-validates every registered session against its
// backing record and evicts sessions whose record is gone or expired.
// This is the only liveness mechanism: clients that vanish without a clean
// disconnect are reclaimed here, not by transport keepalive.
type Sweeper struct {
	registry *Registry
	store    store.Store
	interval time.Duration
	logger   *slog.Logger

	// onEvict, if set, runs after a session is evicted. The gateway uses it
	// to drop ACL entries for agents with no remaining sessions.
	onEvict func(sessionID, agentID string)
}

// NewSweeper creates a sweeper for the given registry.
func NewSweeper(r *Registry, s store.Store, interval time.Duration, logger *slog.Logger, onEvict func(sessionID, agentID string)) *Sweeper {
	return &Sweeper{
		registry: r,
		store:    s,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
		onEvict:  onEvict,
	}
}

// Run blocks until ctx is canceled. Sweeps run inline in the ticker loop,
// so a slow sweep delays the next tick instead of stacking concurrent runs.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep validates all registered sessions concurrently. A store error for
// a session is "no information" and never evicts: a transient database
// outage must not mass-disconnect the world.
func (s *Sweeper) sweep(ctx context.Context) {
	sessions := s.registry.Sessions()
	if len(sessions) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			rec, err := s.store.GetSessionRecord(ctx, sess.SessionID)
			if err != nil {
				s.logger.Warn("heartbeat validation failed, keeping session", "session_id", sess.SessionID, "error", err)
				return nil
			}
			if rec != nil && !rec.Expired(time.Now()) {
				return nil
			}
			if s.registry.Evict(sess.SessionID, closeReasonExpired) {
				s.logger.Info("evicted expired session", "session_id", sess.SessionID, "agent_id", sess.AgentID)
				if s.onEvict != nil {
					s.onEvict(sess.SessionID, sess.AgentID)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
