// Package reflect implements the ephemeral, ACL-gated broadcast mechanism.
//
// A publish is authorized, fanned out to every connected session whose
// agent can read the target sync group, and discarded. Nothing is stored,
// nothing is retried, and no ordering is promised across distinct
// (sync group, channel) pairs.
package reflect

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vircadia/vircadia-world-sub000/internal/acl"
	"github.com/vircadia/vircadia-world-sub000/internal/session"
	"github.com/vircadia/vircadia-world-sub000/pkg/protocol"
)

// Publish failure reasons, surfaced verbatim in the ack.
const (
	ReasonInvalid       = "Invalid sync group or channel"
	ReasonNotAuthorized = "Not authorized"
)

// Fanout authorizes publishes and delivers them through the registry.
type Fanout struct {
	registry  *session.Registry
	acl       *acl.Cache
	logger    *slog.Logger
	delivered atomic.Int64
}

// New creates a Fanout.
func New(r *session.Registry, c *acl.Cache, logger *slog.Logger) *Fanout {
	return &Fanout{
		registry: r,
		acl:      c,
		logger:   logger.With("component", "reflect"),
	}
}

// Publish authorizes and fans out one broadcast. Returns the count of
// successful pushes and an empty reason, or zero and the failure reason.
// Read capability on the sync group doubles as the publish gate; there is
// no separate write permission model. The publisher never receives its own
// broadcast: fromSessionID is excluded from the recipient set.
func (f *Fanout) Publish(ctx context.Context, fromSessionID, fromAgentID, syncGroup, channel string, payload json.RawMessage) (int, string) {
	if syncGroup == "" || channel == "" {
		return 0, ReasonInvalid
	}

	// Warm on demand so a freshly connected publisher is not denied just
	// because nothing has touched its ACL entry yet.
	if !f.acl.Warmed(fromAgentID) {
		_ = f.acl.Warm(ctx, fromAgentID)
	}
	if !f.acl.CanRead(fromAgentID, syncGroup) {
		return 0, ReasonNotAuthorized
	}

	data, err := deliveryEnvelope(syncGroup, channel, payload, fromSessionID)
	if err != nil {
		f.logger.Warn("marshal delivery failed", "sync_group", syncGroup, "channel", channel, "error", err)
		return 0, ReasonInvalid
	}

	delivered := f.registry.Broadcast(data, func(agentID string) bool {
		return f.acl.CanRead(agentID, syncGroup)
	}, fromSessionID)

	f.delivered.Add(int64(delivered))
	return delivered, ""
}

// DeliveredTotal returns the number of successful deliveries since start.
func (f *Fanout) DeliveredTotal() int64 {
	return f.delivered.Load()
}

func deliveryEnvelope(syncGroup, channel string, payload json.RawMessage, fromSessionID string) ([]byte, error) {
	body, err := json.Marshal(protocol.ReflectDelivery{
		SyncGroup:     syncGroup,
		Channel:       channel,
		Payload:       payload,
		FromSessionID: fromSessionID,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocol.Envelope{
		Type:      protocol.TypeReflectDelivery,
		Timestamp: time.Now(),
		Payload:   body,
	})
}
