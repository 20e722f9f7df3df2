package core

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
)

// Frame is a raw wire payload on the signaling transport.
type Frame []byte

// SignalBus is the real-time transport collaborator: topic-scoped
// pub/sub keyed by call ID. At-most-once delivery, no persistence, no
// ordering guarantee across topics.
//
// Publish is fire-and-forget by contract: implementations log delivery
// failures and continue, they never surface them to the caller. Every
// subscriber on a topic receives every message, including the sender's
// own. Consumers must filter on envelope.To.
type SignalBus interface {
	// OpenTopic is idempotent; it must be called before Publish or
	// Subscribe for the given call.
	OpenTopic(callID string) error
	Publish(ctx context.Context, env *domain.SignalEnvelope)
	Subscribe(callID string, fn func(*domain.SignalEnvelope)) (cancel func())
	// CloseTopic releases the caller's claim on the topic. It never
	// tears down other parties' live subscriptions; the topic itself
	// is reclaimed once the last subscription cancels. Must be called
	// on call termination to avoid leaking topics.
	CloseTopic(callID string)
}
