package message

import (
	"context"
	"fmt"
	"time"

	"dpn/pkg/types"
)

// Sender stamps outbound envelopes for one node and publishes them. Replies
// to the node are addressed to its own name.
type Sender struct {
	Node      types.NodeID
	TTL       time.Duration
	Publisher Publisher
	// Now defaults to time.Now.
	Now func() time.Time
	// Observe, if set, is told the outcome of every publish.
	Observe func(name Name, err error)
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Send publishes body as message seq of the given conversation.
func (s *Sender) Send(ctx context.Context, scope Scope, routingKey string, correlation types.CorrelationID, seq int, body Body) error {
	env := NewEnvelope(s.Node, string(s.Node), correlation, seq, s.now(), s.TTL)
	msg, err := New(env, body)
	if err != nil {
		return err
	}

	err = s.Publisher.Publish(ctx, scope, routingKey, msg)
	if s.Observe != nil {
		s.Observe(body.MessageName(), err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", body.MessageName(), routingKey, err)
	}
	return nil
}

// Broadcast sends body to every node.
func (s *Sender) Broadcast(ctx context.Context, correlation types.CorrelationID, seq int, body Body) error {
	return s.Send(ctx, Broadcast, "", correlation, seq, body)
}

// Reply sends body directly to the sender of env, continuing its sequence.
func (s *Sender) Reply(ctx context.Context, env Envelope, body Body) error {
	return s.Send(ctx, Direct, env.ReplyKey, env.CorrelationID, env.Sequence+1, body)
}
