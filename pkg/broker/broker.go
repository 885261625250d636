// Package broker moves messages between nodes. Each node holds one Broker
// bound to its name; Publish addresses peers and Consume yields this node's
// deliveries for one scope.
package broker

import (
	"context"
	"time"

	"dpn/pkg/message"
)

// DefaultRequeueDelay is how long a requeued delivery waits before it is
// offered again.
const DefaultRequeueDelay = time.Second

type Broker interface {
	message.Publisher
	// Consume hands each delivery for scope to handle until ctx is done.
	// handle owns the delivery and must settle it.
	Consume(ctx context.Context, scope message.Scope, handle func(*message.Delivery)) error
	Close() error
}
