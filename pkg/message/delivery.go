package message

import (
	"context"
	"sync"
)

// Disposition is what the consumer tells the broker after handling a
// delivery.
type Disposition int

const (
	// Acknowledge removes the message from its queue.
	Acknowledge Disposition = iota
	// Reject removes the message without redelivery.
	Reject
	// Requeue asks the broker to deliver the message again later.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Acknowledge:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

// Delivery is one message handed to a consumer. Settle must be called
// exactly once; later calls are ignored.
type Delivery struct {
	Scope   Scope
	Message *Message

	once   sync.Once
	settle func(Disposition)
}

func NewDelivery(scope Scope, msg *Message, settle func(Disposition)) *Delivery {
	return &Delivery{Scope: scope, Message: msg, settle: settle}
}

func (d *Delivery) Settle(disp Disposition) {
	d.once.Do(func() {
		if d.settle != nil {
			d.settle(disp)
		}
	})
}

// Publisher hands outbound messages to the broker. For Broadcast the routing
// key is ignored; for Direct it names the receiving node.
type Publisher interface {
	Publish(ctx context.Context, scope Scope, routingKey string, msg *Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, scope Scope, routingKey string, msg *Message) error

func (f PublisherFunc) Publish(ctx context.Context, scope Scope, routingKey string, msg *Message) error {
	return f(ctx, scope, routingKey, msg)
}
