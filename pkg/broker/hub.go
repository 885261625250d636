package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// Hub is an in-process exchange shared by several nodes, used for single
// process federations and tests.
type Hub struct {
	mu           sync.RWMutex
	inboxes      map[types.NodeID]map[message.Scope]*Inbox
	requeueDelay time.Duration
	logger       *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		inboxes:      make(map[types.NodeID]map[message.Scope]*Inbox),
		requeueDelay: DefaultRequeueDelay,
		logger:       logger,
	}
}

// SetRequeueDelay changes the delay applied to requeued deliveries.
func (h *Hub) SetRequeueDelay(d time.Duration) {
	h.requeueDelay = d
}

// Connect attaches node to the hub and returns its broker.
func (h *Hub) Connect(node types.NodeID) *HubBroker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inboxes[node]; !ok {
		h.inboxes[node] = map[message.Scope]*Inbox{
			message.Broadcast: NewInbox(),
			message.Direct:    NewInbox(),
		}
	}
	return &HubBroker{hub: h, node: node}
}

func (h *Hub) inbox(node types.NodeID, scope message.Scope) (*Inbox, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, ok := h.inboxes[node][scope]
	return q, ok
}

func (h *Hub) disconnect(node types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.inboxes[node] {
		q.Close()
	}
	delete(h.inboxes, node)
}

// HubBroker is one node's view of a Hub.
type HubBroker struct {
	hub  *Hub
	node types.NodeID
}

func (b *HubBroker) Publish(ctx context.Context, scope message.Scope, routingKey string, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch scope {
	case message.Broadcast:
		b.hub.mu.RLock()
		defer b.hub.mu.RUnlock()
		for _, scopes := range b.hub.inboxes {
			scopes[message.Broadcast].Push(msg)
		}
		return nil
	case message.Direct:
		q, ok := b.hub.inbox(types.NodeID(routingKey), message.Direct)
		if !ok {
			return fmt.Errorf("no route to node %q", routingKey)
		}
		q.Push(msg)
		return nil
	}
	return fmt.Errorf("unknown scope %s", scope)
}

func (b *HubBroker) Consume(ctx context.Context, scope message.Scope, handle func(*message.Delivery)) error {
	q, ok := b.hub.inbox(b.node, scope)
	if !ok {
		return fmt.Errorf("node %s is not connected", b.node)
	}
	return Consume(ctx, q, scope, b.hub.requeueDelay, handle)
}

func (b *HubBroker) Close() error {
	b.hub.disconnect(b.node)
	return nil
}
