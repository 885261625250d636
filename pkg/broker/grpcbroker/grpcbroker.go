// Package grpcbroker exchanges messages between nodes over gRPC. Every node
// runs an Exchange server; publishing pushes the message to the peers'
// servers, which queue it locally until the node consumes it.
package grpcbroker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"dpn/pkg/broker"
	"dpn/pkg/message"
	"dpn/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const callTimeout = 10 * time.Second

type Broker struct {
	node         types.NodeID
	address      string
	requeueDelay time.Duration
	logger       *zap.Logger

	inboxes map[message.Scope]*broker.Inbox
	pool    *connectionPool
	retry   retryPolicy

	serverCreds credentials.TransportCredentials

	mu       sync.RWMutex
	peers    map[types.NodeID]string
	server   *grpc.Server
	listener net.Listener
}

type Option func(*Broker)

// WithCredentials sets the transport credentials used to reach peers.
func WithCredentials(creds credentials.TransportCredentials) Option {
	return func(b *Broker) { b.pool.creds = creds }
}

func WithRequeueDelay(d time.Duration) Option {
	return func(b *Broker) { b.requeueDelay = d }
}

// New creates a broker for node listening on address once started.
func New(node types.NodeID, address string, logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		node:         node,
		address:      address,
		requeueDelay: broker.DefaultRequeueDelay,
		logger:       logger.With(zap.String("broker", "grpc")),
		inboxes: map[message.Scope]*broker.Inbox{
			message.Broadcast: broker.NewInbox(),
			message.Direct:    broker.NewInbox(),
		},
		retry: defaultRetryPolicy(),
		peers: make(map[types.NodeID]string),
	}
	b.pool = newConnectionPool(nil, b.logger)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddPeer records the exchange address of a federation member.
func (b *Broker) AddPeer(node types.NodeID, address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.peers[node]; ok && old != address {
		b.pool.discard(old)
	}
	b.peers[node] = address
}

func (b *Broker) RemovePeer(node types.NodeID) {
	b.mu.Lock()
	addr, ok := b.peers[node]
	delete(b.peers, node)
	b.mu.Unlock()
	if ok {
		b.pool.discard(addr)
	}
}

// Peers lists known members in name order.
func (b *Broker) Peers() []types.NodeID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.NodeID, 0, len(b.peers))
	for n := range b.peers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start listens on the configured address and serves the exchange in the
// background. It returns the bound address.
func (b *Broker) Start() (string, error) {
	lis, err := net.Listen("tcp", b.address)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", b.address, err)
	}
	var opts []grpc.ServerOption
	if b.serverCreds != nil {
		opts = append(opts, grpc.Creds(b.serverCreds))
	}
	server := grpc.NewServer(opts...)
	server.RegisterService(&exchangeServiceDesc, b)

	b.mu.Lock()
	b.server = server
	b.listener = lis
	b.mu.Unlock()

	go func() {
		if err := server.Serve(lis); err != nil {
			b.logger.Error("Exchange server stopped", zap.Error(err))
		}
	}()

	b.logger.Info("Exchange listening",
		zap.String("node", string(b.node)),
		zap.String("address", lis.Addr().String()))
	return lis.Addr().String(), nil
}

// Deliver implements the exchange service.
func (b *Broker) Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	scope, msg, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	b.inboxes[scope].Push(msg)
	return &emptypb.Empty{}, nil
}

func (b *Broker) Publish(ctx context.Context, scope message.Scope, routingKey string, msg *message.Message) error {
	switch scope {
	case message.Broadcast:
		b.inboxes[message.Broadcast].Push(msg)

		b.mu.RLock()
		targets := make(map[types.NodeID]string, len(b.peers))
		for n, addr := range b.peers {
			targets[n] = addr
		}
		b.mu.RUnlock()

		var errs []error
		for n, addr := range targets {
			if err := b.push(ctx, addr, scope, msg); err != nil {
				errs = append(errs, fmt.Errorf("failed to broadcast to %s: %w", n, err))
			}
		}
		return errors.Join(errs...)

	case message.Direct:
		node := types.NodeID(routingKey)
		if node == b.node {
			b.inboxes[message.Direct].Push(msg)
			return nil
		}
		b.mu.RLock()
		addr, ok := b.peers[node]
		b.mu.RUnlock()
		if !ok {
			return fmt.Errorf("no route to node %q", routingKey)
		}
		if err := b.push(ctx, addr, scope, msg); err != nil {
			return fmt.Errorf("failed to deliver to %s: %w", node, err)
		}
		return nil
	}
	return fmt.Errorf("unknown scope %s", scope)
}

func (b *Broker) push(ctx context.Context, addr string, scope message.Scope, msg *message.Message) error {
	req, err := encodeRequest(scope, msg)
	if err != nil {
		return err
	}
	err = b.retry.do(ctx, func(ctx context.Context) error {
		conn, err := b.pool.get(addr)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return conn.Invoke(callCtx, deliverMethod, req, &emptypb.Empty{})
	})
	if err != nil && isRetryable(err) {
		b.pool.discard(addr)
	}
	return err
}

func (b *Broker) Consume(ctx context.Context, scope message.Scope, handle func(*message.Delivery)) error {
	q, ok := b.inboxes[scope]
	if !ok {
		return fmt.Errorf("unknown scope %s", scope)
	}
	return broker.Consume(ctx, q, scope, b.requeueDelay, handle)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	server := b.server
	b.server = nil
	b.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	b.pool.close()
	for _, q := range b.inboxes {
		q.Close()
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
