package grpcbroker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// connectionPool keeps one client connection per peer address.
type connectionPool struct {
	mu          sync.Mutex
	connections map[string]*grpc.ClientConn
	creds       credentials.TransportCredentials
	logger      *zap.Logger
}

func newConnectionPool(creds credentials.TransportCredentials, logger *zap.Logger) *connectionPool {
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	return &connectionPool{
		connections: make(map[string]*grpc.ClientConn),
		creds:       creds,
		logger:      logger,
	}
}

// get returns the pooled connection for addr, creating it on first use.
// Connections are lazy; dialing happens on the first call.
func (p *connectionPool) get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.connections[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(p.creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	p.connections[addr] = conn
	p.logger.Debug("Created peer connection", zap.String("address", addr))
	return conn, nil
}

// discard closes and forgets the connection for addr so the next call
// redials.
func (p *connectionPool) discard(addr string) {
	p.mu.Lock()
	conn, ok := p.connections[addr]
	delete(p.connections, addr)
	p.mu.Unlock()

	if ok {
		conn.Close()
	}
}

func (p *connectionPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.connections {
		conn.Close()
		delete(p.connections, addr)
	}
}
