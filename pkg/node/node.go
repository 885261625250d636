// Package node assembles a replication node from its configuration: the
// store, broker, router and workflow engine, plus the loops that keep them
// moving.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dpn/pkg/broker"
	"dpn/pkg/config"
	"dpn/pkg/message"
	"dpn/pkg/metrics"
	"dpn/pkg/registry"
	"dpn/pkg/router"
	"dpn/pkg/selector"
	"dpn/pkg/sequence"
	"dpn/pkg/transport"
	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Node struct {
	name   types.NodeID
	cfg    *config.Config
	logger *zap.Logger

	store      Store
	broker     broker.Broker
	sender     *message.Sender
	registry   *registry.Service
	resolver   *registry.Resolver
	engine     *workflow.Engine
	router     *router.Router
	transport  *transport.Local
	dispatch   *dispatcher
	transfers  *workflow.Pool
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	health     *metrics.Health
	httpServer *http.Server

	mu       sync.Mutex
	lastSync time.Time
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type options struct {
	store    Store
	broker   broker.Broker
	registry *prometheus.Registry
}

type Option func(*options)

// WithStore uses s instead of opening the configured store.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithBroker uses b instead of the configured broker driver.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithRegistry registers the node's collectors on r.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// New builds a node without starting it. A node that is never started can
// still initiate work, which is how the CLI drives a running node through a
// shared store and broker.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	name := types.NodeID(cfg.NodeName)
	logger = logger.With(zap.String("node", cfg.NodeName))

	policy, err := selector.PolicyByName(cfg.Replication.SelectionPolicy, nodeIDs(cfg.Replication.PreferredNodes))
	if err != nil {
		return nil, err
	}
	local, err := transport.NewLocal(cfg.Replication.StagingDir, cfg.Replication.RepositoryDir, logger.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare bag directories: %w", err)
	}

	store := o.store
	if store == nil {
		if store, err = openStore(cfg.Storage); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}
	b := o.broker
	if b == nil {
		if b, err = openBroker(name, cfg.Broker, logger.Named("broker")); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open broker: %w", err)
		}
	}

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	n := &Node{
		name:      name,
		cfg:       cfg,
		logger:    logger,
		store:     store,
		broker:    b,
		transport: local,
		transfers: workflow.NewPool(cfg.Replication.TransferWorkers),
		metrics:   m,
		gatherer:  reg,
		health:    metrics.NewHealth(cfg.NodeName),
	}
	n.sender = &message.Sender{
		Node:      name,
		TTL:       cfg.Broker.MessageTTL.Std(),
		Publisher: b,
		Observe: func(msg message.Name, err error) {
			m.Published(msg.String(), err)
		},
	}
	n.registry = registry.NewService(name, store, n.sender, m, logger.Named("registry"))
	n.resolver = registry.NewResolver(name, store, m, logger.Named("resolver"))

	n.engine, err = workflow.NewEngine(workflow.Config{
		Node:             name,
		ReplicationCount: cfg.Replication.Count,
		Protocols:        cfg.SupportedProtocols(),
		MaxBagSize:       cfg.Replication.MaxBagSize.Bytes(),
		FixityAlgorithm:  cfg.Replication.FixityAlgorithm,
		SelectionDelay:   cfg.Replication.SelectionDelay.Std(),
	}, workflow.Deps{
		Store:      store,
		Registry:   n.registry,
		Selector:   selector.New(policy),
		Transport:  local,
		Repository: local,
		Sender:     n.sender,
		Tasks:      n.transfers,
		Metrics:    m,
		Logger:     logger.Named("workflow"),
	})
	if err != nil {
		n.closeBackends()
		return nil, err
	}

	n.router = router.New(name, sequence.NewTracker(store, logger.Named("sequence")), m, logger.Named("router"))
	if err := n.registerRoutes(); err != nil {
		n.closeBackends()
		return nil, err
	}
	return n, nil
}

func nodeIDs(names []string) []types.NodeID {
	out := make([]types.NodeID, 0, len(names))
	for _, s := range names {
		out = append(out, types.NodeID(s))
	}
	return out
}

func (n *Node) registerRoutes() error {
	e, r := n.engine, n.registry
	routes := []struct {
		name    message.Name
		scope   message.Scope
		handler router.Handler
	}{
		{message.ReplicationInitQuery, message.Broadcast, router.Typed(e.HandleInitQuery)},
		{message.RecoveryInitQuery, message.Broadcast, router.Typed(e.HandleRecoveryInitQuery)},
		{message.RegistryItemCreate, message.Broadcast, router.Typed(r.HandleItemCreate)},
		{message.RegistryDaterangeSyncRequest, message.Broadcast, router.Typed(r.HandleSyncRequest)},

		{message.ReplicationAvailableReply, message.Direct, router.Typed(e.HandleAvailableReply)},
		{message.ReplicationLocationReply, message.Direct, router.Typed(e.HandleLocationReply)},
		{message.ReplicationLocationCancel, message.Direct, router.Typed(e.HandleLocationCancel)},
		{message.ReplicationTransferReply, message.Direct, router.Typed(e.HandleTransferReply)},
		{message.ReplicationVerifyReply, message.Direct, router.Typed(e.HandleVerifyReply)},
		{message.RegistryEntryCreated, message.Direct, router.Typed(r.HandleEntryCreated)},
		{message.RegistryListDaterangeReply, message.Direct, router.Typed(r.HandleSyncReply)},
		{message.RecoveryAvailableReply, message.Direct, router.Typed(e.HandleAvailableReply)},
		{message.RecoveryTransferRequest, message.Direct, router.Typed(e.HandleRecoveryTransferRequest)},
		{message.RecoveryTransferReply, message.Direct, router.Typed(e.HandleRecoveryTransferReply)},
		{message.RecoveryTransferStatus, message.Direct, router.Typed(e.HandleRecoveryTransferStatus)},
	}
	for _, rt := range routes {
		if err := n.router.Register(rt.name, rt.scope, rt.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", rt.name, err)
		}
	}
	return nil
}

// Start brings up the broker, the consumer loops and the periodic jobs. It
// returns once they are running.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped {
		return errors.New("node already started")
	}

	if s, ok := n.broker.(starter); ok {
		if err := s.start(ctx); err != nil {
			return fmt.Errorf("failed to start broker: %w", err)
		}
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.dispatch = newDispatcher(n.cfg.Broker.Workers, dispatchDepth)
	n.started = true

	for _, scope := range []message.Scope{message.Broadcast, message.Direct} {
		n.consume(scope)
	}

	n.every("selection-sweep", sweepInterval(n.cfg.Replication.SelectionDelay.Std()), func(ctx context.Context) {
		if _, err := n.engine.SweepSelections(ctx); err != nil {
			n.logger.Warn("Selection sweep failed", zap.Error(err))
		}
	})
	n.every("registry-sync", n.cfg.Registry.SyncInterval.Std(), func(ctx context.Context) {
		if _, err := n.Sync(ctx); err != nil {
			n.logger.Warn("Registry sync failed", zap.Error(err))
		}
	})
	n.every("registry-resolve", n.cfg.Registry.ResolveInterval.Std(), func(ctx context.Context) {
		if _, err := n.Resolve(ctx); err != nil {
			n.logger.Warn("Registry resolve failed", zap.Error(err))
		}
	})

	if n.cfg.Metrics.Address != "" {
		n.httpServer = metrics.StartServer(n.cfg.Metrics.Address, n.health, n.gatherer, n.logger.Named("metrics"))
	}

	n.logger.Info("Node started",
		zap.String("broker", string(n.cfg.Broker.Driver)),
		zap.String("storage", string(n.cfg.Storage.Driver)),
		zap.Int("replication_count", n.cfg.Replication.Count))
	return nil
}

// dispatchDepth is how many deliveries may wait on one dispatch worker
// before the consumer loop blocks.
const dispatchDepth = 64

func sweepInterval(delay time.Duration) time.Duration {
	if delay <= 0 {
		return time.Second
	}
	interval := delay / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// consume runs the broker loop for scope and hands each delivery to the
// dispatcher, keyed by correlation id.
func (n *Node) consume(scope message.Scope) {
	name := "consumer-" + scope.String()
	n.health.SetConsumer(name, true)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.health.SetConsumer(name, false)

		err := n.broker.Consume(n.ctx, scope, func(d *message.Delivery) {
			n.dispatch.submit(d.Message.Headers.CorrelationID, func() { n.router.Serve(n.ctx, d) })
		})
		if err != nil && n.ctx.Err() == nil {
			n.logger.Error("Consumer stopped", zap.String("scope", scope.String()), zap.Error(err))
		}
	}()
}

func (n *Node) every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				n.logger.Debug("Running periodic job", zap.String("job", name))
				fn(n.ctx)
			}
		}
	}()
}

// Stop halts the loops, waits for in-flight work and releases the backends.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	started := n.started
	n.started = false
	n.stopped = true
	n.mu.Unlock()

	if started {
		n.cancel()
		n.wg.Wait()
		n.dispatch.close()
		if n.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n.httpServer.Shutdown(ctx)
			cancel()
		}
	}
	n.engine.Close()
	n.transfers.Wait()
	n.closeBackends()
	n.logger.Info("Node stopped")
}

func (n *Node) closeBackends() {
	if err := n.broker.Close(); err != nil {
		n.logger.Warn("Failed to close broker", zap.Error(err))
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("Failed to close store", zap.Error(err))
	}
}

func (n *Node) Name() types.NodeID { return n.name }

func (n *Node) Engine() *workflow.Engine { return n.engine }

func (n *Node) Registry() *registry.Service { return n.registry }

func (n *Node) Repository() transport.Repository { return n.transport }

func (n *Node) Health() *metrics.Health { return n.health }

// Ingest adds a bag at source to the repository under id.
func (n *Node) Ingest(ctx context.Context, id types.ObjectID, source string, objectType types.ObjectType) (*registry.Entry, error) {
	return n.engine.Ingest(ctx, id, source, objectType)
}

// Replicate offers id to the federation.
func (n *Node) Replicate(ctx context.Context, id types.ObjectID) (types.CorrelationID, error) {
	return n.engine.StartReplication(ctx, id)
}

// Recover asks the federation for a fresh copy of id.
func (n *Node) Recover(ctx context.Context, id types.ObjectID) (types.CorrelationID, error) {
	return n.engine.StartRecovery(ctx, id)
}

// Retry re-sends the failed step of one peer's record.
func (n *Node) Retry(ctx context.Context, correlation types.CorrelationID, peer types.NodeID) error {
	return n.engine.Retry(ctx, correlation, peer)
}

// Sync asks peers for entries modified since the previous sync.
func (n *Node) Sync(ctx context.Context) (types.CorrelationID, error) {
	n.mu.Lock()
	from := n.lastSync
	n.mu.Unlock()

	to := time.Now().UTC()
	correlation, err := n.registry.RequestSync(ctx, from, to)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	n.lastSync = to
	n.mu.Unlock()
	return correlation, nil
}

// Resolve reconciles the local registry with the collected snapshots.
func (n *Node) Resolve(ctx context.Context) (int, error) {
	return n.resolver.Resolve(ctx)
}

// Status returns a transaction and its per-peer records.
func (n *Node) Status(ctx context.Context, correlation types.CorrelationID) (*workflow.Transaction, []*workflow.Record, error) {
	return n.engine.Status(ctx, correlation)
}

// Recent lists the most recently updated records.
func (n *Node) Recent(ctx context.Context, limit int) ([]*workflow.Record, error) {
	return n.store.RecentRecords(ctx, limit)
}
