package workflow_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/registry"
	"dpn/pkg/router"
	"dpn/pkg/selector"
	"dpn/pkg/sequence"
	"dpn/pkg/storage/memory"
	"dpn/pkg/transport"
	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"github.com/stretchr/testify/require"
)

type queued struct {
	from  types.NodeID
	scope message.Scope
	key   string
	msg   *message.Message
	// only, if set, limits a redelivered broadcast to one node.
	only types.NodeID
}

func (q queued) name() message.Name {
	n, _ := q.msg.Name()
	return n
}

// network delivers published messages between in-process nodes in FIFO
// order. Handlers run inline, so pump returns once the exchange is quiet.
type network struct {
	t         *testing.T
	validator *message.Validator

	mu    sync.Mutex
	nodes map[types.NodeID]*testNode
	order []types.NodeID
	queue []queued
	sent  []queued
	held  []queued
	errs  []error

	// hold, if set, parks matching messages until release is called.
	hold func(q queued) bool
}

type testNode struct {
	name     types.NodeID
	store    *memory.Store
	registry *registry.Service
	engine   *workflow.Engine
	router   *router.Router
	local    *transport.Local
	sender   *message.Sender
}

// nodeOptions adjusts how a test node is built.
type nodeOptions struct {
	configure func(*workflow.Config)
	tasks     workflow.TaskRunner
	// wrapStore and wrapRegistry put fault injection in front of the
	// node's memory store.
	wrapStore    func(*memory.Store) workflow.Store
	wrapRegistry func(*memory.Store) registry.Store
}

func newNetwork(t *testing.T) *network {
	return &network{
		t:         t,
		validator: message.NewValidator(),
		nodes:     make(map[types.NodeID]*testNode),
	}
}

func (n *network) publisher(from types.NodeID) message.Publisher {
	return message.PublisherFunc(func(_ context.Context, scope message.Scope, key string, msg *message.Message) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		q := queued{from: from, scope: scope, key: key, msg: msg}
		n.sent = append(n.sent, q)
		n.queue = append(n.queue, q)
		return nil
	})
}

func (n *network) add(name types.NodeID, configure func(*workflow.Config)) *testNode {
	return n.addWith(name, nodeOptions{configure: configure})
}

func (n *network) addWith(name types.NodeID, opts nodeOptions) *testNode {
	n.t.Helper()
	dir := n.t.TempDir()
	store := memory.New()
	sender := &message.Sender{Node: name, TTL: time.Hour, Publisher: n.publisher(name)}
	var regStore registry.Store = store
	if opts.wrapRegistry != nil {
		regStore = opts.wrapRegistry(store)
	}
	reg := registry.NewService(name, regStore, sender, nil, nil)
	local, err := transport.NewLocal(filepath.Join(dir, "staging"), filepath.Join(dir, "repository"), nil)
	require.NoError(n.t, err)

	cfg := workflow.Config{
		Node:             name,
		ReplicationCount: 1,
		Protocols:        []types.Protocol{types.ProtocolHTTPS, types.ProtocolRsync},
		MaxBagSize:       1 << 30,
		FixityAlgorithm:  "sha256",
		SelectionDelay:   time.Minute,
	}
	if opts.configure != nil {
		opts.configure(&cfg)
	}
	var wfStore workflow.Store = store
	if opts.wrapStore != nil {
		wfStore = opts.wrapStore(store)
	}
	var tasks workflow.TaskRunner = workflow.Inline{}
	if opts.tasks != nil {
		tasks = opts.tasks
	}
	engine, err := workflow.NewEngine(cfg, workflow.Deps{
		Store:      wfStore,
		Registry:   reg,
		Selector:   selector.New(selector.NewPreferredPolicy(nil)),
		Transport:  local,
		Repository: local,
		Sender:     sender,
		Tasks:      tasks,
	})
	require.NoError(n.t, err)

	node := &testNode{name: name, store: store, registry: reg, engine: engine, local: local, sender: sender}
	node.router = newTestRouter(n.t, node)
	n.nodes[name] = node
	n.order = append(n.order, name)
	return node
}

// newTestRouter wires tn's handlers the way a running node does, with a
// sequence tracker over its store.
func newTestRouter(t *testing.T, tn *testNode) *router.Router {
	r := router.New(tn.name, sequence.NewTracker(tn.store, nil), nil, nil)
	e, reg := tn.engine, tn.registry
	routes := []struct {
		name    message.Name
		scope   message.Scope
		handler router.Handler
	}{
		{message.ReplicationInitQuery, message.Broadcast, router.Typed(e.HandleInitQuery)},
		{message.RecoveryInitQuery, message.Broadcast, router.Typed(e.HandleRecoveryInitQuery)},
		{message.RegistryItemCreate, message.Broadcast, router.Typed(reg.HandleItemCreate)},
		{message.RegistryDaterangeSyncRequest, message.Broadcast, router.Typed(reg.HandleSyncRequest)},
		{message.ReplicationAvailableReply, message.Direct, router.Typed(e.HandleAvailableReply)},
		{message.ReplicationLocationReply, message.Direct, router.Typed(e.HandleLocationReply)},
		{message.ReplicationLocationCancel, message.Direct, router.Typed(e.HandleLocationCancel)},
		{message.ReplicationTransferReply, message.Direct, router.Typed(e.HandleTransferReply)},
		{message.ReplicationVerifyReply, message.Direct, router.Typed(e.HandleVerifyReply)},
		{message.RegistryEntryCreated, message.Direct, router.Typed(reg.HandleEntryCreated)},
		{message.RegistryListDaterangeReply, message.Direct, router.Typed(reg.HandleSyncReply)},
		{message.RecoveryAvailableReply, message.Direct, router.Typed(e.HandleAvailableReply)},
		{message.RecoveryTransferRequest, message.Direct, router.Typed(e.HandleRecoveryTransferRequest)},
		{message.RecoveryTransferReply, message.Direct, router.Typed(e.HandleRecoveryTransferReply)},
		{message.RecoveryTransferStatus, message.Direct, router.Typed(e.HandleRecoveryTransferStatus)},
	}
	for _, rt := range routes {
		require.NoError(t, r.Register(rt.name, rt.scope, rt.handler))
	}
	return r
}

func (n *network) next() (queued, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.queue) > 0 {
		q := n.queue[0]
		n.queue = n.queue[1:]
		if n.hold != nil && n.hold(q) {
			n.held = append(n.held, q)
			continue
		}
		return q, true
	}
	return queued{}, false
}

// pump delivers until no messages remain.
func (n *network) pump() {
	for {
		q, ok := n.next()
		if !ok {
			return
		}
		for _, name := range n.order {
			node := n.nodes[name]
			if name == q.from {
				continue
			}
			if q.scope == message.Direct && string(name) != q.key {
				continue
			}
			if err := n.dispatch(node, q.msg); err != nil {
				n.errs = append(n.errs, err)
			}
		}
	}
}

// routed is one delivery made through a node's router.
type routed struct {
	to          types.NodeID
	q           queued
	disposition message.Disposition
}

// pumpRouted delivers through each node's router until the exchange is
// quiet. Every round takes the whole queue and hands its broadcasts over
// before the direct messages published alongside them, the interleaving a
// node sees when its two consumer loops race. Requeued deliveries go to the
// back of the queue.
func (n *network) pumpRouted() []routed {
	var out []routed
	for round := 0; round < 100; round++ {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()
		if len(batch) == 0 {
			return out
		}
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].scope == message.Broadcast && batch[j].scope != message.Broadcast
		})
		for _, q := range batch {
			for _, name := range n.order {
				if name == q.from || (q.scope == message.Direct && string(name) != q.key) {
					continue
				}
				if q.only != "" && name != q.only {
					continue
				}
				d := n.nodes[name].router.Dispatch(context.Background(), q.scope, q.msg)
				out = append(out, routed{to: name, q: q, disposition: d})
				if d == message.Requeue {
					redo := q
					redo.only = name
					n.mu.Lock()
					n.queue = append(n.queue, redo)
					n.mu.Unlock()
				}
			}
		}
	}
	n.t.Fatal("routed exchange did not settle")
	return out
}

func requireNoRejects(t *testing.T, deliveries []routed) {
	t.Helper()
	for _, d := range deliveries {
		require.NotEqual(t, message.Reject, d.disposition,
			"%s rejected %s (seq %d)", d.to, d.q.name(), *d.q.msg.Headers.Sequence)
	}
}

// release re-queues held messages and stops holding.
func (n *network) release() {
	n.mu.Lock()
	n.queue = append(n.queue, n.held...)
	n.held = nil
	n.hold = nil
	n.mu.Unlock()
	n.pump()
}

func (n *network) sentNames() []message.Name {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []message.Name
	for _, q := range n.sent {
		out = append(out, q.name())
	}
	return out
}

func (n *network) dispatch(node *testNode, msg *message.Message) error {
	ctx := context.Background()
	_, env, body, err := n.validator.Validate(msg)
	if err != nil {
		return err
	}
	e := node.engine
	switch b := body.(type) {
	case *message.ReplicationInitQueryBody:
		return e.HandleInitQuery(ctx, env, b)
	case *message.AvailableReplyBody:
		return e.HandleAvailableReply(ctx, env, b)
	case *message.LocationReplyBody:
		return e.HandleLocationReply(ctx, env, b)
	case *message.LocationCancelBody:
		return e.HandleLocationCancel(ctx, env, b)
	case *message.TransferReplyBody:
		return e.HandleTransferReply(ctx, env, b)
	case *message.VerifyReplyBody:
		return e.HandleVerifyReply(ctx, env, b)
	case *message.RegistryItemCreateBody:
		return node.registry.HandleItemCreate(ctx, env, b)
	case *message.EntryCreatedBody:
		return node.registry.HandleEntryCreated(ctx, env, b)
	case *message.RecoveryInitQueryBody:
		return e.HandleRecoveryInitQuery(ctx, env, b)
	case *message.RecoveryTransferRequestBody:
		return e.HandleRecoveryTransferRequest(ctx, env, b)
	case *message.RecoveryTransferReplyBody:
		return e.HandleRecoveryTransferReply(ctx, env, b)
	case *message.TransferStatusBody:
		return e.HandleRecoveryTransferStatus(ctx, env, b)
	}
	n.t.Fatalf("no test route for %T", body)
	return nil
}

func (n *network) requireNoErrors() {
	n.t.Helper()
	require.Empty(n.t, n.errs)
}

func (tn *testNode) record(t *testing.T, correlation types.CorrelationID, peer types.NodeID) *workflow.Record {
	t.Helper()
	rec, err := tn.store.GetRecord(context.Background(), correlation, peer)
	require.NoError(t, err)
	return rec
}

// bagContent is exactly 4096 bytes.
var bagContent = bytes.Repeat([]byte("dpn!"), 1024)

func writeBag(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bag.tar")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func ingest(t *testing.T, tn *testNode, id types.ObjectID) *registry.Entry {
	t.Helper()
	entry, err := tn.engine.Ingest(context.Background(), id, writeBag(t, bagContent), types.ObjectData)
	require.NoError(t, err)
	return entry
}

// corruptFetcher flips the first byte of every bag it reads.
type corruptFetcher struct{}

func (corruptFetcher) Open(_ context.Context, location string) (io.ReadCloser, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, err
	}
	data[0] ^= 0xff
	return io.NopCloser(bytes.NewReader(data)), nil
}

func envelope(from types.NodeID, correlation types.CorrelationID, seq int) message.Envelope {
	return message.NewEnvelope(from, string(from), correlation, seq, time.Now(), time.Hour)
}
