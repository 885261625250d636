package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/metrics"
	"dpn/pkg/registry"
	"dpn/pkg/selector"
	"dpn/pkg/storage"
	"dpn/pkg/transport"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// Config holds the node's replication policy.
type Config struct {
	Node types.NodeID
	// ReplicationCount is how many peers receive each ingested bag.
	ReplicationCount int
	// Protocols is the supported transfer protocols in preference order.
	Protocols       []types.Protocol
	MaxBagSize      int64
	FixityAlgorithm string
	// SelectionDelay is how long an initiator waits for available replies
	// before selecting from whoever answered.
	SelectionDelay time.Duration
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store      Store
	Registry   *registry.Service
	Selector   *selector.Selector
	Transport  transport.BagTransport
	Repository transport.Repository
	Sender     *message.Sender
	Tasks      TaskRunner
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

type recordKey struct {
	correlation types.CorrelationID
	peer        types.NodeID
}

// Engine applies inbound protocol messages to workflow records and emits the
// messages each transition calls for.
type Engine struct {
	cfg        Config
	store      Store
	registry   *registry.Service
	selector   *selector.Selector
	transport  transport.BagTransport
	repository transport.Repository
	sender     *message.Sender
	tasks      TaskRunner
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[recordKey]*transfer
}

type transfer struct {
	cancel context.CancelFunc
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Sender == nil {
		return nil, fmt.Errorf("workflow engine needs a store, a registry and a sender")
	}
	if deps.Transport == nil || deps.Repository == nil {
		return nil, fmt.Errorf("workflow engine needs a transport and a repository")
	}
	if cfg.Node == "" {
		return nil, fmt.Errorf("workflow engine needs a node name")
	}
	if cfg.ReplicationCount <= 0 {
		cfg.ReplicationCount = 1
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []types.Protocol{types.ProtocolHTTPS, types.ProtocolRsync}
	}
	if cfg.FixityAlgorithm == "" {
		cfg.FixityAlgorithm = "sha256"
	}
	if deps.Selector == nil {
		deps.Selector = selector.New(selector.NewRandomPolicy(time.Now().UnixNano()))
	}
	if deps.Tasks == nil {
		deps.Tasks = NewPool(4)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		selector:   deps.Selector,
		transport:  deps.Transport,
		repository: deps.Repository,
		sender:     deps.Sender,
		tasks:      deps.Tasks,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
		inflight:   make(map[recordKey]*transfer),
	}, nil
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Store() Store {
	return e.store
}

// Close cancels every transfer still running.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, t := range e.inflight {
		t.cancel()
		delete(e.inflight, key)
	}
}

func (e *Engine) recordLogger(rec *Record) *zap.Logger {
	return e.logger.With(
		zap.String("correlation_id", string(rec.CorrelationID)),
		zap.String("object_id", string(rec.ObjectID)),
		zap.String("peer", string(rec.Peer)),
		zap.String("action", string(rec.Action)))
}

// negotiate picks the first offered protocol this node supports.
func (e *Engine) negotiate(offered []string) (types.Protocol, bool) {
	for _, o := range offered {
		for _, p := range e.cfg.Protocols {
			if string(p) == o {
				return p, true
			}
		}
	}
	return "", false
}

func (e *Engine) supports(p types.Protocol) bool {
	for _, s := range e.cfg.Protocols {
		if s == p {
			return true
		}
	}
	return false
}

func protocolStrings(ps []types.Protocol) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// lookup loads the record for peer in a conversation and checks that it can
// still move.
func (e *Engine) lookup(ctx context.Context, op string, env message.Envelope) (*Record, error) {
	rec, err := e.store.GetRecord(ctx, env.CorrelationID, env.From)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflowError(op, env.CorrelationID, env.From, "", "no transaction with this peer")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec.Terminal() {
		return nil, recordError(op, rec, "transaction already finished")
	}
	return rec, nil
}

// expect fails unless rec sits at step with one of states.
func expect(op string, rec *Record, step types.Step, states ...types.State) error {
	if rec.Step != step {
		return recordError(op, rec, fmt.Sprintf("expected step %s", step))
	}
	for _, s := range states {
		if rec.State == s {
			return nil
		}
	}
	return recordError(op, rec, fmt.Sprintf("unexpected state %s", rec.State))
}

func (e *Engine) create(ctx context.Context, op string, rec *Record) error {
	now := e.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return recordError(op, rec, "record already exists")
		}
		return fmt.Errorf("failed to create record: %w", err)
	}
	e.metrics.Transition(string(rec.Action), string(rec.Step), string(rec.State))
	return nil
}

// save persists rec. Losing a concurrent update is a permanent error: the
// winner has already moved the record on.
func (e *Engine) save(ctx context.Context, op string, rec *Record) error {
	rec.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrStale) {
			return &Error{Op: op, CorrelationID: rec.CorrelationID, Peer: rec.Peer, Step: rec.Step, Reason: "record changed concurrently", Err: err}
		}
		return fmt.Errorf("failed to save record: %w", err)
	}
	e.metrics.Transition(string(rec.Action), string(rec.Step), string(rec.State))
	return nil
}

// send publishes body to rec's peer as the sequence already stored on rec.
// A publish failure marks a live record Failed and is not returned: the
// inbound message was handled and Retry can pick the record up again.
func (e *Engine) send(ctx context.Context, op string, rec *Record, body message.Body) error {
	err := e.sender.Send(ctx, message.Direct, rec.ReplyKey, rec.CorrelationID, rec.Sequence, body)
	if err == nil {
		return nil
	}
	perr := &PublishError{Peer: rec.Peer, Err: err}
	e.recordLogger(rec).Warn("Failed to publish", zap.String("message", body.MessageName().String()), zap.Error(err))
	if rec.Terminal() {
		return nil
	}
	rec.State = types.StateFailed
	rec.Note = perr.Error()
	return e.save(ctx, op, rec)
}

// advance stores rec with the next outbound sequence and sends body.
func (e *Engine) advance(ctx context.Context, op string, rec *Record, body message.Body) error {
	rec.Sequence++
	if err := e.save(ctx, op, rec); err != nil {
		return err
	}
	return e.send(ctx, op, rec, body)
}

// Status returns every record of a transaction.
func (e *Engine) Status(ctx context.Context, correlation types.CorrelationID) (*Transaction, []*Record, error) {
	tx, err := e.store.GetTransaction(ctx, correlation)
	if err != nil {
		return nil, nil, err
	}
	recs, err := e.store.ListRecords(ctx, correlation)
	if err != nil {
		return nil, nil, err
	}
	return tx, recs, nil
}

// SweepSelections runs node selection for initiated transactions whose
// selection delay has passed.
func (e *Engine) SweepSelections(ctx context.Context) (int, error) {
	pending, err := e.store.PendingSelections(ctx, e.now().Add(-e.cfg.SelectionDelay))
	if err != nil {
		return 0, fmt.Errorf("failed to list pending selections: %w", err)
	}
	selected := 0
	for _, tx := range pending {
		ok, err := e.selectPeers(ctx, tx)
		if err != nil {
			e.logger.Warn("Node selection failed",
				zap.String("correlation_id", string(tx.CorrelationID)),
				zap.Error(err))
			continue
		}
		if ok {
			selected++
		}
	}
	return selected, nil
}

// startTransfer runs fn in the task runner with a context that
// HandleLocationCancel and Close can cancel.
func (e *Engine) startTransfer(rec *Record, fn func(ctx context.Context)) {
	key := recordKey{rec.CorrelationID, rec.Peer}
	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{cancel: cancel}

	e.mu.Lock()
	if prev, ok := e.inflight[key]; ok {
		prev.cancel()
	}
	e.inflight[key] = t
	e.mu.Unlock()

	e.tasks.Go(func() {
		done := e.metrics.TransferStarted()
		defer func() {
			done()
			cancel()
			e.mu.Lock()
			if e.inflight[key] == t {
				delete(e.inflight, key)
			}
			e.mu.Unlock()
		}()
		fn(ctx)
	})
}

func (e *Engine) cancelTransfer(correlation types.CorrelationID, peer types.NodeID) bool {
	key := recordKey{correlation, peer}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.inflight[key]
	if ok {
		t.cancel()
		delete(e.inflight, key)
	}
	return ok
}

// reload fetches the current version of rec for work that resumes after a
// task boundary. It returns nil when the record has been finished meanwhile.
func (e *Engine) reload(ctx context.Context, rec *Record) (*Record, error) {
	fresh, err := e.store.GetRecord(ctx, rec.CorrelationID, rec.Peer)
	if err != nil {
		return nil, err
	}
	if fresh.Terminal() {
		return nil, nil
	}
	return fresh, nil
}
