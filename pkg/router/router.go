// Package router turns broker deliveries into handler calls. Each message
// is validated, checked for expiry and ordering, and handed to the handler
// registered for its name in the scope it arrived on.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/metrics"
	"dpn/pkg/sequence"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// Handler applies one validated message.
//
// An error that message.IsPermanent reports as permanent means the message
// can never be applied and is dropped. Any other error requeues it.
type Handler func(ctx context.Context, env message.Envelope, body message.Body) error

// Typed adapts a handler for one body type.
func Typed[B message.Body](fn func(ctx context.Context, env message.Envelope, body B) error) Handler {
	return func(ctx context.Context, env message.Envelope, body message.Body) error {
		b, ok := body.(B)
		if !ok {
			return message.Permanent(fmt.Errorf("handler cannot take %T", body))
		}
		return fn(ctx, env, b)
	}
}

// Drop reasons reported to metrics.
const (
	DropUndecodable = "undecodable"
	DropInvalid     = "invalid"
	DropExpired     = "expired"
	DropSelf        = "self"
	DropUnrouted    = "unrouted"
	DropOrdering    = "ordering"
	DropPermanent   = "permanent"
)

type Router struct {
	node      types.NodeID
	validator *message.Validator
	tracker   *sequence.Tracker
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	routes map[message.Scope]map[message.Name]Handler
}

// New creates a router for node. A nil tracker skips ordering checks.
func New(node types.NodeID, tracker *sequence.Tracker, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		node:      node,
		validator: message.NewValidator(),
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		routes: map[message.Scope]map[message.Name]Handler{
			message.Broadcast: {},
			message.Direct:    {},
		},
	}
}

// SetClock replaces the time source used for expiry checks.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Register binds h to name in scope. Each (name, scope) takes one handler.
func (r *Router) Register(name message.Name, scope message.Scope, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.routes[scope]
	if !ok {
		return fmt.Errorf("unknown scope %s", scope)
	}
	if _, exists := table[name]; exists {
		return fmt.Errorf("handler for %s already registered in %s scope", name, scope)
	}
	table[name] = h
	return nil
}

func (r *Router) handler(name message.Name, scope message.Scope) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.routes[scope][name]
	return h, ok
}

// Routes lists the names registered in scope.
func (r *Router) Routes(scope message.Scope) []message.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []message.Name
	for _, name := range message.AllNames() {
		if _, ok := r.routes[scope][name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Serve dispatches d and settles it with the outcome.
func (r *Router) Serve(ctx context.Context, d *message.Delivery) {
	d.Settle(r.Dispatch(ctx, d.Scope, d.Message))
}

// Dispatch runs msg through validation and its handler and returns what the
// broker should do with it.
func (r *Router) Dispatch(ctx context.Context, scope message.Scope, msg *message.Message) message.Disposition {
	name, err := msg.Name()
	if err != nil {
		r.drop(DropUndecodable, "Undecodable message", zap.Error(err))
		return message.Reject
	}
	r.metrics.Received(name.String(), scope.String())

	env, err := r.validator.ValidateHeaders(msg.Headers)
	if err != nil {
		r.drop(DropInvalid, "Invalid message headers",
			zap.String("message", name.String()),
			zap.Error(err))
		return message.Reject
	}
	logger := r.logger.With(
		zap.String("message", name.String()),
		zap.String("scope", scope.String()),
		zap.String("from", string(env.From)),
		zap.String("correlation_id", string(env.CorrelationID)),
		zap.Int("sequence", env.Sequence))

	if env.Expired(r.now()) {
		r.metrics.Dropped(DropExpired)
		logger.Info("Dropping expired message", zap.Time("ttl", env.TTL))
		return message.Acknowledge
	}
	if scope == message.Broadcast && env.From == r.node {
		r.metrics.Dropped(DropSelf)
		return message.Acknowledge
	}

	h, ok := r.handler(name, scope)
	if !ok {
		r.metrics.Dropped(DropUnrouted)
		logger.Error("No handler for message")
		return message.Reject
	}

	body, err := r.validator.ValidateBody(env, name, msg.Body)
	if err != nil {
		r.metrics.Dropped(DropInvalid)
		logger.Warn("Invalid message body", zap.Error(err))
		return message.Acknowledge
	}

	if r.tracker != nil {
		if err := r.tracker.Observe(ctx, env.CorrelationID, env.From, env.Sequence); err != nil {
			var order *sequence.OrderingError
			if errors.As(err, &order) {
				r.metrics.Dropped(DropOrdering)
				logger.Warn("Rejecting out of order message", zap.Error(err))
				return message.Reject
			}
			logger.Error("Failed to record sequence", zap.Error(err))
			return message.Requeue
		}
	}

	if err := h(ctx, env, body); err != nil {
		if message.IsPermanent(err) {
			r.metrics.Dropped(DropPermanent)
			logger.Warn("Message not applied", zap.Error(err))
			return message.Acknowledge
		}
		logger.Error("Handler failed, requeueing", zap.Error(err))
		if r.tracker != nil {
			if rerr := r.tracker.Retract(ctx, env.CorrelationID, env.From, env.Sequence); rerr != nil {
				logger.Error("Failed to retract sequence", zap.Error(rerr))
			}
		}
		return message.Requeue
	}
	logger.Debug("Message handled")
	return message.Acknowledge
}

func (r *Router) drop(reason, msg string, fields ...zap.Field) {
	r.metrics.Dropped(reason)
	r.logger.Warn(msg, fields...)
}
