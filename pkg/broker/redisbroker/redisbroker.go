// Package redisbroker carries messages over Redis streams. Broadcasts go to
// one shared stream that every node reads through its own consumer group;
// each node also owns a direct stream named after it.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dpn/pkg/broker"
	"dpn/pkg/message"
	"dpn/pkg/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "dpn"
	messageField  = "message"
	maxStreamLen  = 100000
	readBlock     = time.Second
	errorBackoff  = time.Second
)

type Broker struct {
	client       *redis.Client
	node         types.NodeID
	prefix       string
	requeueDelay time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Broker)

// WithPrefix namespaces every stream key.
func WithPrefix(prefix string) Option {
	return func(b *Broker) { b.prefix = prefix }
}

func WithRequeueDelay(d time.Duration) Option {
	return func(b *Broker) { b.requeueDelay = d }
}

func New(node types.NodeID, addr, password string, db int, logger *zap.Logger, opts ...Option) (*Broker, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	b := &Broker{
		client:       client,
		node:         node,
		prefix:       defaultPrefix,
		requeueDelay: broker.DefaultRequeueDelay,
		logger:       logger.With(zap.String("broker", "redis")),
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Ping checks that the server is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (b *Broker) broadcastStream() string {
	return b.prefix + ":broadcast"
}

func (b *Broker) directStream(node types.NodeID) string {
	return b.prefix + ":direct:" + string(node)
}

func (b *Broker) group() string {
	return b.prefix + "-" + string(b.node)
}

func (b *Broker) stream(scope message.Scope) (string, error) {
	switch scope {
	case message.Broadcast:
		return b.broadcastStream(), nil
	case message.Direct:
		return b.directStream(b.node), nil
	}
	return "", fmt.Errorf("unknown scope %s", scope)
}

func (b *Broker) Publish(ctx context.Context, scope message.Scope, routingKey string, msg *message.Message) error {
	var stream string
	switch scope {
	case message.Broadcast:
		stream = b.broadcastStream()
	case message.Direct:
		if routingKey == "" {
			return errors.New("direct message needs a routing key")
		}
		stream = b.directStream(types.NodeID(routingKey))
	default:
		return fmt.Errorf("unknown scope %s", scope)
	}

	raw, err := message.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{messageField: raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// ensureGroup creates this node's consumer group. Broadcast groups start at
// the stream tail; direct groups read the whole backlog.
func (b *Broker) ensureGroup(ctx context.Context, scope message.Scope, stream string) error {
	start := "0"
	if scope == message.Broadcast {
		start = "$"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group(), start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	return nil
}

// Consume reads this node's stream for scope. Acknowledged and rejected
// entries are XACKed; requeued entries stay pending and are reclaimed once
// they have idled for the requeue delay.
func (b *Broker) Consume(ctx context.Context, scope message.Scope, handle func(*message.Delivery)) error {
	stream, err := b.stream(scope)
	if err != nil {
		return err
	}
	if err := b.ensureGroup(ctx, scope, stream); err != nil {
		return err
	}

	for ctx.Err() == nil {
		b.reclaim(ctx, scope, stream, handle)

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group(),
			Consumer: string(b.node),
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("Failed to read stream", zap.String("stream", stream), zap.Error(err))
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
			}
			continue
		}
		for _, s := range res {
			for _, m := range s.Messages {
				b.deliver(scope, stream, m, handle)
			}
		}
	}
	return nil
}

func (b *Broker) reclaim(ctx context.Context, scope message.Scope, stream string, handle func(*message.Delivery)) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.group(),
		Consumer: string(b.node),
		MinIdle:  b.requeueDelay,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			b.logger.Debug("Failed to reclaim pending entries", zap.String("stream", stream), zap.Error(err))
		}
		return
	}
	for _, m := range msgs {
		b.deliver(scope, stream, m, handle)
	}
}

func (b *Broker) deliver(scope message.Scope, stream string, entry redis.XMessage, handle func(*message.Delivery)) {
	b.mu.Lock()
	if _, busy := b.inflight[entry.ID]; busy {
		b.mu.Unlock()
		return
	}
	b.inflight[entry.ID] = struct{}{}
	b.mu.Unlock()

	raw, _ := entry.Values[messageField].(string)
	msg, err := message.Unmarshal([]byte(raw))
	if err != nil {
		b.logger.Warn("Dropping undecodable stream entry",
			zap.String("stream", stream),
			zap.String("id", entry.ID),
			zap.Error(err))
		b.settle(stream, entry.ID, message.Reject)
		return
	}
	handle(message.NewDelivery(scope, msg, func(d message.Disposition) {
		b.settle(stream, entry.ID, d)
	}))
}

func (b *Broker) settle(stream, id string, d message.Disposition) {
	defer func() {
		b.mu.Lock()
		delete(b.inflight, id)
		b.mu.Unlock()
	}()
	if d == message.Requeue {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.XAck(ctx, stream, b.group(), id).Err(); err != nil {
		b.logger.Warn("Failed to acknowledge stream entry",
			zap.String("stream", stream),
			zap.String("id", id),
			zap.Error(err))
	}
}

func (b *Broker) Close() error {
	return b.client.Close()
}

var _ broker.Broker = (*Broker)(nil)
