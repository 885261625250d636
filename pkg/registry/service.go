package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/metrics"
	"dpn/pkg/storage"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// ErrInvalidEntry is returned for entries that can never be applied.
var ErrInvalidEntry = errors.New("invalid registry entry")

// Service owns the local registry and answers registry messages.
type Service struct {
	node    types.NodeID
	store   Store
	sender  *message.Sender
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(node types.NodeID, store Store, sender *message.Sender, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		node:    node,
		store:   store,
		sender:  sender,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Service) Store() Store {
	return s.store
}

// Get returns the local entry for id.
func (s *Service) Get(ctx context.Context, id types.ObjectID) (*Entry, error) {
	return s.store.GetEntry(ctx, id)
}

// CreateOrUpdate writes attrs as the local entry for attrs.ObjectID. The
// first node of an existing entry never changes, and neither does its
// creation date.
func (s *Service) CreateOrUpdate(ctx context.Context, attrs *Entry) (*Entry, error) {
	return s.write(ctx, attrs, false)
}

// write stores attrs. An authoritative write comes from the object's first
// node and replaces the local creation date with its own.
func (s *Service) write(ctx context.Context, attrs *Entry, authoritative bool) (*Entry, error) {
	if attrs.ObjectID == "" {
		return nil, fmt.Errorf("%w: no object id", ErrInvalidEntry)
	}

	next := attrs.Clone()
	now := s.now().UTC()

	existing, err := s.store.GetEntry(ctx, attrs.ObjectID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if next.FirstNode == "" {
			return nil, fmt.Errorf("%w: %s has no first node", ErrInvalidEntry, attrs.ObjectID)
		}
		if next.VersionNumber == 0 {
			next.VersionNumber = 1
		}
		if next.FirstVersion == "" {
			next.FirstVersion = next.ObjectID
		}
		if next.CreationDate.IsZero() {
			next.CreationDate = now
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read entry %s: %w", attrs.ObjectID, err)
	default:
		if next.FirstNode != "" && next.FirstNode != existing.FirstNode {
			return nil, fmt.Errorf("%w: %s belongs to %s, not %s", ErrInvalidEntry, attrs.ObjectID, existing.FirstNode, next.FirstNode)
		}
		next.FirstNode = existing.FirstNode
		if !authoritative || next.CreationDate.IsZero() {
			next.CreationDate = existing.CreationDate
		}
		if next.FirstVersion == "" {
			next.FirstVersion = existing.FirstVersion
		}
	}
	if next.LastModifiedDate.IsZero() {
		next.LastModifiedDate = now
	}
	if next.LastFixityDate.IsZero() {
		next.LastFixityDate = next.CreationDate
	}
	next.Normalize()

	if err := s.store.PutEntry(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// AddReplicas records nodes as holding a copy of id. It reports whether
// the entry changed.
func (s *Service) AddReplicas(ctx context.Context, id types.ObjectID, nodes ...types.NodeID) (*Entry, bool, error) {
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !e.AddReplicas(nodes...) {
		return e, false, nil
	}
	e.LastModifiedDate = s.now().UTC().Truncate(time.Second)
	if err := s.store.PutEntry(ctx, e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Announce broadcasts e so peers can create or update their copy. The
// announcement is a conversation of its own and starts at sequence 0.
func (s *Service) Announce(ctx context.Context, e *Entry) (types.CorrelationID, error) {
	correlation := message.NewCorrelationID()
	if err := s.sender.Broadcast(ctx, correlation, 0, &message.RegistryItemCreateBody{RegistryItem: ToItem(e)}); err != nil {
		return "", err
	}
	return correlation, nil
}

// RequestSync asks every peer for the entries they modified in [from, to].
func (s *Service) RequestSync(ctx context.Context, from, to time.Time) (types.CorrelationID, error) {
	correlation := message.NewCorrelationID()
	body := &message.DaterangeSyncRequestBody{
		DateRange: []string{message.FormatTime(from), message.FormatTime(to)},
	}
	if err := s.sender.Broadcast(ctx, correlation, 0, body); err != nil {
		return "", err
	}
	s.logger.Info("Requested registry sync",
		zap.String("correlation_id", string(correlation)),
		zap.Time("from", from),
		zap.Time("to", to))
	return correlation, nil
}

// HandleItemCreate applies an entry announced by its first node and tells
// the announcer whether it was accepted.
func (s *Service) HandleItemCreate(ctx context.Context, env message.Envelope, body *message.RegistryItemCreateBody) error {
	logger := s.logger.With(
		zap.String("correlation_id", string(env.CorrelationID)),
		zap.String("object_id", body.DPNObjectID),
		zap.String("from", string(env.From)))

	var verdict message.Verdict = message.Ack{}
	if types.NodeID(body.FirstNodeName) != env.From {
		verdict = message.Nak{Error: fmt.Sprintf("%s is not the first node of %s", env.From, body.DPNObjectID)}
	} else if entry, err := FromItem(body.RegistryItem); err != nil {
		verdict = message.Nak{Error: err.Error()}
	} else if _, err := s.write(ctx, entry, true); err != nil {
		if !errors.Is(err, ErrInvalidEntry) {
			return err
		}
		verdict = message.Nak{Error: err.Error()}
	}

	if nak, ok := verdict.(message.Nak); ok {
		logger.Warn("Rejected registry item", zap.String("reason", nak.Error))
	} else {
		logger.Info("Registry item applied")
	}
	return s.sender.Reply(ctx, env, message.NewEntryCreated(verdict))
}

// HandleEntryCreated records a peer's answer to an announcement.
func (s *Service) HandleEntryCreated(ctx context.Context, env message.Envelope, body *message.EntryCreatedBody) error {
	switch v := body.Verdict.(type) {
	case message.Nak:
		s.logger.Warn("Peer rejected registry item",
			zap.String("correlation_id", string(env.CorrelationID)),
			zap.String("peer", string(env.From)),
			zap.String("error", v.Error))
	default:
		s.logger.Debug("Peer accepted registry item",
			zap.String("correlation_id", string(env.CorrelationID)),
			zap.String("peer", string(env.From)))
	}
	return nil
}

// HandleSyncRequest replies with every local entry modified in the range.
func (s *Service) HandleSyncRequest(ctx context.Context, env message.Envelope, body *message.DaterangeSyncRequestBody) error {
	from, _ := message.ParseTime(body.DateRange[0])
	to, _ := message.ParseTime(body.DateRange[1])
	if to.Before(from) {
		return message.Permanent(fmt.Errorf("date range ends before it starts"))
	}

	entries, err := s.store.ListEntries(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	reply := &message.DaterangeReplyBody{
		DateRange:   body.DateRange,
		RegSyncList: make([]message.RegistryItem, 0, len(entries)),
	}
	for _, e := range entries {
		reply.RegSyncList = append(reply.RegSyncList, ToItem(e))
	}

	s.logger.Debug("Answering registry sync",
		zap.String("correlation_id", string(env.CorrelationID)),
		zap.String("peer", string(env.From)),
		zap.Int("entries", len(entries)))
	return s.sender.Reply(ctx, env, reply)
}

// HandleSyncReply stores a peer's entries as snapshots for the resolver.
func (s *Service) HandleSyncReply(ctx context.Context, env message.Envelope, body *message.DaterangeReplyBody) error {
	stored := 0
	for _, item := range body.RegSyncList {
		entry, err := FromItem(item)
		if err != nil {
			s.logger.Warn("Skipping invalid sync item",
				zap.String("peer", string(env.From)),
				zap.String("object_id", item.DPNObjectID),
				zap.Error(err))
			continue
		}
		if err := s.store.PutSnapshot(ctx, Snapshot{Peer: env.From, Entry: entry}); err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		stored++
	}
	s.metrics.SnapshotsReceived(stored)
	s.logger.Debug("Stored registry snapshots",
		zap.String("peer", string(env.From)),
		zap.Int("entries", stored))
	return nil
}
