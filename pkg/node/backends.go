package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"dpn/pkg/broker"
	"dpn/pkg/broker/grpcbroker"
	"dpn/pkg/broker/redisbroker"
	"dpn/pkg/config"
	"dpn/pkg/registry"
	"dpn/pkg/sequence"
	"dpn/pkg/storage/gormstore"
	"dpn/pkg/storage/memory"
	"dpn/pkg/storage/sqlite"
	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"go.uber.org/zap"
)

// Store is everything a node persists.
type Store interface {
	workflow.Store
	registry.Store
	sequence.Store
	Close() error
}

func openStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StorageSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoragePostgres:
		s, err := gormstore.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// starter is implemented by brokers that need to be brought up before
// consuming.
type starter interface {
	start(ctx context.Context) error
}

type grpcStarter struct {
	*grpcbroker.Broker
	logger *zap.Logger
}

func (g grpcStarter) start(context.Context) error {
	addr, err := g.Start()
	if err != nil {
		return err
	}
	g.logger.Info("Broker ready", zap.String("driver", "grpc"), zap.String("address", addr))
	return nil
}

type redisStarter struct {
	*redisbroker.Broker
}

func (r redisStarter) start(ctx context.Context) error {
	return r.Ping(ctx)
}

func openBroker(name types.NodeID, cfg config.BrokerConfig, logger *zap.Logger) (broker.Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case config.BrokerMemory:
		return broker.NewHub(logger).Connect(name), nil
	case config.BrokerGRPC:
		b := grpcbroker.New(name, cfg.Address, logger)
		for _, p := range cfg.Peers {
			b.AddPeer(types.NodeID(p.Name), p.Address)
		}
		if cfg.TLSCert != "" {
			err := b.EnableTLS(grpcbroker.TLSFiles{CertPath: cfg.TLSCert, KeyPath: cfg.TLSKey, CAPath: cfg.TLSCA})
			if err != nil {
				return nil, fmt.Errorf("failed to configure exchange TLS: %w", err)
			}
		}
		return grpcStarter{Broker: b, logger: logger}, nil
	case config.BrokerRedis:
		b, err := redisbroker.New(name, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return nil, err
		}
		return redisStarter{Broker: b}, nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
}
