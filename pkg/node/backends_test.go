package node

import (
	"context"
	"path/filepath"
	"testing"

	"dpn/pkg/config"
	"dpn/pkg/storage/memory"
	"dpn/pkg/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.StorageConfig{Driver: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)
	require.NoError(t, s.Close())

	path := filepath.Join(t.TempDir(), "nested", "dpn.db")
	s, err = openStore(config.StorageConfig{Driver: config.StorageSQLite, Path: path})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, s)
	_, err = s.RecentRecords(context.Background(), 10)
	assert.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = openStore(config.StorageConfig{Driver: "bolt"})
	assert.Error(t, err)
}

func TestOpenBroker(t *testing.T) {
	b, err := openBroker("aptrust", config.BrokerConfig{
		Driver:  config.BrokerGRPC,
		Address: "127.0.0.1:0",
		Peers:   []config.PeerConfig{{Name: "chron", Address: "127.0.0.1:7100"}},
	}, nil)
	require.NoError(t, err)
	g, ok := b.(grpcStarter)
	require.True(t, ok)
	assert.Len(t, g.Peers(), 1)
	require.NoError(t, b.Close())

	_, err = openBroker("aptrust", config.BrokerConfig{Driver: config.BrokerRedis}, nil)
	assert.Error(t, err)

	_, err = openBroker("aptrust", config.BrokerConfig{
		Driver:  config.BrokerGRPC,
		Address: "127.0.0.1:0",
		TLSCert: "/nonexistent.crt",
		TLSKey:  "/nonexistent.key",
		TLSCA:   "/nonexistent-ca.crt",
	}, nil)
	assert.Error(t, err)

	_, err = openBroker("aptrust", config.BrokerConfig{Driver: "amqp"}, nil)
	assert.Error(t, err)
}
