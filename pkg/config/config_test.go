package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dpn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node_name: aptrust
broker:
  driver: grpc
  address: ":7100"
  peers:
    - name: chron
      address: chron.example.org:7100
  message_ttl: 2h
storage:
  driver: sqlite
  path: /var/lib/dpn/dpn.db
replication:
  count: 2
  protocols: [rsync]
  max_bag_size: 500GB
  selection_delay: 45s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "aptrust", cfg.NodeName)
	assert.Equal(t, BrokerGRPC, cfg.Broker.Driver)
	assert.Equal(t, []PeerConfig{{Name: "chron", Address: "chron.example.org:7100"}}, cfg.Broker.Peers)
	assert.Equal(t, 2*time.Hour, cfg.Broker.MessageTTL.Std())
	assert.Equal(t, 2, cfg.Replication.Count)
	assert.Equal(t, []types.Protocol{types.ProtocolRsync}, cfg.SupportedProtocols())
	assert.Equal(t, int64(500*1000*1000*1000), cfg.Replication.MaxBagSize.Bytes())
	assert.Equal(t, 45*time.Second, cfg.Replication.SelectionDelay.Std())

	// Unset fields keep their defaults.
	assert.Equal(t, "sha256", cfg.Replication.FixityAlgorithm)
	assert.Equal(t, 4, cfg.Broker.Workers)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "node.json", `{
		"node_name": "hathi",
		"storage": {"driver": "memory"},
		"replication": {"selection_delay": 5000000000, "max_bag_size": 1024}
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Replication.SelectionDelay.Std())
	assert.Equal(t, int64(1024), cfg.Replication.MaxBagSize.Bytes())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "replication:\n  selection_delay: soon\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"replication": {"max_bag_size": "lots"}}`))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DPN_NODE_NAME", "tdr")
	t.Setenv("DPN_BROKER_DRIVER", "redis")
	t.Setenv("DPN_REDIS_ADDR", "localhost:6379")
	t.Setenv("DPN_REPLICATION_COUNT", "3")
	t.Setenv("DPN_BROKER_PEERS", "chron=chron:7100, sdr=sdr:7100,broken")

	cfg := LoadFromEnv()
	assert.Equal(t, "tdr", cfg.NodeName)
	assert.Equal(t, BrokerRedis, cfg.Broker.Driver)
	assert.Equal(t, "localhost:6379", cfg.Broker.RedisAddr)
	assert.Equal(t, 3, cfg.Replication.Count)
	assert.Equal(t, []PeerConfig{
		{Name: "chron", Address: "chron:7100"},
		{Name: "sdr", Address: "sdr:7100"},
	}, cfg.Broker.Peers)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing node name", func(c *Config) { c.NodeName = "" }},
		{"unknown broker", func(c *Config) { c.Broker.Driver = "amqp" }},
		{"grpc without address", func(c *Config) { c.Broker.Driver = BrokerGRPC }},
		{"redis without address", func(c *Config) { c.Broker.Driver = BrokerRedis }},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "bolt" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = StoragePostgres }},
		{"negative count", func(c *Config) { c.Replication.Count = -1 }},
		{"no protocols", func(c *Config) { c.Replication.Protocols = nil }},
		{"unknown protocol", func(c *Config) { c.Replication.Protocols = []string{"ftp"} }},
		{"zero ttl", func(c *Config) { c.Broker.MessageTTL = 0 }},
		{"partial tls", func(c *Config) {
			c.Broker.Driver = BrokerGRPC
			c.Broker.Address = ":7100"
			c.Broker.TLSCert = "node.crt"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.NodeName = "aptrust"
			require.NoError(t, cfg.Validate())
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
