package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dpn/pkg/types"
	"dpn/pkg/utils"

	"gopkg.in/yaml.v3"
)

type BrokerDriver string

const (
	BrokerMemory BrokerDriver = "memory"
	BrokerGRPC   BrokerDriver = "grpc"
	BrokerRedis  BrokerDriver = "redis"
)

type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

type Config struct {
	NodeName    string            `json:"node_name" yaml:"node_name"`
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Replication ReplicationConfig `json:"replication" yaml:"replication"`
	Registry    RegistryConfig    `json:"registry" yaml:"registry"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type BrokerConfig struct {
	Driver BrokerDriver `json:"driver" yaml:"driver"`

	// gRPC exchange
	Address string       `json:"address,omitempty" yaml:"address,omitempty"`
	Peers   []PeerConfig `json:"peers,omitempty" yaml:"peers,omitempty"`
	// Mutual TLS for the exchange; all three or none.
	TLSCert string `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	TLSCA   string `json:"tls_ca,omitempty" yaml:"tls_ca,omitempty"`

	// Redis streams
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`

	Workers    int      `json:"workers" yaml:"workers"`
	MessageTTL Duration `json:"message_ttl" yaml:"message_ttl"`
}

type PeerConfig struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

type StorageConfig struct {
	Driver StorageDriver `json:"driver" yaml:"driver"`
	Path   string        `json:"path,omitempty" yaml:"path,omitempty"`
	DSN    string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type ReplicationConfig struct {
	// Count is the number of peers chosen per replication.
	Count           int      `json:"count" yaml:"count"`
	Protocols       []string `json:"protocols" yaml:"protocols"`
	FixityAlgorithm string   `json:"fixity_algorithm" yaml:"fixity_algorithm"`
	SelectionPolicy string   `json:"selection_policy" yaml:"selection_policy"`
	PreferredNodes  []string `json:"preferred_nodes,omitempty" yaml:"preferred_nodes,omitempty"`
	SelectionDelay  Duration `json:"selection_delay" yaml:"selection_delay"`
	StagingDir      string   `json:"staging_dir" yaml:"staging_dir"`
	RepositoryDir   string   `json:"repository_dir" yaml:"repository_dir"`
	MaxBagSize      Size     `json:"max_bag_size" yaml:"max_bag_size"`
	TransferWorkers int      `json:"transfer_workers" yaml:"transfer_workers"`
}

type RegistryConfig struct {
	SyncInterval    Duration `json:"sync_interval" yaml:"sync_interval"`
	ResolveInterval Duration `json:"resolve_interval" yaml:"resolve_interval"`
}

type MetricsConfig struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// Defaults returns a single-node configuration suitable for tests.
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Driver:     BrokerMemory,
			Workers:    4,
			MessageTTL: Duration(time.Hour),
		},
		Storage: StorageConfig{
			Driver: StorageSQLite,
			Path:   "./data/dpn.db",
		},
		Replication: ReplicationConfig{
			Count:           1,
			Protocols:       []string{string(types.ProtocolHTTPS), string(types.ProtocolRsync)},
			FixityAlgorithm: "sha256",
			SelectionPolicy: "random",
			SelectionDelay:  Duration(30 * time.Second),
			StagingDir:      "./data/staging",
			RepositoryDir:   "./data/repository",
			MaxBagSize:      Size(utils.TeraByte),
			TransferWorkers: 4,
		},
		Registry: RegistryConfig{
			SyncInterval:    Duration(time.Hour),
			ResolveInterval: Duration(time.Hour),
		},
	}
}

// LoadConfig reads a JSON or YAML (by extension) file on top of Defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds a configuration from DPN_* environment variables.
func LoadFromEnv() *Config {
	cfg := Defaults()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overrides cfg with any DPN_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.NodeName = getEnv("DPN_NODE_NAME", cfg.NodeName)
	cfg.Broker.Driver = BrokerDriver(getEnv("DPN_BROKER_DRIVER", string(cfg.Broker.Driver)))
	cfg.Broker.Address = getEnv("DPN_BROKER_ADDRESS", cfg.Broker.Address)
	cfg.Broker.TLSCert = getEnv("DPN_TLS_CERT", cfg.Broker.TLSCert)
	cfg.Broker.TLSKey = getEnv("DPN_TLS_KEY", cfg.Broker.TLSKey)
	cfg.Broker.TLSCA = getEnv("DPN_TLS_CA", cfg.Broker.TLSCA)
	cfg.Broker.RedisAddr = getEnv("DPN_REDIS_ADDR", cfg.Broker.RedisAddr)
	cfg.Broker.RedisPassword = getEnv("DPN_REDIS_PASSWORD", cfg.Broker.RedisPassword)
	cfg.Storage.Driver = StorageDriver(getEnv("DPN_STORAGE_DRIVER", string(cfg.Storage.Driver)))
	cfg.Storage.Path = getEnv("DPN_STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = getEnv("DPN_POSTGRES_DSN", cfg.Storage.DSN)
	cfg.Replication.StagingDir = getEnv("DPN_STAGING_DIR", cfg.Replication.StagingDir)
	cfg.Replication.RepositoryDir = getEnv("DPN_REPOSITORY_DIR", cfg.Replication.RepositoryDir)
	cfg.Metrics.Address = getEnv("DPN_METRICS_ADDRESS", cfg.Metrics.Address)

	if v := os.Getenv("DPN_REPLICATION_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replication.Count = n
		}
	}

	// Peers: alice=alice.example.org:7100,bob=bob.example.org:7100
	if peers := os.Getenv("DPN_BROKER_PEERS"); peers != "" {
		cfg.Broker.Peers = nil
		for _, p := range strings.Split(peers, ",") {
			name, addr, ok := strings.Cut(strings.TrimSpace(p), "=")
			if !ok {
				continue
			}
			cfg.Broker.Peers = append(cfg.Broker.Peers, PeerConfig{Name: name, Address: addr})
		}
	}
}

// Validate reports the first problem that would prevent a node from starting.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerGRPC:
		if c.Broker.Address == "" {
			return fmt.Errorf("broker.address is required for the grpc broker")
		}
		set := 0
		for _, f := range []string{c.Broker.TLSCert, c.Broker.TLSKey, c.Broker.TLSCA} {
			if f != "" {
				set++
			}
		}
		if set != 0 && set != 3 {
			return fmt.Errorf("broker.tls_cert, tls_key and tls_ca must be set together")
		}
	case BrokerRedis:
		if c.Broker.RedisAddr == "" {
			return fmt.Errorf("broker.redis_addr is required for the redis broker")
		}
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Replication.Count < 0 {
		return fmt.Errorf("replication.count must not be negative")
	}
	if len(c.Replication.Protocols) == 0 {
		return fmt.Errorf("replication.protocols must list at least one protocol")
	}
	for _, p := range c.Replication.Protocols {
		if _, err := types.ParseProtocol(p); err != nil {
			return fmt.Errorf("replication.protocols: %w", err)
		}
	}
	if c.Broker.MessageTTL <= 0 {
		return fmt.Errorf("broker.message_ttl must be positive")
	}
	return nil
}

// SupportedProtocols returns the configured protocols in preference order.
func (c *Config) SupportedProtocols() []types.Protocol {
	out := make([]types.Protocol, 0, len(c.Replication.Protocols))
	for _, p := range c.Replication.Protocols {
		if proto, err := types.ParseProtocol(p); err == nil {
			out = append(out, proto)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
