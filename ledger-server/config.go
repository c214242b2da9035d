package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

type Config struct {
	Cluster     ClusterConfig     `yaml:"cluster"`
	Network     NetworkConfig     `yaml:"network"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Storage     StorageConfig     `yaml:"storage"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

// ClusterConfig sizes the system. Clients and Replicas are totals, faulty peers included.
type ClusterConfig struct {
	Clients        int `yaml:"clients"`
	FaultyClients  int `yaml:"faulty_clients"`
	Replicas       int `yaml:"replicas"`
	FaultyReplicas int `yaml:"faulty_replicas"`
	// NAck is the quorum size, 0 selects the default (replicas + faulty_replicas + 1) / 2
	NAck int `yaml:"n_ack"`
}

type NetworkConfig struct {
	// TransmissionDelayMs is the Poisson mean of the simulated per-message delay, 0 disables it
	TransmissionDelayMs float64 `yaml:"transmission_delay_ms"`
	Seed                uint64  `yaml:"seed"`
	InboxSize           int     `yaml:"inbox_size"`
}

type CoordinatorConfig struct {
	ConsensusDelayMs int `yaml:"consensus_delay_ms"`
	BufferSize       int `yaml:"buffer_size"`
}

type TimeoutsConfig struct {
	Round    time.Duration `yaml:"round"`
	Shutdown time.Duration `yaml:"shutdown"`
}

type StorageConfig struct {
	// DataDir receives the transaction log of every replica on shutdown, empty disables it
	DataDir string `yaml:"data_dir"`
	// Archive additionally writes a bbolt export next to the log
	Archive bool `yaml:"archive"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Clients:        2,
			Replicas:       6,
			FaultyReplicas: 1,
		},
		Network: NetworkConfig{
			InboxSize: 1024,
		},
		Coordinator: CoordinatorConfig{
			BufferSize: 100,
		},
		Timeouts: TimeoutsConfig{
			Round:    10 * time.Second,
			Shutdown: 10 * time.Second,
		},
		HTTP: HTTPConfig{Address: ":8000"},
		Log:  LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config = DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	var cl = c.Cluster

	if cl.Clients < 0 || cl.FaultyClients < 0 || cl.Replicas < 0 || cl.FaultyReplicas < 0 {
		return fmt.Errorf("cluster sizes must not be negative")
	}

	if cl.Replicas == 0 {
		return fmt.Errorf("cluster.replicas must be greater than 0")
	}

	if 5*cl.FaultyReplicas >= cl.Replicas {
		return fmt.Errorf("resilience requires 5 * faulty_replicas < replicas, got faulty_replicas=%d replicas=%d",
			cl.FaultyReplicas, cl.Replicas)
	}

	if cl.FaultyClients > cl.Clients {
		return fmt.Errorf("cluster.faulty_clients=%d exceeds cluster.clients=%d", cl.FaultyClients, cl.Clients)
	}

	if nAck := c.NAck(); nAck < 1 || nAck > cl.Replicas-cl.FaultyReplicas {
		return fmt.Errorf("cluster.n_ack=%d must be within [1, %d]", nAck, cl.Replicas-cl.FaultyReplicas)
	}

	if c.Network.TransmissionDelayMs < 0 {
		return fmt.Errorf("network.transmission_delay_ms must not be negative")
	}

	if c.Network.InboxSize <= 0 {
		return fmt.Errorf("network.inbox_size must be greater than 0")
	}

	if c.Coordinator.ConsensusDelayMs < 0 {
		return fmt.Errorf("coordinator.consensus_delay_ms must not be negative")
	}

	if c.Coordinator.BufferSize <= 0 {
		return fmt.Errorf("coordinator.buffer_size must be greater than 0")
	}

	if c.Timeouts.Round <= 0 || c.Timeouts.Shutdown <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}

	return nil
}

// NAck returns the configured quorum size or its default.
func (c *Config) NAck() int {
	if c.Cluster.NAck > 0 {
		return c.Cluster.NAck
	}

	var nAck = (c.Cluster.Replicas + c.Cluster.FaultyReplicas + 1) / 2
	if nAck < 1 {
		nAck = 1
	}
	return nAck
}

/*
	peer ids are assigned by range:
	[0, honest clients)                  - clients
	[honest clients, clients)            - faulty clients
	[clients, clients + honest replicas) - replicas
	[.., clients + replicas)             - faulty replicas
*/

func (c *Config) ClientIDs() []command.PeerID {
	return idRange(0, c.Cluster.Clients-c.Cluster.FaultyClients)
}

func (c *Config) FaultyClientIDs() []command.PeerID {
	return idRange(c.Cluster.Clients-c.Cluster.FaultyClients, c.Cluster.Clients)
}

func (c *Config) ReplicaIDs() []command.PeerID {
	return idRange(c.Cluster.Clients, c.Cluster.Clients+c.Cluster.Replicas-c.Cluster.FaultyReplicas)
}

func (c *Config) FaultyReplicaIDs() []command.PeerID {
	return idRange(c.Cluster.Clients+c.Cluster.Replicas-c.Cluster.FaultyReplicas, c.Cluster.Clients+c.Cluster.Replicas)
}

// AllReplicaIDs returns honest and faulty replicas, clients broadcast to every one of them.
func (c *Config) AllReplicaIDs() []command.PeerID {
	return idRange(c.Cluster.Clients, c.Cluster.Clients+c.Cluster.Replicas)
}

func idRange(from, to int) []command.PeerID {
	var res = make([]command.PeerID, 0, max(to-from, 0))
	for id := from; id < to; id++ {
		res = append(res, command.PeerID(id))
	}
	return res
}
