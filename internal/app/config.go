package app

import (
	"fmt"
	"strings"
	"time"
)

// Config contains runtime settings for an agent process.
type Config struct {
	AgentID  string
	PoolName string
	LogLevel string

	// GRPCAddr serves replication and client traffic on one server.
	GRPCAddr    string
	MetricsAddr string
	PprofAddr   string

	// DataDir roots the durable log and snapshot files. Empty selects the
	// in-memory log store (dev only).
	DataDir string

	// Members lists every agent as "agent-id=host:port", self included.
	Members []string

	// Leader and Term configure the static election layer. An empty Leader
	// means this process starts as a plain follower.
	Leader string
	Term   uint64

	MinPing           time.Duration
	MaxPing           time.Duration
	TimeoutMultiplier int
	MaxOpsPerEntry    int
	MaxBatchEntries   int
	SendThrottle      time.Duration
	FailureBackoff    time.Duration
	CompactEvery      uint64
	CompactKeep       uint64

	// GossipTTL expires pool members not heard from within the window;
	// GossipInterval paces the announcement exchanges.
	GossipTTL      time.Duration
	GossipInterval time.Duration

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		AgentID:            "agent-1",
		PoolName:           "default",
		LogLevel:           "info",
		GRPCAddr:           ":9090",
		MetricsAddr:        ":9100",
		DataDir:            "./var/agent-1",
		Members:            []string{"agent-1=localhost:9090"},
		Leader:             "agent-1",
		Term:               1,
		GossipTTL:          5 * time.Minute,
		GossipInterval:     30 * time.Second,
		TracingServiceName: "confraft",
	}
}

// Validate checks that required settings are present and coherent.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("app: agent id is required")
	}
	if strings.TrimSpace(c.PoolName) == "" {
		return fmt.Errorf("app: pool name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return fmt.Errorf("app: grpc addr is required")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("app: members are required")
	}
	addrs, err := c.MemberAddrMap()
	if err != nil {
		return err
	}
	if _, ok := addrs[c.AgentID]; !ok {
		return fmt.Errorf("app: agent id %q not listed in members", c.AgentID)
	}
	if c.GossipTTL <= 0 {
		return fmt.Errorf("app: gossip ttl must be positive")
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("app: gossip interval must be positive")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	return nil
}

// MemberAddrMap parses Members into a map of agent-id -> address.
// Each entry is either "host:port" (agent id equals address) or
// "agent-id=host:port".
func (c Config) MemberAddrMap() (map[string]string, error) {
	out := make(map[string]string, len(c.Members))
	for _, raw := range c.Members {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		id := raw
		addr := raw
		if left, right, ok := strings.Cut(raw, "="); ok {
			id = strings.TrimSpace(left)
			addr = strings.TrimSpace(right)
		}

		if id == "" || addr == "" {
			return nil, fmt.Errorf("app: invalid member entry %q", raw)
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("app: duplicate agent id %q", id)
		}
		out[id] = addr
	}
	return out, nil
}

// MemberIDs returns the agent ids in Members order.
func (c Config) MemberIDs() ([]string, error) {
	addrs, err := c.MemberAddrMap()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, raw := range c.Members {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id := raw
		if left, _, ok := strings.Cut(raw, "="); ok {
			id = strings.TrimSpace(left)
		}
		if _, ok := addrs[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}
