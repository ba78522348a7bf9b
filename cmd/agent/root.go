package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	agentpkg "github.com/i-melnichenko/confraft/internal/agent"
	apppkg "github.com/i-melnichenko/confraft/internal/app"
	"github.com/i-melnichenko/confraft/internal/election"
	"github.com/i-melnichenko/confraft/internal/gossip"
	"github.com/i-melnichenko/confraft/internal/logstore"
	obsmetrics "github.com/i-melnichenko/confraft/internal/observability/metrics"
	"github.com/i-melnichenko/confraft/internal/transport/replgrpc"
)

var rootCmd = &cobra.Command{
	Use:   "confraft-agent",
	Short: "Replicated configuration store agent",
	Long: `Run one agent of the confraft pool. Configuration comes from flags or
environment variables prefixed CONFRAFT_ (e.g. CONFRAFT_GRPC_ADDR=:9090).`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("agent-id", "agent-1", "Unique id of this agent within the pool")
	f.String("pool", "default", "Pool name; announcements from other pools are refused")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("grpc-addr", ":9090", "Address serving replication and client gRPC traffic")
	f.String("metrics-addr", ":9100", "Address serving metrics and admin HTTP endpoints (empty disables)")
	f.String("pprof-addr", "", "Address serving the runtime profiler (empty disables)")
	f.String("data-dir", "", "Directory for the durable log and snapshots (empty selects the in-memory store)")
	f.StringSlice("members", []string{"agent-1=localhost:9090"}, "All pool members as agent-id=host:port, self included")
	f.String("leader", "", "Statically asserted leader id (dev election layer)")
	f.Uint64("term", 1, "Term of the statically asserted leader")
	f.Duration("min-ping", 500*time.Millisecond, "Heartbeat interval")
	f.Duration("max-ping", 2*time.Second, "Expected heartbeat round-trip bound")
	f.Int("timeout-multiplier", 5, "Scales max-ping into the leadership liveness window")
	f.Int("max-ops-per-entry", 64, "Operations per log entry before a write is chunked")
	f.Int("max-batch-entries", 100, "Entries per replication request")
	f.Duration("send-throttle", 30*time.Second, "Minimum spacing of unacknowledged replication requests per follower")
	f.Duration("failure-backoff", time.Second, "Retry delay after a failed replication RPC")
	f.Uint64("compact-every", 4096, "Commits between log compactions")
	f.Uint64("compact-keep", 64, "Entries retained behind the snapshot boundary")
	f.Duration("gossip-ttl", 5*time.Minute, "Pool membership expiry window")
	f.Duration("gossip-interval", 30*time.Second, "Pool announcement exchange cadence")
	f.Bool("tracing", false, "Enable OTLP trace export")
	f.String("tracing-endpoint", "", "OTLP gRPC endpoint")
	f.String("tracing-service", "confraft", "Tracing service name")
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("confraft")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func loadConfig(cmd *cobra.Command) (apppkg.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return apppkg.Config{}, err
	}

	cfg := apppkg.Config{
		AgentID:            viper.GetString("agent-id"),
		PoolName:           viper.GetString("pool"),
		LogLevel:           viper.GetString("log-level"),
		GRPCAddr:           viper.GetString("grpc-addr"),
		MetricsAddr:        viper.GetString("metrics-addr"),
		PprofAddr:          viper.GetString("pprof-addr"),
		DataDir:            viper.GetString("data-dir"),
		Members:            viper.GetStringSlice("members"),
		Leader:             viper.GetString("leader"),
		Term:               viper.GetUint64("term"),
		MinPing:            viper.GetDuration("min-ping"),
		MaxPing:            viper.GetDuration("max-ping"),
		TimeoutMultiplier:  viper.GetInt("timeout-multiplier"),
		MaxOpsPerEntry:     viper.GetInt("max-ops-per-entry"),
		MaxBatchEntries:    viper.GetInt("max-batch-entries"),
		SendThrottle:       viper.GetDuration("send-throttle"),
		FailureBackoff:     viper.GetDuration("failure-backoff"),
		CompactEvery:       viper.GetUint64("compact-every"),
		CompactKeep:        viper.GetUint64("compact-keep"),
		GossipTTL:          viper.GetDuration("gossip-ttl"),
		GossipInterval:     viper.GetDuration("gossip-interval"),
		TracingEnabled:     viper.GetBool("tracing"),
		TracingEndpoint:    viper.GetString("tracing-endpoint"),
		TracingServiceName: viper.GetString("tracing-service"),
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	addrs, err := cfg.MemberAddrMap()
	if err != nil {
		return err
	}
	memberIDs, err := cfg.MemberIDs()
	if err != nil {
		return err
	}

	peers := make(map[string]agentpkg.PeerClient, len(addrs)-1)
	gossipPeers := make(map[string]apppkg.GossipPeer, len(addrs)-1)
	for id, addr := range addrs {
		if id == cfg.AgentID {
			continue
		}
		pc, err := replgrpc.DialPeer(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closePeers(peers)
			return err
		}
		peers[id] = pc
		gossipPeers[id] = pc
	}

	var log logstore.Store
	if cfg.DataDir != "" {
		log, err = logstore.NewFile(cfg.DataDir)
		if err != nil {
			closePeers(peers)
			return err
		}
	} else {
		logger.Warn("no data dir configured, log is in-memory only")
		log = logstore.NewMemory()
	}

	prom, err := obsmetrics.NewPrometheus(nil)
	if err != nil {
		closePeers(peers)
		return err
	}

	constituent := election.NewStatic(cfg.AgentID, cfg.Leader, cfg.Term)

	agentCfg := agentpkg.Config{
		ID:                cfg.AgentID,
		Members:           memberIDs,
		MinPing:           cfg.MinPing,
		MaxPing:           cfg.MaxPing,
		TimeoutMultiplier: cfg.TimeoutMultiplier,
		MaxOpsPerEntry:    cfg.MaxOpsPerEntry,
		MaxBatchEntries:   cfg.MaxBatchEntries,
		SendThrottle:      cfg.SendThrottle,
		FailureBackoff:    cfg.FailureBackoff,
		CompactEvery:      cfg.CompactEvery,
		CompactKeep:       cfg.CompactKeep,
	}
	ag, err := agentpkg.New(agentCfg, constituent, log, peers, logger, prom, otel.Tracer("confraft.agent"))
	if err != nil {
		closePeers(peers)
		return err
	}

	pool := gossip.New(cfg.PoolName, gossip.Member{
		ID:       cfg.AgentID,
		Addr:     addrs[cfg.AgentID],
		LastSeen: time.Now(),
	})

	server := replgrpc.NewServer(ag, pool, otel.Tracer("confraft.transport"))

	app, err := apppkg.New(cfg, logger, ag, server, pool, gossipPeers, constituent)
	if err != nil {
		ag.Stop()
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func closePeers(peers map[string]agentpkg.PeerClient) {
	for _, p := range peers {
		_ = p.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
