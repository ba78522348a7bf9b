// Package app wires the agent, election layer, and transports together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/i-melnichenko/confraft/internal/agent"
	"github.com/i-melnichenko/confraft/internal/gossip"
	"github.com/i-melnichenko/confraft/internal/transport/replgrpc"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// GossipPeer is the announcement-exchange surface of a peer connection.
// *replgrpc.PeerClient satisfies it.
type GossipPeer interface {
	Exchange(ctx context.Context, ann gossip.Announcement) (gossip.Announcement, error)
}

// AckView exposes the constituent's heartbeat acknowledgment stamps for the
// admin surface.
type AckView interface {
	Acknowledgments() map[string]time.Time
}

// App wires the agent and its transports into a runnable service.
// All dependencies are injected; App does not create transport connections.
type App struct {
	config      Config
	logger      Logger
	agent       *agent.Agent
	server      *replgrpc.Server
	pool        *gossip.Pool
	gossipPeers map[string]GossipPeer
	acks        AckView
}

// New validates dependencies and constructs a runnable application.
// gossipPeers shares the connections the agent replicates over.
func New(cfg Config, logger Logger, ag *agent.Agent, server *replgrpc.Server, pool *gossip.Pool, gossipPeers map[string]GossipPeer, acks AckView) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if ag == nil {
		return nil, fmt.Errorf("app: nil agent")
	}
	if server == nil {
		return nil, fmt.Errorf("app: nil grpc server adapter")
	}
	if pool == nil {
		return nil, fmt.Errorf("app: nil gossip pool")
	}
	if acks == nil {
		return nil, fmt.Errorf("app: nil acknowledgment view")
	}
	return &App{
		config:      cfg,
		logger:      logger,
		agent:       ag,
		server:      server,
		pool:        pool,
		gossipPeers: gossipPeers,
		acks:        acks,
	}, nil
}

// Stop stops the underlying agent.
func (a *App) Stop() {
	a.agent.Stop()
}

// Run starts the agent and the shared gRPC server plus the operational HTTP
// endpoints, and blocks until shutdown or a fatal error.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", a.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.config.GRPCAddr, err)
	}
	defer func() { _ = lis.Close() }()

	a.logger.Info(
		"agent started",
		"agent_id", a.config.AgentID,
		"pool", a.config.PoolName,
		"grpc_addr", a.config.GRPCAddr,
	)

	return a.serve(ctx, lis)
}

// serve registers gRPC services, starts goroutines, and blocks until ctx is
// canceled or a fatal error occurs.
func (a *App) serve(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer()
	a.server.Register(server)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	reflection.Register(server)

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}

	errCh := make(chan error, 5)

	go func() {
		if err := a.agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("agent: %w", err)
		}
	}()
	go func() {
		if err := a.gossipLoop(ctx); err != nil {
			errCh <- fmt.Errorf("gossip: %w", err)
		}
	}()
	go func() {
		if err := server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}
	if pprofSrv != nil {
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		healthSrv.Shutdown()
		a.agent.Stop()
		server.GracefulStop()
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		return nil
	case err := <-errCh:
		a.agent.Stop()
		server.Stop()
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		return err
	}
}
