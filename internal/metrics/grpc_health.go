package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service reported next to the overall ("") status.
const HealthServiceName = "smartqso.PayloadSupervisor"

// DefaultHealthPoll is how often GRPCHealth re-evaluates its probe.
const DefaultHealthPoll = time.Second

// GRPCHealth serves the standard grpc.health.v1 service, mirroring a probe.
type GRPCHealth struct {
	addr   string
	probe  Probe
	logger *slog.Logger

	server   *grpc.Server
	health   *health.Server
	listener net.Listener
}

// NewGRPCHealth creates a health server for addr. A nil probe always serves.
func NewGRPCHealth(addr string, probe Probe, logger *slog.Logger) *GRPCHealth {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GRPCHealth{
		addr:   addr,
		probe:  probe,
		logger: logger,
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(g.server, g.health)
	g.Update()
	return g
}

// Start binds the listener and serves in a goroutine.
func (g *GRPCHealth) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", g.addr, err)
	}
	g.listener = lis
	g.logger.Info("grpc_health_starting", "addr", lis.Addr().String())

	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.logger.Error("grpc_health_error", "error", err)
		}
	}()
	return nil
}

// Update sets the serving status from the probe.
func (g *GRPCHealth) Update() {
	st := healthpb.HealthCheckResponse_SERVING
	if g.probe != nil && !g.probe() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(HealthServiceName, st)
}

// Run calls Update every interval until ctx is done.
func (g *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthPoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Update()
		}
	}
}

// Check answers a health request without going over the network.
func (g *GRPCHealth) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Stop marks every service NOT_SERVING and stops the server.
func (g *GRPCHealth) Stop() {
	g.logger.Debug("grpc_health_stopping")
	g.health.Shutdown()
	g.server.GracefulStop()
}

// Addr returns the bound address once started, the configured one before.
func (g *GRPCHealth) Addr() string {
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.addr
}
