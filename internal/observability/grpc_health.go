package observability

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves grpc.health.v1.Health for orchestrators that probe over
// gRPC. The overall ("") status mirrors the HTTP readiness checks.
type GRPCHealth struct {
	listener net.Listener
	server   *grpc.Server
	health   *health.Server
	checks   []NamedCheck
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartGRPCHealth listens on addr and starts serving health status, polling
// checks every interval.
func StartGRPCHealth(addr string, interval time.Duration, checks ...NamedCheck) (*GRPCHealth, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc health on %s: %w", addr, err)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &GRPCHealth{
		listener: lis,
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		checks:   checks,
		interval: interval,
		cancel:   cancel,
	}
	healthpb.RegisterHealthServer(g.server, g.health)

	g.refresh(ctx)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logger := GetLogger()
			logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}()
	go func() {
		defer g.wg.Done()
		g.poll(ctx)
	}()

	return g, nil
}

// Addr returns the bound listener address.
func (g *GRPCHealth) Addr() string {
	return g.listener.Addr().String()
}

func (g *GRPCHealth) poll(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refresh(ctx)
		}
	}
}

func (g *GRPCHealth) refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	deps, ok := RunChecks(checkCtx, g.checks)
	for name, dep := range deps {
		g.health.SetServingStatus(name, servingStatus(dep.Status == "healthy"))
	}
	g.health.SetServingStatus("", servingStatus(ok))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Stop marks every service NOT_SERVING and stops the server.
func (g *GRPCHealth) Stop() {
	g.cancel()
	g.health.Shutdown()
	g.server.GracefulStop()
	g.wg.Wait()
}
