package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name clients may ask about. The empty
// name reports the same status.
const ServiceName = "sagas.Orchestrator"

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// DefaultPingInterval is how often the store is pinged.
const DefaultPingInterval = 10 * time.Second

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports SERVING while the store answers pings.
type Health struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	serving bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHealth starts out NOT_SERVING until the first ping succeeds.
func NewHealth(p Pinger, interval time.Duration, logger *slog.Logger) *Health {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	h := &Health{
		server:   health.NewServer(),
		pinger:   p,
		interval: interval,
		logger:   logger,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Start pings once synchronously, then keeps pinging in the background.
func (h *Health) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.Check(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx)
			}
		}
	}()
}

// Stop ends the ping loop and reports NOT_SERVING from then on.
func (h *Health) Stop() {
	if h.cancel != nil {
		h.cancel()
		h.wg.Wait()
	}
	h.server.Shutdown()
}

// Check pings the store once and updates the reported status.
func (h *Health) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	err := h.pinger.Ping(pctx)

	h.mu.Lock()
	was := h.serving
	h.serving = err == nil
	h.mu.Unlock()

	switch {
	case err != nil && was:
		h.logger.Error("store ping failed, reporting NOT_SERVING", "err", err)
	case err == nil && !was:
		h.logger.Info("store reachable, reporting SERVING")
	}
	if err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

func (h *Health) set(s healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", s)
	h.server.SetServingStatus(ServiceName, s)
}
