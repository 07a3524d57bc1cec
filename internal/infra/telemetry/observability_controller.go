package telemetry

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

type ObservabilityControllerOptions struct {
	Registry prometheus.Gatherer
	Ready    func() bool
	Logger   *zap.Logger
}

// ObservabilityController owns at most one observability HTTP server and
// restarts it when the applied settings change.
type ObservabilityController struct {
	mu       sync.Mutex
	defaults ObservabilityControllerOptions
	current  observabilityState
	cancel   context.CancelFunc
	done     chan struct{}
	runID    uint64
}

type observabilityState struct {
	addr           string
	metricsEnabled bool
	healthzEnabled bool
}

func (s observabilityState) enabled() bool {
	return s.metricsEnabled || s.healthzEnabled
}

func NewObservabilityController(opts ObservabilityControllerOptions) *ObservabilityController {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ObservabilityController{defaults: opts}
}

func (c *ObservabilityController) Apply(ctx context.Context, cfg domain.ObservabilityConfig) error {
	if c == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	state := resolveObservabilityState(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == state && c.cancel != nil {
		return nil
	}
	c.stopLocked()
	c.current = state
	if !state.enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.runID++
	runID := c.runID

	go func() {
		defer close(done)
		err := StartHTTPServer(runCtx, HTTPServerOptions{
			Addr:          state.addr,
			EnableMetrics: state.metricsEnabled,
			EnableHealthz: state.healthzEnabled,
			Ready:         c.defaults.Ready,
			Registry:      c.defaults.Registry,
		}, c.defaults.Logger)
		if err != nil {
			c.defaults.Logger.Error("observability server failed", zap.Error(err))
		}
		c.mu.Lock()
		if c.runID == runID {
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
	}()
	return nil
}

// Close stops the running server, if any, and waits for it to exit.
func (c *ObservabilityController) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	done := c.done
	c.stopLocked()
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *ObservabilityController) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.done = nil
	}
}

func resolveObservabilityState(cfg domain.ObservabilityConfig) observabilityState {
	addr := strings.TrimSpace(cfg.ListenAddress)
	if addr == "" {
		addr = domain.DefaultObservabilityListenAddress
	}
	return observabilityState{
		addr:           addr,
		metricsEnabled: cfg.Metrics,
		healthzEnabled: cfg.Healthz,
	}
}
