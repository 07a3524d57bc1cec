package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

// Operations understood by RuntimeProvider.Invoke.
const (
	OpGC           = "runtime.gc"
	OpFreeOSMemory = "runtime.freeOSMemory"
	OpSetGCPercent = "runtime.setGCPercent"
	OpStack        = "runtime.stack"
)

const maxStackBytes = 8 << 20

// RuntimeProvider serves the process's own runtime metrics and a fixed set of
// runtime operations.
type RuntimeProvider struct {
	gatherer prometheus.Gatherer
	started  time.Time
	logger   *zap.Logger
}

func NewRuntimeProvider(gatherer prometheus.Gatherer, logger *zap.Logger) *RuntimeProvider {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeProvider{
		gatherer: gatherer,
		started:  time.Now(),
		logger:   logger.Named("provider"),
	}
}

func (p *RuntimeProvider) Info(_ context.Context) domain.RuntimeInfo {
	host, _ := os.Hostname()
	return domain.RuntimeInfo{
		PID:        os.Getpid(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
		Uptime:     time.Since(p.started),
		HostName:   host,
	}
}

func (p *RuntimeProvider) Gather(ctx context.Context) ([]*dto.MetricFamily, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	families, err := p.gatherer.Gather()
	if err != nil {
		// Gather returns whatever it could collect alongside the error.
		if len(families) == 0 {
			return nil, fmt.Errorf("gather metrics: %w", err)
		}
		p.logger.Warn("partial metrics gather", zap.Error(err))
	}
	return families, nil
}

func (p *RuntimeProvider) Invoke(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	const op = "telemetry.Invoke"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch operation {
	case OpGC:
		start := time.Now()
		runtime.GC()
		return map[string]any{"durationMs": float64(time.Since(start).Milliseconds())}, nil
	case OpFreeOSMemory:
		debug.FreeOSMemory()
		return map[string]any{}, nil
	case OpSetGCPercent:
		raw, ok := args["percent"]
		if !ok {
			return nil, domain.E(domain.CodeInvalidArgument, op, "percent is required", nil)
		}
		percent, ok := raw.(float64)
		if !ok {
			return nil, domain.E(domain.CodeInvalidArgument, op, "percent must be a number", nil)
		}
		previous := debug.SetGCPercent(int(percent))
		p.logger.Info("gc percent changed", zap.Int("previous", previous), zap.Int("current", int(percent)))
		return map[string]any{"previous": float64(previous)}, nil
	case OpStack:
		all := true
		if raw, ok := args["all"].(bool); ok {
			all = raw
		}
		return map[string]any{"stack": string(stackDump(all))}, nil
	default:
		return nil, domain.E(domain.CodeNotFound, op, fmt.Sprintf("unknown operation %q", operation), nil)
	}
}

func stackDump(all bool) []byte {
	size := 64 << 10
	for {
		buf := make([]byte, size)
		n := runtime.Stack(buf, all)
		if n < len(buf) || size >= maxStackBytes {
			return buf[:n]
		}
		size *= 2
	}
}

var _ domain.ManagementProvider = (*RuntimeProvider)(nil)
