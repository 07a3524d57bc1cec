// Package watcher stops a connector once only background units remain.
package watcher

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/telemetry"
	"mgmtagent/internal/infra/units"
)

const (
	unitName       = "shutdown-watcher"
	snapshotGrowth = 50
)

// DefaultIgnorePatterns are name prefixes of infrastructure units that never
// hold up shutdown even when they are not daemons.
var DefaultIgnorePatterns = []string{
	"connector-reaper",
	"runtime-destroy",
	"supervisor-stop-runner",
}

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// UnitSource enumerates live units and runs the watcher itself.
type UnitSource interface {
	ActiveCount() int
	Enumerate(dst []*units.Unit) (int, error)
	GoDaemon(name string, fn func() error) *units.Unit
}

// Stopper is what the watcher tears down.
type Stopper interface {
	Stop() error
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func() error

func (f StopperFunc) Stop() error {
	return f()
}

type Options struct {
	Units          UnitSource
	Stopper        Stopper
	IgnorePatterns []string
	PollInterval   time.Duration
	Metrics        domain.Metrics
	Logger         *zap.Logger
}

type Watcher struct {
	units        UnitSource
	stopper      Stopper
	patterns     []string
	pollInterval time.Duration
	metrics      domain.Metrics
	logger       *zap.Logger

	state     atomic.Int32
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func New(opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	source := opts.Units
	if source == nil {
		source = units.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	patterns := append([]string(nil), DefaultIgnorePatterns...)
	for _, pattern := range opts.IgnorePatterns {
		if trimmed := strings.TrimSpace(pattern); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return &Watcher{
		units:        source,
		stopper:      opts.Stopper,
		patterns:     patterns,
		pollInterval: opts.PollInterval,
		metrics:      metrics,
		logger:       logger.Named("watcher"),
		done:         make(chan struct{}),
	}
}

// Start launches the watcher in the background. It cannot be cancelled and
// returns immediately; further calls are no-ops.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.units.GoDaemon(unitName, w.run)
	})
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Done is closed once the watcher reaches StateStopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Ignorable reports whether u never holds up shutdown.
func (w *Watcher) Ignorable(u *units.Unit) bool {
	if u.Daemon() {
		return true
	}
	name := u.Name()
	if name == unitName {
		return true
	}
	for _, pattern := range w.patterns {
		if strings.HasPrefix(name, pattern) {
			return true
		}
	}
	return false
}

func (w *Watcher) run() error {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher aborted", zap.Any("panic", r))
		}
		w.finish()
	}()

	w.state.Store(int32(StatePolling))
	for {
		next := w.firstSignificant(w.snapshot())
		if next == nil {
			return nil
		}
		w.logger.Info("waiting on unit",
			telemetry.UnitField(next.Name()),
			telemetry.UnitIDField(next.ID()),
		)
		if err := next.Join(); err != nil {
			w.logger.Warn("unit finished with error", telemetry.UnitField(next.Name()), zap.Error(err))
		}
		w.metrics.ObserveWatcherJoin(next.Name())
		if w.pollInterval > 0 {
			time.Sleep(w.pollInterval)
		}
	}
}

func (w *Watcher) finish() {
	w.stopOnce.Do(func() {
		w.state.Store(int32(StateDraining))
		w.logger.Info("no significant units left, stopping connector")
		if w.stopper != nil {
			if err := w.stopper.Stop(); err != nil {
				w.logger.Warn("connector stop failed", zap.Error(err))
			}
		}
		w.state.Store(int32(StateStopped))
		close(w.done)
	})
}

// snapshot enumerates live units, growing the buffer until everything fits.
func (w *Watcher) snapshot() units.Snapshot {
	extra := snapshotGrowth
	for {
		buf := make([]*units.Unit, w.units.ActiveCount()+extra)
		n, err := w.units.Enumerate(buf)
		if errors.Is(err, units.ErrSnapshotOverflow) {
			extra += snapshotGrowth
			continue
		}
		return units.Snapshot(buf[:n])
	}
}

func (w *Watcher) firstSignificant(snapshot units.Snapshot) *units.Unit {
	for _, u := range snapshot {
		if !w.Ignorable(u) {
			return u
		}
	}
	return nil
}
