package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/journal"
	"mgmtagent/internal/infra/registry"
	"mgmtagent/internal/infra/rpc"
	"mgmtagent/internal/infra/telemetry"
	"mgmtagent/internal/infra/units"
	"mgmtagent/internal/infra/watcher"
)

// Journal events written by the endpoint.
const (
	JournalEventStarted     = "started"
	JournalEventStopped     = "stopped"
	JournalEventStartFailed = "start_failed"
)

// EndpointOptions captures dependencies for Endpoint.
type EndpointOptions struct {
	Config domain.EndpointConfig
	// Authenticator guards remote calls. Nil leaves the endpoint open.
	Authenticator domain.Authenticator
	Provider      domain.ManagementProvider
	Units         *units.Tracker
	Metrics       domain.Metrics
	Journal       *journal.Journal
	Logger        *zap.Logger
	// Diagnostics receives the human-readable start report. Nil discards it.
	Diagnostics io.Writer
	HostName    func() (string, error)
	// ProbeTimeout bounds the registry probe. Zero uses the default.
	ProbeTimeout time.Duration
}

// Endpoint ties a registry and a connector together and tears both down
// exactly once.
type Endpoint struct {
	mu sync.Mutex

	cfg      domain.EndpointConfig
	auth     domain.Authenticator
	provider domain.ManagementProvider
	units    *units.Tracker
	metrics  domain.Metrics
	journal  *journal.Journal
	logger   *zap.Logger
	out      io.Writer
	hostName func() (string, error)
	probe    time.Duration

	binder    *registry.Binder
	registry  *registry.Handle
	connector *rpc.Connector
	watcher   *watcher.Watcher
	started   bool
	stopped   bool
	done      chan struct{}
}

func NewEndpoint(opts EndpointOptions) *Endpoint {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracker := opts.Units
	if tracker == nil {
		tracker = units.Default()
	}
	provider := opts.Provider
	if provider == nil {
		provider = telemetry.NewRuntimeProvider(nil, logger)
	}
	out := opts.Diagnostics
	if out == nil {
		out = io.Discard
	}
	named := logger.Named("endpoint")
	return &Endpoint{
		cfg:      opts.Config,
		auth:     opts.Authenticator,
		provider: provider,
		units:    tracker,
		metrics:  metrics,
		journal:  opts.Journal,
		logger:   named,
		out:      out,
		hostName: opts.HostName,
		probe:    opts.ProbeTimeout,
		binder:   registry.NewBinder(tracker, metrics, named),
		done:     make(chan struct{}),
	}
}

// Start binds the registry, starts the connector and, when configured,
// spawns the shutdown watcher. A failure leaves nothing bound.
func (e *Endpoint) Start(ctx context.Context) error {
	const op = "app.Endpoint.Start"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return domain.E(domain.CodeFailedPrecond, op, "endpoint is stopped", nil)
	}
	if e.started {
		return nil
	}

	cfg := e.cfg
	serverOpts, err := rpc.NewServerOptions(rpc.ServerConfig{
		TLS:           cfg.TLS,
		TLSHosts:      tlsHosts(cfg),
		Authenticator: e.auth,
		Metrics:       e.metrics,
		Logger:        e.logger,
	})
	if err != nil {
		return e.startFailed(domain.Wrap(domain.CodeBind, op, err))
	}
	dialOpts, err := rpc.NewRegistryDialOptions(cfg.TLS)
	if err != nil {
		return e.startFailed(domain.Wrap(domain.CodeBind, op, err))
	}

	handle, err := e.binder.Bind(ctx, registry.BindOptions{
		Address:       cfg.BindAddress,
		Port:          cfg.RegistryPort,
		AdvertiseHost: advertiseHost(cfg),
		Policy:        cfg.RegistryPolicy,
		ProbeTimeout:  e.probe,
		ServerOptions: serverOpts,
		DialOptions:   dialOpts,
	})
	if err != nil {
		return e.startFailed(err)
	}

	connector, err := rpc.StartConnector(ctx, rpc.ConnectorOptions{
		Config:        cfg,
		Registry:      handle,
		Provider:      e.provider,
		ServerOptions: serverOpts,
		Units:         e.units,
		Metrics:       e.metrics,
		Logger:        e.logger,
		HostName:      e.hostName,
	})
	if err != nil {
		if unbindErr := e.binder.Unbind(handle); unbindErr != nil {
			e.logger.Warn("registry cleanup after failed start",
				telemetry.EventField(telemetry.EventStartFailure),
				zap.Error(unbindErr),
			)
		}
		return e.startFailed(err)
	}

	e.registry = handle
	e.connector = connector
	e.started = true
	e.report(connector)
	e.record(journal.Record{
		Event:        JournalEventStarted,
		RegistryPort: connector.RegistryPort(),
		DataPort:     connector.DataPort(),
		Locator:      connector.PublicLocator().String(),
	})

	if cfg.AutoShutdown {
		e.watcher = watcher.New(watcher.Options{
			Units:          e.units,
			Stopper:        watcher.StopperFunc(e.Stop),
			IgnorePatterns: cfg.IgnoreUnits,
			PollInterval:   cfg.ShutdownPollInterval,
			Metrics:        e.metrics,
			Logger:         e.logger,
		})
		e.watcher.Start()
	}
	return nil
}

func (e *Endpoint) startFailed(err error) error {
	e.logger.Error("endpoint start failed",
		telemetry.EventField(telemetry.EventStartFailure),
		telemetry.RegistryPortField(e.cfg.RegistryPort),
		zap.Error(err),
	)
	e.record(journal.Record{
		Event:        JournalEventStartFailed,
		RegistryPort: e.cfg.RegistryPort,
		DataPort:     e.cfg.ResolvedDataPort(),
		Error:        err.Error(),
	})
	return err
}

// report prints the four start diagnostics.
func (e *Endpoint) report(c *rpc.Connector) {
	local, public := c.LocalLocator().String(), c.PublicLocator().String()
	_, _ = fmt.Fprintf(e.out, "management registry port: %d\n", c.RegistryPort())
	_, _ = fmt.Fprintf(e.out, "management data port: %d\n", c.DataPort())
	_, _ = fmt.Fprintf(e.out, "management local locator: %s\n", local)
	_, _ = fmt.Fprintf(e.out, "management public locator: %s\n", public)
	e.logger.Info("management endpoint ready",
		telemetry.RegistryPortField(c.RegistryPort()),
		telemetry.DataPortField(c.DataPort()),
		zap.String("local_locator", local),
		telemetry.LocatorField(public),
	)
}

// Stop stops the connector, unbinds the registry and releases the
// advertised host. Every step runs even when an earlier one fails. Stopping
// twice is a no-op.
func (e *Endpoint) Stop() error {
	const op = "app.Endpoint.Stop"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true
	defer close(e.done)
	if !e.started {
		return nil
	}

	var errs []error
	if err := e.connector.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.binder.Unbind(e.registry); err != nil {
		errs = append(errs, err)
	}
	if e.registry.SetAdvertisedHost() {
		e.logger.Debug("advertised host released", zap.String("remaining", registry.AdvertisedHost()))
	}

	err := errors.Join(errs...)
	rec := journal.Record{
		Event:        JournalEventStopped,
		RegistryPort: e.connector.RegistryPort(),
		DataPort:     e.connector.DataPort(),
		Locator:      e.connector.PublicLocator().String(),
	}
	if err != nil {
		rec.Error = err.Error()
		e.record(rec)
		e.logger.Warn("endpoint stopped with errors", telemetry.EventField(telemetry.EventStopFailure), zap.Error(err))
		return domain.Wrap(domain.CodeStop, op, err)
	}
	e.record(rec)
	return nil
}

// StopQuietly is Stop for callers that only want cleanup.
func (e *Endpoint) StopQuietly() {
	if err := e.Stop(); err != nil {
		e.logger.Debug("endpoint stop ignored", zap.Error(err))
	}
}

func (e *Endpoint) record(rec journal.Record) {
	if e.journal == nil {
		return
	}
	rec.Endpoint = e.cfg.EndpointName
	if _, err := e.journal.Append(rec); err != nil {
		e.logger.Warn("journal append failed", zap.String("event", rec.Event), zap.Error(err))
	}
}

// Ready reports whether the connector is serving.
func (e *Endpoint) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped && e.connector.State() == rpc.ConnectorStarted
}

// Done is closed once the endpoint has stopped, by Stop or by the watcher.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) Connector() *rpc.Connector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connector
}

func (e *Endpoint) Registry() *registry.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

// Watcher returns the shutdown watcher, nil unless auto shutdown is on.
func (e *Endpoint) Watcher() *watcher.Watcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watcher
}

// advertiseHost is the bind address when it names one interface. A wildcard
// bind advertises nothing so the public host name is published instead.
func advertiseHost(cfg domain.EndpointConfig) string {
	ip := cfg.BindIP()
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

func tlsHosts(cfg domain.EndpointConfig) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if cfg.PublicHostName != "" {
		hosts = append(hosts, cfg.PublicHostName)
	}
	if ip := cfg.BindIP(); ip != nil && !ip.IsUnspecified() && !ip.Equal(net.IPv4(127, 0, 0, 1)) {
		hosts = append(hosts, ip.String())
	}
	return hosts
}
