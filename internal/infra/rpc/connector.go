package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/registry"
	"mgmtagent/internal/infra/telemetry"
	"mgmtagent/internal/infra/units"
)

// DataReaperUnitName names the unit that serves a connector on its own port.
const DataReaperUnitName = "connector-reaper-data"

type ConnectorState int32

const (
	ConnectorCreated ConnectorState = iota
	ConnectorStarted
	ConnectorStopped
)

func (s ConnectorState) String() string {
	switch s {
	case ConnectorCreated:
		return "created"
	case ConnectorStarted:
		return "started"
	case ConnectorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type ConnectorOptions struct {
	Config   domain.EndpointConfig
	Registry *registry.Handle
	Provider domain.ManagementProvider
	// ServerOptions configure a data server of its own. They are unused when
	// the connector shares the registry port.
	ServerOptions []grpc.ServerOption
	Units         *units.Tracker
	Metrics       domain.Metrics
	Logger        *zap.Logger
	// HostName resolves the machine name for the local locator.
	HostName func() (string, error)
}

// Connector serves the management service and publishes it in the registry.
type Connector struct {
	mu    sync.Mutex
	state ConnectorState

	cfg      domain.EndpointConfig
	registry *registry.Handle
	service  *managementService
	opts     []grpc.ServerOption
	units    *units.Tracker
	metrics  domain.Metrics
	logger   *zap.Logger

	local    domain.ServiceLocator
	public   domain.ServiceLocator
	dataPort int
	shared   bool

	server    *grpc.Server
	health    *health.Server
	listener  net.Listener
	unit      *units.Unit
	published bool
}

// NewConnector resolves both locators. Nothing is bound until Start.
func NewConnector(opts ConnectorOptions) (*Connector, error) {
	const op = "rpc.NewConnector"
	if opts.Registry == nil {
		return nil, domain.E(domain.CodeInvalidArgument, op, "registry handle is required", nil)
	}
	if opts.Provider == nil {
		return nil, domain.E(domain.CodeInvalidArgument, op, "management provider is required", nil)
	}
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
	hostName := opts.HostName
	if hostName == nil {
		hostName = os.Hostname
	}

	cfg := opts.Config
	if cfg.EndpointName == "" {
		cfg.EndpointName = domain.DefaultEndpointName
	}
	registryPort := opts.Registry.Port()
	dataPort := cfg.DataPort
	if dataPort == 0 {
		dataPort = registryPort
	}

	localHost, err := hostName()
	if err != nil || localHost == "" {
		localHost = "localhost"
	}
	publicHost := cfg.PublicHostName
	if publicHost == "" {
		publicHost = localHost
	}

	local, err := buildLocator(localHost, dataPort, registryPort, cfg)
	if err != nil {
		return nil, domain.Wrap(domain.CodeMalformedAddress, op, err)
	}
	public, err := buildLocator(publicHost, dataPort, registryPort, cfg)
	if err != nil {
		return nil, domain.Wrap(domain.CodeMalformedAddress, op, err)
	}

	named := logger.Named("connector")
	return &Connector{
		cfg:      cfg,
		registry: opts.Registry,
		service: &managementService{
			provider: opts.Provider,
			endpoint: cfg.EndpointName,
			logger:   named,
		},
		opts:     opts.ServerOptions,
		units:    tracker,
		metrics:  metrics,
		logger:   named.With(telemetry.EndpointField(cfg.EndpointName)),
		local:    local,
		public:   public,
		dataPort: dataPort,
		shared:   dataPort == registryPort,
	}, nil
}

// buildLocator renders and re-parses the locator so a host that cannot be
// addressed is reported before anything is bound.
func buildLocator(host string, dataPort, registryPort int, cfg domain.EndpointConfig) (domain.ServiceLocator, error) {
	scheme := domain.LocatorScheme
	if cfg.TLS.Enabled {
		scheme = domain.LocatorSchemeTLS
	}
	locator := domain.ServiceLocator{
		Transport:    domain.LocatorTransport,
		Scheme:       scheme,
		DataHost:     host,
		DataPort:     dataPort,
		RegistryHost: host,
		RegistryPort: registryPort,
		EndpointName: cfg.EndpointName,
	}
	return domain.ParseLocator(locator.String())
}

// StartConnector creates a connector and starts it.
func StartConnector(ctx context.Context, opts ConnectorOptions) (*Connector, error) {
	c, err := NewConnector(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start binds the data port, serves the management service and publishes
// the public address in the registry. Starting a started connector is a
// no-op; a stopped connector cannot be restarted.
func (c *Connector) Start(ctx context.Context) (err error) {
	const op = "rpc.Connector.Start"

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ConnectorStarted:
		return nil
	case ConnectorStopped:
		return domain.E(domain.CodeFailedPrecond, op, "connector is stopped", nil)
	}

	started := time.Now()
	defer func() {
		c.metrics.ObserveConnectorStart(time.Since(started), err)
	}()

	if c.shared {
		err = c.serveShared()
	} else {
		err = c.serveOwn(ctx)
	}
	if err != nil {
		return domain.Wrap(domain.CodeBind, op, err)
	}

	entry := registry.Entry{
		Name: c.cfg.EndpointName,
		Host: c.publishHost(),
		Port: c.dataPort,
		TLS:  c.cfg.TLS.Enabled,
	}
	if err = c.registry.Publish(ctx, entry); err != nil {
		_ = c.teardown()
		c.state = ConnectorStopped
		return domain.E(domain.CodeBind, op, fmt.Sprintf("publish %q", entry.Name), err)
	}
	c.published = true
	c.state = ConnectorStarted
	c.metrics.SetConnectorUp(true)

	c.logger.Info("connector started",
		telemetry.EventField(telemetry.EventConnectorStarted),
		telemetry.RegistryPortField(c.registry.Port()),
		telemetry.DataPortField(c.dataPort),
		telemetry.LocatorField(c.public.String()),
		zap.Bool("shared_port", c.shared),
	)
	return nil
}

// serveShared registers the service on the registry's own server.
func (c *Connector) serveShared() (err error) {
	server := c.registry.Server()
	if !c.registry.Local() || server == nil {
		return errors.New("data port equals the registry port but the registry is owned by another process")
	}
	defer func() {
		// RegisterService panics once the server is serving.
		if r := recover(); r != nil {
			err = fmt.Errorf("register management service: %v", r)
		}
	}()
	RegisterManagementServer(server, c.service)
	c.registry.Serve()
	return nil
}

func (c *Connector) serveOwn(ctx context.Context) error {
	lis, err := registry.Listen(ctx, c.cfg.BindAddress, c.dataPort)
	if err != nil {
		return err
	}
	c.listener = lis
	c.server = grpc.NewServer(c.opts...)
	c.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(c.server, c.health)
	RegisterManagementServer(c.server, c.service)
	c.health.SetServingStatus(ManagementServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	server := c.server
	c.unit = c.units.Go(DataReaperUnitName, func() error {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	// A locally created registry starts serving once its services are set.
	c.registry.Serve()
	return nil
}

func (c *Connector) publishHost() string {
	if host := registry.AdvertisedHost(); host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return host
		}
	}
	return c.public.DataHost
}

// Stop withdraws the connector from the registry and stops serving. It
// always leaves the connector stopped; failures are returned as a StopError.
// Stopping twice is a no-op. A connector sharing the registry port releases
// no port here; that port is freed when the registry is unbound.
func (c *Connector) Stop() error {
	const op = "rpc.Connector.Stop"

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ConnectorStopped:
		return nil
	case ConnectorCreated:
		c.state = ConnectorStopped
		return nil
	}

	var errs []error
	c.service.stopped.Store(true)
	if c.published {
		ctx, cancel := context.WithTimeout(context.Background(), domain.DefaultStopTimeout)
		if err := c.registry.Withdraw(ctx, c.cfg.EndpointName); err != nil {
			errs = append(errs, fmt.Errorf("withdraw %q: %w", c.cfg.EndpointName, err))
		}
		cancel()
		c.published = false
	}
	if err := c.teardown(); err != nil {
		errs = append(errs, err)
	}

	c.state = ConnectorStopped
	c.metrics.SetConnectorUp(false)

	var err error
	if len(errs) > 0 {
		err = domain.E(domain.CodeStop, op, "", errors.Join(errs...))
	}
	c.metrics.ObserveConnectorStop(err)
	if err != nil {
		c.logger.Warn("connector stop failed", telemetry.EventField(telemetry.EventStopFailure), zap.Error(err))
		return err
	}
	c.logger.Info("connector stopped", telemetry.EventField(telemetry.EventConnectorStopped))
	return nil
}

// StopQuietly is Stop for callers that only want cleanup.
func (c *Connector) StopQuietly() {
	_ = c.Stop()
}

// teardown releases the data server. Shared connectors own no port.
func (c *Connector) teardown() error {
	c.service.stopped.Store(true)
	if c.server == nil {
		return nil
	}
	c.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		c.server.GracefulStop()
		close(stopped)
	}()
	timer := time.NewTimer(domain.DefaultStopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		c.server.Stop()
		<-stopped
	}
	_ = c.listener.Close()

	var err error
	if c.unit != nil {
		if joinErr := c.unit.Join(); joinErr != nil {
			err = fmt.Errorf("data server: %w", joinErr)
		}
	}
	c.server = nil
	c.listener = nil
	c.unit = nil
	return err
}

func (c *Connector) State() ConnectorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalLocator addresses the connector through the machine's host name. It
// is reported for diagnostics only.
func (c *Connector) LocalLocator() domain.ServiceLocator {
	return c.local
}

// PublicLocator is the address the connector is started and published under.
func (c *Connector) PublicLocator() domain.ServiceLocator {
	return c.public
}

func (c *Connector) RegistryPort() int {
	return c.registry.Port()
}

func (c *Connector) DataPort() int {
	return c.dataPort
}

// SharedPort reports whether data and registry traffic use one port.
func (c *Connector) SharedPort() bool {
	return c.shared
}
