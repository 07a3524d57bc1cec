package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/telemetry"
	"mgmtagent/internal/infra/units"
)

// ReaperUnitName names the unit that serves a locally created registry.
const ReaperUnitName = "connector-reaper-registry"

type BindOptions struct {
	// Address restricts the registry to one interface. Empty means all.
	Address string
	Port    int
	// AdvertiseHost is stored as the process-wide advertised host when no
	// other value is set. It defaults to Address. Wildcard addresses are
	// never advertised.
	AdvertiseHost string
	Policy        domain.RegistryPolicy
	ProbeTimeout  time.Duration
	// ServerOptions configure a created registry server (credentials,
	// interceptors, stats handlers).
	ServerOptions []grpc.ServerOption
	// DialOptions configure the probe connection and a reused registry.
	DialOptions []grpc.DialOption
}

// Binder creates a registry on a port or attaches to one that is already
// running there.
type Binder struct {
	units   *units.Tracker
	metrics domain.Metrics
	logger  *zap.Logger
}

func NewBinder(tracker *units.Tracker, metrics domain.Metrics, logger *zap.Logger) *Binder {
	if tracker == nil {
		tracker = units.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		units:   tracker,
		metrics: metrics,
		logger:  logger.Named("registry"),
	}
}

// Bind returns a handle on the registry at opts.Port. With the probe policy
// an answering registry is reused; otherwise a new one is created.
func (b *Binder) Bind(ctx context.Context, opts BindOptions) (*Handle, error) {
	const op = "registry.Bind"

	if opts.Port <= 0 || opts.Port > 65535 {
		err := domain.E(domain.CodeBind, op, fmt.Sprintf("registry port %d out of range", opts.Port), nil)
		b.metrics.ObserveRegistryBind(domain.RegistryModeCreated, err)
		return nil, err
	}
	if opts.Address != "" && net.ParseIP(opts.Address) == nil {
		err := domain.E(domain.CodeBind, op, fmt.Sprintf("bind address %q is not an IP address", opts.Address), nil)
		b.metrics.ObserveRegistryBind(domain.RegistryModeCreated, err)
		return nil, err
	}

	policy := opts.Policy
	if policy == "" {
		policy = domain.DefaultRegistryPolicy
	}
	if policy == domain.RegistryPolicyProbe {
		if handle, ok := b.probe(ctx, opts); ok {
			b.metrics.ObserveRegistryBind(domain.RegistryModeReused, nil)
			b.logger.Info("reusing running registry",
				telemetry.EventField(telemetry.EventRegistryReused),
				telemetry.RegistryPortField(opts.Port),
			)
			return handle, nil
		}
	}

	handle, err := b.create(ctx, opts)
	b.metrics.ObserveRegistryBind(domain.RegistryModeCreated, err)
	if err != nil {
		return nil, domain.Wrap(domain.CodeBind, op, err)
	}
	b.logger.Info("registry created",
		telemetry.EventField(telemetry.EventRegistryCreated),
		telemetry.RegistryPortField(handle.Port()),
		zap.String("address", opts.Address),
	)
	return handle, nil
}

func (b *Binder) probe(ctx context.Context, opts BindOptions) (*Handle, bool) {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = domain.DefaultProbeTimeout
	}
	target := net.JoinHostPort(dialHost(opts.Address), strconv.Itoa(opts.Port))
	conn, err := grpc.NewClient(target, opts.DialOptions...)
	if err != nil {
		b.logger.Debug("registry probe dial failed", zap.String("target", target), zap.Error(err))
		return nil, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := NewClient(conn)
	if _, err := client.List(probeCtx); err != nil {
		b.logger.Debug("no registry answering", zap.String("target", target), zap.Error(err))
		_ = conn.Close()
		return nil, false
	}

	return &Handle{
		port:     opts.Port,
		host:     opts.Address,
		conn:     conn,
		client:   client,
		exported: true,
		units:    b.units,
		logger:   b.logger,
	}, true
}

func (b *Binder) create(ctx context.Context, opts BindOptions) (*Handle, error) {
	lis, err := listen(ctx, opts.Address, opts.Port)
	if err != nil {
		return nil, err
	}

	advertise := opts.AdvertiseHost
	if advertise == "" {
		advertise = opts.Address
	}
	if ip := net.ParseIP(advertise); ip != nil && ip.IsUnspecified() {
		advertise = ""
	}
	setAdvertised := setAdvertisedHostIfUnset(advertise)

	server := grpc.NewServer(opts.ServerOptions...)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	table := NewTable()
	RegisterRegistryServer(server, &tableService{table: table})
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Handle{
		port:           lis.Addr().(*net.TCPAddr).Port,
		host:           opts.Address,
		local:          true,
		server:         server,
		listener:       lis,
		health:         healthServer,
		table:          table,
		exported:       true,
		setAdvertised:  setAdvertised,
		advertisedHost: advertise,
		units:          b.units,
		logger:         b.logger,
	}, nil
}

// Unbind unexports the registry behind h. A created registry stops serving
// and releases its port; a reused one only drops the connection.
func (b *Binder) Unbind(h *Handle) error {
	const op = "registry.Unbind"
	if h == nil {
		return domain.E(domain.CodeUnbind, op, "registry handle is nil", nil)
	}
	if err := h.unexport(); err != nil {
		return domain.Wrap(domain.CodeUnbind, op, err)
	}
	b.logger.Info("registry unbound",
		telemetry.EventField(telemetry.EventRegistryUnbound),
		telemetry.RegistryPortField(h.Port()),
	)
	return nil
}

// UnbindQuietly is Unbind for shutdown paths that only want cleanup.
func (b *Binder) UnbindQuietly(h *Handle) {
	if err := b.Unbind(h); err != nil {
		b.logger.Debug("registry unbind ignored", zap.Error(err))
	}
}

// Handle references a bound registry.
type Handle struct {
	mu       sync.Mutex
	port     int
	host     string
	local    bool
	exported bool

	server    *grpc.Server
	listener  net.Listener
	health    *health.Server
	table     *Table
	serveOnce sync.Once
	unit      *units.Unit

	conn   *grpc.ClientConn
	client *Client

	setAdvertised  bool
	advertisedHost string

	units  *units.Tracker
	logger *zap.Logger
}

func (h *Handle) Port() int {
	return h.port
}

// Host is the interface the registry was bound to, empty for all.
func (h *Handle) Host() string {
	return h.host
}

// Local reports whether this process created and serves the registry.
func (h *Handle) Local() bool {
	return h.local
}

// Server returns the gRPC server of a local registry so further services can
// share its port. Services must be registered before Serve.
func (h *Handle) Server() *grpc.Server {
	return h.server
}

// SetAdvertisedHost reports whether binding this registry stored the
// process-wide advertised host.
func (h *Handle) SetAdvertisedHost() bool {
	return h.setAdvertised
}

func (h *Handle) Exported() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exported
}

// Serve starts serving a local registry in a tracked unit. It is idempotent
// and a no-op for reused registries.
func (h *Handle) Serve() {
	if !h.local {
		return
	}
	h.serveOnce.Do(func() {
		server, lis := h.server, h.listener
		h.mu.Lock()
		h.unit = h.units.Go(ReaperUnitName, func() error {
			if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		h.mu.Unlock()
	})
}

// Publish binds entry under its name in the registry.
func (h *Handle) Publish(ctx context.Context, entry Entry) error {
	if h.local {
		return h.table.Bind(entry)
	}
	return h.client.Bind(ctx, entry)
}

// Withdraw removes name from the registry.
func (h *Handle) Withdraw(ctx context.Context, name string) error {
	if h.local {
		return h.table.Unbind(name)
	}
	return h.client.Unbind(ctx, name)
}

func (h *Handle) Lookup(ctx context.Context, name string) (Entry, error) {
	if h.local {
		entry, ok := h.table.Lookup(name)
		if !ok {
			return Entry{}, errNotBound
		}
		return entry, nil
	}
	return h.client.Lookup(ctx, name)
}

func (h *Handle) List(ctx context.Context) ([]Entry, error) {
	if h.local {
		return h.table.List(), nil
	}
	return h.client.List(ctx)
}

func (h *Handle) unexport() error {
	h.mu.Lock()
	if !h.exported {
		h.mu.Unlock()
		return errors.New("registry is not exported")
	}
	h.exported = false
	unit := h.unit
	h.mu.Unlock()

	var err error
	if h.local {
		err = h.stopServer(unit)
	} else if h.conn != nil {
		err = h.conn.Close()
	}

	if h.setAdvertised {
		clearAdvertisedHostIf(h.advertisedHost)
	}
	return err
}

func (h *Handle) stopServer(unit *units.Unit) error {
	h.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(domain.DefaultStopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		h.server.Stop()
		<-stopped
	}

	// A registry that never served still owns its listener.
	_ = h.listener.Close()

	if unit != nil {
		if err := unit.Join(); err != nil {
			return fmt.Errorf("registry serve: %w", err)
		}
	}
	return nil
}
