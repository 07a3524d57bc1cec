package app

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/auth"
	"mgmtagent/internal/infra/telemetry"
)

// ServeConfig selects where the endpoint configuration comes from.
type ServeConfig struct {
	ConfigPath string
	// AgentArgs is a "k=v,k=v" string applied over the file.
	AgentArgs string
	// Override runs last, for command-line flags.
	Override    func(*domain.EndpointConfig)
	Diagnostics io.Writer
	// Command, when set, runs as a child process next to the endpoint. The
	// endpoint shuts down once it exits.
	Command []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Application runs one management endpoint with its observability server
// and password-file watcher.
type Application struct {
	ctx           context.Context
	config        domain.EndpointConfig
	logger        *zap.Logger
	registry      *prometheus.Registry
	endpoint      *Endpoint
	workload      *Workload
	authenticator *auth.Authenticator
	observability *telemetry.ObservabilityController
}

// ApplicationOptions captures dependencies and settings for Application.
type ApplicationOptions struct {
	Context       context.Context
	Config        domain.EndpointConfig
	Logger        *zap.Logger
	Registry      *prometheus.Registry
	Endpoint      *Endpoint
	Workload      *Workload
	Authenticator *auth.Authenticator
	Observability *telemetry.ObservabilityController
}

// NewApplication constructs the application runtime.
func NewApplication(opts ApplicationOptions) *Application {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Application{
		ctx:           ctx,
		config:        opts.Config,
		logger:        logger,
		registry:      opts.Registry,
		endpoint:      opts.Endpoint,
		workload:      opts.Workload,
		authenticator: opts.Authenticator,
		observability: opts.Observability,
	}
}

// Run starts the endpoint and blocks until ctx is done or the endpoint
// stops on its own, then tears everything down. With a workload, Run returns
// the command's exit error after the endpoint has closed.
func (a *Application) Run() error {
	a.logger.Info("configuration loaded",
		telemetry.EndpointField(a.config.EndpointName),
		telemetry.RegistryPortField(a.config.RegistryPort),
		telemetry.DataPortField(a.config.ResolvedDataPort()),
		zap.Bool("tls", a.config.TLS.Enabled),
		zap.Bool("auth", a.config.AuthEnabled()),
		zap.Bool("auto_shutdown", a.config.AutoShutdown),
	)

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	// The workload unit must exist before the watcher takes its first
	// snapshot.
	if a.workload != nil {
		if err := a.workload.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.endpoint.Start(a.ctx); err != nil {
		cancel()
		a.waitWorkload()
		return err
	}
	defer func() {
		cancel()
		a.observability.Close()
		a.endpoint.StopQuietly()
		a.waitWorkload()
	}()

	if err := a.observability.Apply(ctx, a.config.Observability); err != nil {
		a.logger.Warn("observability apply failed", zap.Error(err))
	}
	if a.authenticator != nil && a.config.PasswordFile != "" {
		if err := auth.Watch(ctx, a.config.PasswordFile, a.authenticator, a.logger); err != nil {
			a.logger.Warn("password file watch failed", zap.Error(err))
		}
	}

	select {
	case <-a.ctx.Done():
		a.logger.Info("shutdown requested")
		return nil
	case <-a.endpoint.Done():
		a.logger.Info("endpoint stopped")
	}
	if a.workload != nil {
		a.waitWorkload()
		return a.workload.Err()
	}
	return nil
}

func (a *Application) waitWorkload() {
	if a.workload == nil || !a.workload.Started() {
		return
	}
	<-a.workload.Done()
}

// Endpoint returns the running endpoint.
func (a *Application) Endpoint() *Endpoint {
	return a.endpoint
}
