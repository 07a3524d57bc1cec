package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/auth"
	"mgmtagent/internal/infra/journal"
	"mgmtagent/internal/infra/telemetry"
	"mgmtagent/internal/infra/units"
)

// NewEndpointConfig resolves the file, then agent arguments, then the
// override hook, in that order.
// A child command always turns on auto shutdown.
func NewEndpointConfig(ctx context.Context, cfg ServeConfig, logger *zap.Logger) (domain.EndpointConfig, error) {
	override := cfg.Override
	if len(cfg.Command) > 0 {
		override = func(c *domain.EndpointConfig) {
			if cfg.Override != nil {
				cfg.Override(c)
			}
			c.AutoShutdown = true
		}
	}
	return LoadConfig(ctx, cfg.ConfigPath, cfg.AgentArgs, override, logger)
}

func NewMetricsRegistry() *prometheus.Registry {
	return telemetry.NewRuntimeRegistry()
}

func NewMetrics(registry *prometheus.Registry) domain.Metrics {
	return telemetry.NewPrometheusMetrics(registry)
}

func NewUnitTracker() *units.Tracker {
	return units.Default()
}

func NewManagementProvider(registry *prometheus.Registry, logger *zap.Logger) domain.ManagementProvider {
	return telemetry.NewRuntimeProvider(registry, logger)
}

// NewAuthenticator returns nil when the endpoint needs no credentials.
func NewAuthenticator(cfg domain.EndpointConfig, metrics domain.Metrics, logger *zap.Logger) (*auth.Authenticator, error) {
	switch {
	case cfg.Credentials != nil:
		return auth.New(*cfg.Credentials, metrics, logger), nil
	case cfg.PasswordFile != "":
		creds, err := auth.LoadPasswordFile(cfg.PasswordFile)
		if err != nil {
			return nil, domain.E(domain.CodeMalformedCredentials, "app.NewAuthenticator", "load password file", err)
		}
		return auth.New(creds, metrics, logger), nil
	default:
		return nil, nil
	}
}

// NewJournal opens the endpoint journal. A blank path disables it.
func NewJournal(cfg domain.EndpointConfig, logger *zap.Logger) (*journal.Journal, func(), error) {
	if cfg.JournalPath == "" {
		return nil, func() {}, nil
	}
	j, err := journal.Open(cfg.JournalPath, journal.DefaultMaxRecords)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := j.Close(); err != nil {
			logger.Warn("journal close failed", zap.Error(err))
		}
	}
	return j, cleanup, nil
}

func NewAppEndpoint(
	cfg domain.EndpointConfig,
	serve ServeConfig,
	authenticator *auth.Authenticator,
	provider domain.ManagementProvider,
	tracker *units.Tracker,
	metrics domain.Metrics,
	j *journal.Journal,
	logger *zap.Logger,
) *Endpoint {
	opts := EndpointOptions{
		Config:      cfg,
		Provider:    provider,
		Units:       tracker,
		Metrics:     metrics,
		Journal:     j,
		Logger:      logger,
		Diagnostics: serve.Diagnostics,
	}
	// A nil *Authenticator must stay a nil interface.
	if authenticator != nil {
		opts.Authenticator = authenticator
	}
	return NewEndpoint(opts)
}

// NewAppWorkload returns nil when no child command was given.
func NewAppWorkload(serve ServeConfig, tracker *units.Tracker, logger *zap.Logger) *Workload {
	if len(serve.Command) == 0 {
		return nil
	}
	return NewWorkload(WorkloadOptions{
		Command: serve.Command,
		Units:   tracker,
		Stdin:   serve.Stdin,
		Stdout:  serve.Stdout,
		Stderr:  serve.Stderr,
		Logger:  logger,
	})
}

func NewObservabilityController(registry *prometheus.Registry, endpoint *Endpoint, logger *zap.Logger) *telemetry.ObservabilityController {
	return telemetry.NewObservabilityController(telemetry.ObservabilityControllerOptions{
		Registry: registry,
		Ready:    endpoint.Ready,
		Logger:   logger,
	})
}
