package app

import (
	"github.com/google/wire"
)

var CoreInfraSet = wire.NewSet(
	NewLogging,
	NewLogger,
	NewMetricsRegistry,
	NewMetrics,
	NewUnitTracker,
	NewManagementProvider,
)

var EndpointSet = wire.NewSet(
	NewEndpointConfig,
	NewAuthenticator,
	NewJournal,
	NewAppEndpoint,
	NewAppWorkload,
	NewObservabilityController,
)

var AppSet = wire.NewSet(
	CoreInfraSet,
	EndpointSet,
	wire.Struct(new(ApplicationOptions), "*"),
	NewApplication,
)
