package telemetry

import (
	"time"

	"mgmtagent/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveRegistryBind(_ domain.RegistryMode, _ error) {}

func (n *NoopMetrics) ObserveConnectorStart(_ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveConnectorStop(_ error) {}

func (n *NoopMetrics) SetConnectorUp(_ bool) {}

func (n *NoopMetrics) ObserveAuthentication(_ domain.AuthOutcome) {}

func (n *NoopMetrics) ObserveCall(_ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveWatcherJoin(_ string) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
