package domain

import (
	"context"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// AuthOutcome labels the result of a credential check.
type AuthOutcome string

const (
	AuthOutcomeAccepted  AuthOutcome = "accepted"
	AuthOutcomeRejected  AuthOutcome = "rejected"
	AuthOutcomeMalformed AuthOutcome = "malformed"
)

// RegistryMode labels how a registry handle was obtained.
type RegistryMode string

const (
	RegistryModeCreated RegistryMode = "created"
	RegistryModeReused  RegistryMode = "reused"
)

// Metrics records endpoint lifecycle observations.
type Metrics interface {
	ObserveRegistryBind(mode RegistryMode, err error)
	ObserveConnectorStart(duration time.Duration, err error)
	ObserveConnectorStop(err error)
	SetConnectorUp(up bool)
	ObserveAuthentication(outcome AuthOutcome)
	ObserveCall(method string, duration time.Duration, err error)
	ObserveWatcherJoin(unit string)
}

// RuntimeInfo summarises the process behind a connector.
type RuntimeInfo struct {
	PID        int
	GoVersion  string
	Goroutines int
	NumCPU     int
	Uptime     time.Duration
	HostName   string
}

// ManagementProvider is the local source of management data a connector
// forwards remote calls to.
type ManagementProvider interface {
	Info(ctx context.Context) RuntimeInfo
	Gather(ctx context.Context) ([]*dto.MetricFamily, error)
	Invoke(ctx context.Context, operation string, args map[string]any) (map[string]any, error)
}
