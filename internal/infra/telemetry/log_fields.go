package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent        = "event"
	FieldEndpoint     = "endpoint"
	FieldLocator      = "locator"
	FieldRegistryPort = "registry_port"
	FieldDataPort     = "data_port"
	FieldUnit         = "unit"
	FieldUnitID       = "unit_id"
	FieldPrincipal    = "principal"
	FieldMethod       = "method"
	FieldDurationMs   = "duration_ms"
	FieldSessionID    = "session_id"
	FieldTraceID      = "trace_id"
	FieldSpanID       = "span_id"
)

const (
	EventRegistryCreated  = "registry_created"
	EventRegistryReused   = "registry_reused"
	EventRegistryUnbound  = "registry_unbound"
	EventConnectorStarted = "connector_started"
	EventConnectorStopped = "connector_stopped"
	EventStartFailure     = "start_failure"
	EventStopFailure      = "stop_failure"
	EventAuthRejected     = "auth_rejected"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func EndpointField(name string) zap.Field {
	return zap.String(FieldEndpoint, name)
}

func LocatorField(locator string) zap.Field {
	return zap.String(FieldLocator, locator)
}

func RegistryPortField(port int) zap.Field {
	return zap.Int(FieldRegistryPort, port)
}

func DataPortField(port int) zap.Field {
	return zap.Int(FieldDataPort, port)
}

func UnitField(name string) zap.Field {
	return zap.String(FieldUnit, name)
}

func UnitIDField(id uint64) zap.Field {
	return zap.Uint64(FieldUnitID, id)
}

func PrincipalField(name string) zap.Field {
	return zap.String(FieldPrincipal, name)
}

func MethodField(method string) zap.Field {
	return zap.String(FieldMethod, method)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func SessionIDField(value string) zap.Field {
	return zap.String(FieldSessionID, value)
}

func TraceIDField(value string) zap.Field {
	return zap.String(FieldTraceID, value)
}

func SpanIDField(value string) zap.Field {
	return zap.String(FieldSpanID, value)
}
