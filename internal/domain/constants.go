package domain

import "time"

const (
	DefaultRegistryPort               = 44444
	DefaultEndpointName               = "mgmt"
	DefaultRegistryPolicy             = RegistryPolicyProbe
	DefaultObservabilityListenAddress = "127.0.0.1:9464"
	DefaultStopTimeout                = 5 * time.Second
	DefaultProbeTimeout               = 500 * time.Millisecond
)

const (
	// LocatorTransport is the transport tag carried by every service locator.
	LocatorTransport = "mgmt"
	// LocatorScheme is the plaintext gRPC scheme.
	LocatorScheme = "grpc"
	// LocatorSchemeTLS marks locators whose ports require TLS.
	LocatorSchemeTLS = "grpcs"
	// LocatorRegistryPath separates the data segment from the registry segment.
	LocatorRegistryPath = "registry"
)
