package domain

import (
	"net"
	"strings"
	"time"
)

// RegistryPolicy decides whether an already running registry is reused.
type RegistryPolicy string

const (
	// RegistryPolicyProbe lists the registry port first and reuses a registry
	// that answers, creating one only when nothing is reachable.
	RegistryPolicyProbe RegistryPolicy = "probe"
	// RegistryPolicyCreate always creates a new registry on the port.
	RegistryPolicyCreate RegistryPolicy = "create"
)

// EndpointConfig is the resolved configuration of one management endpoint.
type EndpointConfig struct {
	BindAddress          string              `json:"bindAddress,omitempty"`
	RegistryPort         int                 `json:"registryPort"`
	DataPort             int                 `json:"dataPort"`
	PublicHostName       string              `json:"publicHostName,omitempty"`
	Credentials          *Credentials        `json:"-"`
	PasswordFile         string              `json:"passwordFile,omitempty"`
	TLS                  TLSConfig           `json:"tls"`
	EndpointName         string              `json:"endpointName"`
	RegistryPolicy       RegistryPolicy      `json:"registryPolicy"`
	AutoShutdown         bool                `json:"autoShutdown"`
	ShutdownPollInterval time.Duration       `json:"shutdownPollInterval"`
	IgnoreUnits          []string            `json:"ignoreUnits,omitempty"`
	JournalPath          string              `json:"journalPath,omitempty"`
	Observability        ObservabilityConfig `json:"observability"`
}

// ResolvedDataPort returns the port used for data transfer. A zero data port
// shares the registry port.
func (c EndpointConfig) ResolvedDataPort() int {
	if c.DataPort == 0 {
		return c.RegistryPort
	}
	return c.DataPort
}

// BindIP parses BindAddress. It returns nil when the endpoint listens on all
// interfaces.
func (c EndpointConfig) BindIP() net.IP {
	trimmed := strings.TrimSpace(c.BindAddress)
	if trimmed == "" {
		return nil
	}
	return net.ParseIP(trimmed)
}

// AuthEnabled reports whether remote callers must present credentials.
func (c EndpointConfig) AuthEnabled() bool {
	return c.Credentials != nil || strings.TrimSpace(c.PasswordFile) != ""
}

// Credentials is the configured username/password pair.
type Credentials struct {
	Username string
	Password string
}

// TLSConfig configures transport encryption for registry and data traffic.
// Only the server identity is verified.
type TLSConfig struct {
	Enabled            bool   `json:"enabled"`
	CertFile           string `json:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty"`
	CAFile             string `json:"caFile,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
}

type ObservabilityConfig struct {
	ListenAddress string `json:"listenAddress"`
	Metrics       bool   `json:"metrics"`
	Healthz       bool   `json:"healthz"`
}

// Principal is the identity granted to a caller for a single authenticated call.
type Principal struct {
	Name string
}

func (p Principal) IsZero() bool {
	return p.Name == ""
}

// Authenticator validates remote credentials.
type Authenticator interface {
	Authenticate(credentials any) (Principal, error)
}
