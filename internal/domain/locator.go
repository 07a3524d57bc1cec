package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ServiceLocator addresses a connector:
//
//	service:mgmt:grpc://<host>:<dataPort>/registry/grpc://<registryHost>:<registryPort>/<endpointName>
//
// The registry host may be empty, meaning the local machine.
type ServiceLocator struct {
	Transport    string
	Scheme       string
	DataHost     string
	DataPort     int
	RegistryHost string
	RegistryPort int
	EndpointName string
}

func (l ServiceLocator) String() string {
	transport := l.Transport
	if transport == "" {
		transport = LocatorTransport
	}
	scheme := l.Scheme
	if scheme == "" {
		scheme = LocatorScheme
	}
	return fmt.Sprintf("service:%s:%s://%s/%s/%s://%s/%s",
		transport,
		scheme,
		net.JoinHostPort(l.DataHost, strconv.Itoa(l.DataPort)),
		LocatorRegistryPath,
		scheme,
		net.JoinHostPort(l.RegistryHost, strconv.Itoa(l.RegistryPort)),
		l.EndpointName,
	)
}

// TLS reports whether the locator requires an encrypted transport.
func (l ServiceLocator) TLS() bool {
	return l.Scheme == LocatorSchemeTLS
}

// RegistryTarget returns the dialable registry address.
func (l ServiceLocator) RegistryTarget() string {
	host := l.RegistryHost
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(l.RegistryPort))
}

// ParseLocator parses the locator grammar produced by ServiceLocator.String.
func ParseLocator(raw string) (ServiceLocator, error) {
	const op = "domain.ParseLocator"
	malformed := func(reason string) (ServiceLocator, error) {
		return ServiceLocator{}, E(CodeMalformedAddress, op, fmt.Sprintf("%s: %q", reason, raw), nil)
	}

	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "service:")
	if !ok {
		return malformed("missing service: prefix")
	}
	transport, rest, ok := strings.Cut(rest, ":")
	if !ok || transport == "" {
		return malformed("missing transport tag")
	}
	scheme, rest, ok := strings.Cut(rest, "://")
	if !ok || !validScheme(scheme) {
		return malformed("unsupported scheme")
	}
	dataAddr, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return malformed("missing registry segment")
	}
	path, rest, ok := strings.Cut(rest, "/")
	if !ok || path != LocatorRegistryPath {
		return malformed("missing registry path")
	}
	registryScheme, rest, ok := strings.Cut(rest, "://")
	if !ok || registryScheme != scheme {
		return malformed("registry scheme mismatch")
	}
	registryAddr, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return malformed("invalid endpoint name")
	}

	dataHost, dataPort, err := splitLocatorAddress(dataAddr)
	if err != nil {
		return malformed("invalid data address")
	}
	registryHost, registryPort, err := splitLocatorAddress(registryAddr)
	if err != nil {
		return malformed("invalid registry address")
	}

	return ServiceLocator{
		Transport:    transport,
		Scheme:       scheme,
		DataHost:     dataHost,
		DataPort:     dataPort,
		RegistryHost: registryHost,
		RegistryPort: registryPort,
		EndpointName: name,
	}, nil
}

func validScheme(scheme string) bool {
	return scheme == LocatorScheme || scheme == LocatorSchemeTLS
}

func splitLocatorAddress(addr string) (string, int, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if strings.ContainsAny(host, "/ ") {
		return "", 0, fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, err
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}
