package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Listen opens a TCP listener on port, restricted to address when it is set.
func Listen(ctx context.Context, address string, port int) (net.Listener, error) {
	return listen(ctx, address, port)
}

func listen(ctx context.Context, address string, port int) (net.Listener, error) {
	var lc net.ListenConfig
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return lis, nil
}

// dialHost is the host used to reach a registry bound to address.
func dialHost(address string) string {
	if address == "" {
		return "127.0.0.1"
	}
	ip := net.ParseIP(address)
	if ip != nil && ip.IsUnspecified() {
		if ip.To4() == nil {
			return "::1"
		}
		return "127.0.0.1"
	}
	return address
}
