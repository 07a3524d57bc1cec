package rpc

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/telemetry"
)

// ServerConfig describes the options shared by the registry and data servers.
type ServerConfig struct {
	TLS domain.TLSConfig
	// TLSHosts are added to a generated self-signed certificate.
	TLSHosts []string
	// Authenticator guards every management call. Nil disables checks.
	Authenticator  domain.Authenticator
	Metrics        domain.Metrics
	Logger         *zap.Logger
	MaxRecvMsgSize int
	KeepaliveTime  time.Duration
}

// NewServerOptions builds the gRPC options for management servers. The same
// options must serve the registry and the data port so both carry identical
// security.
func NewServerOptions(cfg ServerConfig) ([]grpc.ServerOption, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	calls := &callMetricsInterceptor{metrics: metrics}
	unary := []grpc.UnaryServerInterceptor{calls.unary}
	stream := []grpc.StreamServerInterceptor{calls.stream}
	if cfg.Authenticator != nil {
		auth := &authInterceptor{auth: cfg.Authenticator, logger: logger.Named("auth")}
		unary = append(unary, auth.unary)
		stream = append(stream, auth.stream)
	}

	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTime / 2,
		}))
	}
	if cfg.TLS.Enabled {
		creds, err := loadServerTLS(cfg.TLS, cfg.TLSHosts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	return opts, nil
}

// NewDialOptions builds client options matching a server's transport.
func NewDialOptions(tlsCfg domain.TLSConfig) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if tlsCfg.Enabled {
		creds, err := loadClientTLS(tlsCfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return opts, nil
}

// NewRegistryDialOptions builds the options used to probe and attach to a
// registry on this host. A registry created by another endpoint may carry its
// own generated certificate, so without a CA file the server identity is not
// verified. Registry mutations are only accepted over loopback.
func NewRegistryDialOptions(tlsCfg domain.TLSConfig) ([]grpc.DialOption, error) {
	if tlsCfg.Enabled && tlsCfg.CAFile == "" {
		tlsCfg.InsecureSkipVerify = true
	}
	return NewDialOptions(tlsCfg)
}

// basicAuth presents a username/password pair on every call.
type basicAuth struct {
	username string
	password string
	secure   bool
}

func (b basicAuth) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{
		UsernameHeader: b.username,
		PasswordHeader: b.password,
	}, nil
}

func (b basicAuth) RequireTransportSecurity() bool {
	return b.secure
}

var _ credentials.PerRPCCredentials = basicAuth{}

// CallCredentials returns a call option carrying username and password.
func CallCredentials(username, password string, secure bool) grpc.CallOption {
	return grpc.PerRPCCredentials(basicAuth{username: username, password: password, secure: secure})
}
