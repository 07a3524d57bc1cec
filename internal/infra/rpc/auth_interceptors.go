package rpc

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/registry"
	"mgmtagent/internal/infra/telemetry"
)

const (
	UsernameHeader = "x-mgmt-username"
	PasswordHeader = "x-mgmt-password"
)

// Registry lookups and health checks stay open so clients can find the
// connector before presenting credentials.
var unauthenticatedPrefixes = []string{
	"/" + registry.ServiceName + "/",
	"/grpc.health.v1.Health/",
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

type authInterceptor struct {
	auth   domain.Authenticator
	logger *zap.Logger
}

func (a *authInterceptor) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if skipAuth(info.FullMethod) {
		return handler(ctx, req)
	}
	ctx, err := a.authenticate(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (a *authInterceptor) stream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if skipAuth(info.FullMethod) {
		return handler(srv, ss)
	}
	ctx, err := a.authenticate(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
}

func (a *authInterceptor) authenticate(ctx context.Context, method string) (context.Context, error) {
	principal, err := a.auth.Authenticate(credentialsFromMetadata(ctx))
	if err != nil {
		a.logger.Debug("call rejected", telemetry.MethodField(method), zap.Error(err))
		return ctx, statusFromError("authenticate", err)
	}
	ctx, meta := telemetry.StartSession(ctx, principal.Name)
	a.logger.Debug("call authenticated", append(telemetry.SessionFields(meta), telemetry.MethodField(method))...)
	return ctx, nil
}

func skipAuth(method string) bool {
	for _, prefix := range unauthenticatedPrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// credentialsFromMetadata returns the presented credential elements. A
// complete pair has two elements; a partial one has one and none is nil, both
// of which the authenticator rejects as malformed.
func credentialsFromMetadata(ctx context.Context) []string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}

	if values := md.Get("authorization"); len(values) > 0 {
		if creds := parseBasic(values[0]); creds != nil {
			return creds
		}
	}

	var creds []string
	if values := md.Get(UsernameHeader); len(values) > 0 {
		creds = append(creds, values[0])
	}
	if values := md.Get(PasswordHeader); len(values) > 0 {
		creds = append(creds, values[0])
	}
	return creds
}

func parseBasic(header string) []string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "basic ") {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[6:]))
	if err != nil {
		return []string{}
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return []string{user}
	}
	return []string{user, pass}
}

type callMetricsInterceptor struct {
	metrics domain.Metrics
}

func (m *callMetricsInterceptor) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	m.metrics.ObserveCall(info.FullMethod, time.Since(start), err)
	return resp, err
}

func (m *callMetricsInterceptor) stream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	m.metrics.ObserveCall(info.FullMethod, time.Since(start), err)
	return err
}
