package rpc

import (
	"context"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/telemetry"
)

const (
	ManagementServiceName = "mgmt.connector.v1.Management"

	MethodInfo   = "/mgmt.connector.v1.Management/Info"
	MethodInvoke = "/mgmt.connector.v1.Management/Invoke"
	MethodGather = "/mgmt.connector.v1.Management/Gather"
)

// ManagementServer is the server API of the connector.
type ManagementServer interface {
	Info(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Gather(*emptypb.Empty, ManagementGatherServer) error
}

type ManagementGatherServer interface {
	Send(*dto.MetricFamily) error
	grpc.ServerStream
}

type managementGatherServer struct {
	grpc.ServerStream
}

func (x *managementGatherServer) Send(m *dto.MetricFamily) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterManagementServer(s grpc.ServiceRegistrar, srv ManagementServer) {
	s.RegisterService(&ManagementServiceDesc, srv)
}

func managementInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagementServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodInfo}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManagementServer).Info(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func managementInvokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagementServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodInvoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManagementServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func managementGatherHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ManagementServer).Gather(in, &managementGatherServer{stream})
}

var ManagementServiceDesc = grpc.ServiceDesc{
	ServiceName: ManagementServiceName,
	HandlerType: (*ManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: managementInfoHandler},
		{MethodName: "Invoke", Handler: managementInvokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Gather", Handler: managementGatherHandler, ServerStreams: true},
	},
	Metadata: "mgmt/connector/v1/management.proto",
}

// managementService forwards remote calls to the local provider. After the
// connector stops it refuses calls, which matters when it shares the
// registry's server and cannot be unregistered.
type managementService struct {
	provider domain.ManagementProvider
	endpoint string
	stopped  atomic.Bool
	logger   *zap.Logger
}

func (s *managementService) Info(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	info := s.provider.Info(ctx)
	principal, _ := telemetry.PrincipalFromContext(ctx)
	out, err := structpb.NewStruct(map[string]any{
		"pid":           info.PID,
		"goVersion":     info.GoVersion,
		"goroutines":    info.Goroutines,
		"numCPU":        info.NumCPU,
		"uptimeSeconds": info.Uptime.Seconds(),
		"hostName":      info.HostName,
		"endpoint":      s.endpoint,
		"principal":     principal,
	})
	if err != nil {
		return nil, statusFromError("info", err)
	}
	return out, nil
}

func (s *managementService) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	fields := req.GetFields()
	operation := fields["operation"].GetStringValue()
	if operation == "" {
		return nil, status.Error(codes.InvalidArgument, "invoke: operation is required")
	}
	args := fields["args"].GetStructValue().AsMap()

	telemetry.LoggerWithSession(ctx, s.logger).Info("invoke", zap.String("operation", operation))
	result, err := s.provider.Invoke(ctx, operation, args)
	if err != nil {
		return nil, statusFromError("invoke", err)
	}
	out, err := structpb.NewStruct(result)
	if err != nil {
		return nil, statusFromError("invoke", err)
	}
	return out, nil
}

func (s *managementService) Gather(_ *emptypb.Empty, stream ManagementGatherServer) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	families, err := s.provider.Gather(stream.Context())
	if err != nil {
		return statusFromError("gather", err)
	}
	for _, family := range families {
		if err := stream.Send(family); err != nil {
			return err
		}
	}
	return nil
}

func (s *managementService) checkRunning() error {
	if s.stopped.Load() {
		return status.Error(codes.Unavailable, "connector stopped")
	}
	return nil
}

func infoFromStruct(s *structpb.Struct) RemoteInfo {
	fields := s.GetFields()
	return RemoteInfo{
		RuntimeInfo: domain.RuntimeInfo{
			PID:        int(fields["pid"].GetNumberValue()),
			GoVersion:  fields["goVersion"].GetStringValue(),
			Goroutines: int(fields["goroutines"].GetNumberValue()),
			NumCPU:     int(fields["numCPU"].GetNumberValue()),
			Uptime:     time.Duration(fields["uptimeSeconds"].GetNumberValue() * float64(time.Second)),
			HostName:   fields["hostName"].GetStringValue(),
		},
		Endpoint:  fields["endpoint"].GetStringValue(),
		Principal: fields["principal"].GetStringValue(),
	}
}

// RemoteInfo is the Info reply as seen by a client.
type RemoteInfo struct {
	domain.RuntimeInfo
	Endpoint  string
	Principal string
}
