package registry

import (
	"context"
	"net"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "mgmt.registry.v1.Registry"

	MethodList   = "/mgmt.registry.v1.Registry/List"
	MethodLookup = "/mgmt.registry.v1.Registry/Lookup"
	MethodBind   = "/mgmt.registry.v1.Registry/Bind"
	MethodUnbind = "/mgmt.registry.v1.Registry/Unbind"
)

// RegistryServer is the server API of the name registry.
type RegistryServer interface {
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Lookup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Bind(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Unbind(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&RegistryServiceDesc, srv)
}

func registryListHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodList}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryServer).List(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func registryLookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLookup}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryServer).Lookup(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func registryBindHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServer).Bind(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodBind}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryServer).Bind(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func registryUnbindHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServer).Unbind(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodUnbind}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryServer).Unbind(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var RegistryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "List", Handler: registryListHandler},
		{MethodName: "Lookup", Handler: registryLookupHandler},
		{MethodName: "Bind", Handler: registryBindHandler},
		{MethodName: "Unbind", Handler: registryUnbindHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mgmt/registry/v1/registry.proto",
}

// Table is the in-memory name table behind a registry.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Bind adds entry. A name can be bound once until it is unbound.
func (t *Table) Bind(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[entry.Name]; exists {
		return errAlreadyBound
	}
	t.entries[entry.Name] = entry
	return nil
}

func (t *Table) Unbind(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[name]; !exists {
		return errNotBound
	}
	delete(t.entries, name)
	return nil
}

func (t *Table) Lookup(name string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[name]
	return entry, ok
}

// List returns all entries sorted by name.
func (t *Table) List() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type tableService struct {
	table *Table
}

func (s *tableService) List(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	entries := s.table.List()
	values := make([]*structpb.Value, 0, len(entries))
	for _, entry := range entries {
		values = append(values, structpb.NewStructValue(entry.toStruct()))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *tableService) Lookup(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	entry, ok := s.table.Lookup(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "%q is not bound", req.GetValue())
	}
	return entry.toStruct(), nil
}

func (s *tableService) Bind(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if err := requireLocalPeer(ctx); err != nil {
		return nil, err
	}
	entry, err := entryFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.table.Bind(entry); err != nil {
		return nil, tableStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *tableService) Unbind(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := requireLocalPeer(ctx); err != nil {
		return nil, err
	}
	if err := s.table.Unbind(req.GetValue()); err != nil {
		return nil, tableStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func tableStatus(err error) error {
	switch err {
	case errAlreadyBound:
		return status.Error(codes.AlreadyExists, err.Error())
	case errNotBound:
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

// requireLocalPeer rejects table mutations from other hosts. A caller is
// local when it connects over loopback or from the address it connected to.
func requireLocalPeer(ctx context.Context) error {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return status.Error(codes.PermissionDenied, "registry changes require a local caller")
	}
	remote := addrIP(p.Addr)
	if remote == nil {
		// Non-IP transports (unix sockets, in-memory pipes) are local.
		return nil
	}
	if remote.IsLoopback() {
		return nil
	}
	if local := addrIP(p.LocalAddr); local != nil && local.Equal(remote) {
		return nil
	}
	return status.Errorf(codes.PermissionDenied, "registry changes from %s are not allowed", p.Addr)
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	default:
		return nil
	}
}
