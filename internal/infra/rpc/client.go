package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/registry"
)

type ClientConfig struct {
	Username string
	Password string
	TLS      domain.TLSConfig
	// Timeout bounds each call whose context has no deadline.
	Timeout time.Duration
}

// Client talks to a connector found through its service locator.
type Client struct {
	conn     *grpc.ClientConn
	callOpts []grpc.CallOption
	locator  domain.ServiceLocator
	entry    registry.Entry
	timeout  time.Duration
}

var gatherStreamDesc = &grpc.StreamDesc{
	StreamName:    "Gather",
	ServerStreams: true,
}

// Dial parses locator, looks the endpoint up in its registry and connects to
// the published data address.
func Dial(ctx context.Context, locator string, cfg ClientConfig) (*Client, error) {
	const op = "rpc.Dial"

	loc, err := domain.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	tlsCfg := cfg.TLS
	if loc.TLS() {
		tlsCfg.Enabled = true
	}
	dialOpts, err := NewDialOptions(tlsCfg)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, op, "", err)
	}

	entry, err := lookup(ctx, loc, dialOpts, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	host := entry.Host
	if host == "" {
		host = loc.DataHost
	}
	target := net.JoinHostPort(host, strconv.Itoa(entry.Port))
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, fmt.Sprintf("dial %s", target), err)
	}

	var callOpts []grpc.CallOption
	if cfg.Username != "" || cfg.Password != "" {
		callOpts = append(callOpts, CallCredentials(cfg.Username, cfg.Password, tlsCfg.Enabled))
	}
	return &Client{
		conn:     conn,
		callOpts: callOpts,
		locator:  loc,
		entry:    entry,
		timeout:  cfg.Timeout,
	}, nil
}

func lookup(ctx context.Context, loc domain.ServiceLocator, dialOpts []grpc.DialOption, timeout time.Duration) (registry.Entry, error) {
	const op = "rpc.lookup"
	conn, err := grpc.NewClient(loc.RegistryTarget(), dialOpts...)
	if err != nil {
		return registry.Entry{}, domain.E(domain.CodeUnavailable, op, fmt.Sprintf("dial registry %s", loc.RegistryTarget()), err)
	}
	defer conn.Close()

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	entry, err := registry.NewClient(conn).Lookup(ctx, loc.EndpointName)
	if err != nil {
		return registry.Entry{}, errorFromStatus(op, err)
	}
	return entry, nil
}

// ListRegistry returns the entries of the registry named by locator.
func ListRegistry(ctx context.Context, locator string, cfg ClientConfig) ([]registry.Entry, error) {
	const op = "rpc.ListRegistry"
	loc, err := domain.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	tlsCfg := cfg.TLS
	if loc.TLS() {
		tlsCfg.Enabled = true
	}
	dialOpts, err := NewDialOptions(tlsCfg)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, op, "", err)
	}
	conn, err := grpc.NewClient(loc.RegistryTarget(), dialOpts...)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, "", err)
	}
	defer conn.Close()

	ctx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()
	entries, err := registry.NewClient(conn).List(ctx)
	if err != nil {
		return nil, errorFromStatus(op, err)
	}
	return entries, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Entry is the registry entry the client connected through.
func (c *Client) Entry() registry.Entry {
	return c.entry
}

func (c *Client) Locator() domain.ServiceLocator {
	return c.locator
}

func (c *Client) Info(ctx context.Context) (RemoteInfo, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodInfo, &emptypb.Empty{}, out, c.callOpts...); err != nil {
		return RemoteInfo{}, errorFromStatus("rpc.Info", err)
	}
	return infoFromStruct(out), nil
}

func (c *Client) Invoke(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	const op = "rpc.Invoke"
	argStruct, err := structpb.NewStruct(args)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, op, "encode args", err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"operation": structpb.NewStringValue(operation),
		"args":      structpb.NewStructValue(argStruct),
	}}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodInvoke, req, out, c.callOpts...); err != nil {
		return nil, errorFromStatus(op, err)
	}
	return out.AsMap(), nil
}

// Gather streams every metric family exposed by the connector.
func (c *Client) Gather(ctx context.Context) ([]*dto.MetricFamily, error) {
	const op = "rpc.Gather"
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, gatherStreamDesc, MethodGather, c.callOpts...)
	if err != nil {
		return nil, errorFromStatus(op, err)
	}
	// io.EOF means the server already ended the stream; RecvMsg has the status.
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil && !errors.Is(err, io.EOF) {
		return nil, errorFromStatus(op, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errorFromStatus(op, err)
	}

	var families []*dto.MetricFamily
	for {
		family := new(dto.MetricFamily)
		err := stream.RecvMsg(family)
		if errors.Is(err, io.EOF) {
			return families, nil
		}
		if err != nil {
			return nil, errorFromStatus(op, err)
		}
		families = append(families, family)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
