package registry

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a registry over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) List(ctx context.Context, opts ...grpc.CallOption) ([]Entry, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, MethodList, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(out.GetValues()))
	for i, value := range out.GetValues() {
		entry, err := entryFromStruct(value.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("registry entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) Lookup(ctx context.Context, name string, opts ...grpc.CallOption) (Entry, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodLookup, wrapperspb.String(name), out, opts...); err != nil {
		return Entry{}, err
	}
	return entryFromStruct(out)
}

func (c *Client) Bind(ctx context.Context, entry Entry, opts ...grpc.CallOption) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return c.cc.Invoke(ctx, MethodBind, entry.toStruct(), new(emptypb.Empty), opts...)
}

func (c *Client) Unbind(ctx context.Context, name string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodUnbind, wrapperspb.String(name), new(emptypb.Empty), opts...)
}
