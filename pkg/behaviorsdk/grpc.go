// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package behaviorsdk

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

// The wire protocol is a single unary method whose request and response are
// CBOR documents carried in BytesValue messages.
const (
	serviceName       = "finalverse.behavior.v1.Behavior"
	handleEventMethod = "/" + serviceName + "/HandleEvent"
)

type behaviorServer interface {
	HandleEvent(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*behaviorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HandleEvent", Handler: handleEventHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "finalverse/behavior/v1/behavior.proto",
}

func handleEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(behaviorServer).HandleEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: handleEventMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(behaviorServer).HandleEvent(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterServer registers h on s.
func RegisterServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, &server{handler: h})
}

type server struct {
	handler Handler
}

func (s *server) HandleEvent(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var ev Event
	if err := eventbus.CBOR.Unmarshal(in.GetValue(), &ev); err != nil {
		return nil, oops.In("behaviorsdk").Wrapf(err, "decode event")
	}
	emits, err := s.handler.HandleEvent(ctx, ev)
	if err != nil {
		return nil, oops.In("behaviorsdk").With("topic", ev.Topic).Wrapf(err, "handler error")
	}
	data, err := eventbus.CBOR.Marshal(emits)
	if err != nil {
		return nil, oops.In("behaviorsdk").Wrapf(err, "encode emits")
	}
	return wrapperspb.Bytes(data), nil
}

// Client calls a behavior over a gRPC connection. It implements Handler.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient returns a client using conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// HandleEvent sends ev to the behavior and returns its emits.
func (c *Client) HandleEvent(ctx context.Context, ev Event) ([]Emit, error) {
	data, err := eventbus.CBOR.Marshal(ev)
	if err != nil {
		return nil, oops.In("behaviorsdk").Wrapf(err, "encode event")
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, handleEventMethod, wrapperspb.Bytes(data), out); err != nil {
		return nil, err
	}
	var emits []Emit
	if err := eventbus.CBOR.Unmarshal(out.GetValue(), &emits); err != nil {
		return nil, oops.In("behaviorsdk").Wrapf(err, "decode emits")
	}
	return emits, nil
}

// GRPCPlugin is the go-plugin binding for behaviors. Impl is only set on
// the plugin side.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	Impl Handler
}

// GRPCServer registers Impl (plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errors.New("behaviorsdk: handler is nil")
	}
	RegisterServer(s, p.Impl)
	return nil
}

// GRPCClient returns a *Client (host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return NewClient(c), nil
}
