// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package greeter

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The gRPC surface has no generated stubs. Requests and responses are
// google.protobuf.Struct documents with the same fields as the HTTP API.
const (
	serviceName    = "finalverse.greeter.v1.Greeter"
	GreetMethod    = "/" + serviceName + "/Greet"
	FarewellMethod = "/" + serviceName + "/Farewell"
	StatsMethod    = "/" + serviceName + "/Stats"
)

type greeterServer interface {
	GreetRPC(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	FarewellRPC(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	StatsRPC(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*greeterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Greet", Handler: structHandler(GreetMethod, greeterServer.GreetRPC)},
		{MethodName: "Farewell", Handler: structHandler(FarewellMethod, greeterServer.FarewellRPC)},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "finalverse/greeter/v1/greeter.proto",
}

type structMethod func(greeterServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(fullMethod string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(greeterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(greeterServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(greeterServer).StatsRPC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(greeterServer).StatsRPC(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// GreetRPC serves Greet.
func (p *Plugin) GreetRPC(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res := p.Greet(ctx, field(in, "name"), field(in, "language"), field(in, "style"))
	return toStruct(map[string]any{
		"message":         res.Message,
		"timestamp":       res.Timestamp.Format(time.RFC3339Nano),
		"greeting_number": float64(res.GreetingNumber),
		"language":        res.Language,
		"style":           res.Style,
	})
}

// FarewellRPC serves Farewell.
func (p *Plugin) FarewellRPC(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res := p.Farewell(ctx, field(in, "name"), field(in, "style"))
	return toStruct(map[string]any{
		"message":   res.Message,
		"timestamp": res.Timestamp.Format(time.RFC3339Nano),
	})
}

// StatsRPC serves Stats.
func (p *Plugin) StatsRPC(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st := p.Stats()
	return toStruct(map[string]any{
		"total_greetings":      float64(st.TotalGreetings),
		"greetings_in_history": float64(st.GreetingsInHistory),
		"uptime_message":       st.UptimeMessage,
	})
}

func field(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
