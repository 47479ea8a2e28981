// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luxfi/fabric"
)

// rawCodec passes envelopes through untouched.
type rawCodec struct{}

func (rawCodec) Name() string { return "fabric-raw" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("fabric-raw codec cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("fabric-raw codec cannot unmarshal into %T", v)
	}
	// gRPC may reuse data once Unmarshal returns.
	*b = append((*b)[:0], data...)
	return nil
}

// fabricServer is the handler type of the fabric.Fabric service.
type fabricServer interface {
	send(ctx context.Context, envelope []byte) error
	sendAndWait(ctx context.Context, envelope []byte) ([]byte, error)
}

type service struct {
	receivers *fabric.ReceiverTable
}

func (s *service) send(ctx context.Context, envelope []byte) error {
	return s.receivers.Deliver(ctx, envelope)
}

func (s *service) sendAndWait(ctx context.Context, envelope []byte) ([]byte, error) {
	return s.receivers.DeliverSync(ctx, envelope)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*fabricServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "SendAndWait", Handler: sendAndWaitHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var envelope []byte
	if err := dec(&envelope); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(fabricServer).send(ctx, req.([]byte)); err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return []byte{}, nil
	}
	if interceptor == nil {
		return handle(ctx, envelope)
	}
	return interceptor(ctx, envelope, &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}, handle)
}

func sendAndWaitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var envelope []byte
	if err := dec(&envelope); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(fabricServer).sendAndWait(ctx, req.([]byte))
		if err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return resp, nil
	}
	if interceptor == nil {
		return handle(ctx, envelope)
	}
	return interceptor(ctx, envelope, &grpc.UnaryServerInfo{Server: srv, FullMethod: sendAndWaitMethod}, handle)
}
