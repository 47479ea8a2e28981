// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package grpc carries fabric envelopes as unary gRPC calls of the
// fabric.Fabric service. Envelopes travel as raw bytes; no protobuf schema
// is involved. Fire-and-forget sends wait for the receiver to accept the
// envelope, so sends from one goroutine arrive in order.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/luxfi/fabric"
)

func init() {
	fabric.RegisterTransport(fabric.TransportGRPC, func(ep fabric.Endpoint) (fabric.Transport, error) {
		if ep.Listen == "" && ep.Peer == "" {
			return nil, fmt.Errorf("%w: grpc endpoint needs a listen or peer address", fabric.ErrConfiguration)
		}
		return New(WithListen(ep.Listen), WithPeer(ep.Peer), WithTimeout(ep.Timeout)), nil
	})
}

const (
	serviceName       = "fabric.Fabric"
	sendMethod        = "/" + serviceName + "/Send"
	sendAndWaitMethod = "/" + serviceName + "/SendAndWait"
	defaultTimeout    = 30 * time.Second
)

// Transport serves the fabric.Fabric service, calls it on a peer, or both.
type Transport struct {
	listen   string
	peer     string
	timeout  time.Duration
	dialOpts []grpc.DialOption

	receivers fabric.ReceiverTable

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	conn     *grpc.ClientConn
	closed   bool
}

type Option func(*Transport)

func WithListen(addr string) Option {
	return func(t *Transport) { t.listen = addr }
}

func WithPeer(addr string) Option {
	return func(t *Transport) { t.peer = addr }
}

// WithTimeout bounds SendAndWait when the context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithDialOptions adds options to the client connection. Insecure
// credentials are used unless one of them sets others.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(t *Transport) { t.dialOpts = append(t.dialOpts, opts...) }
}

func New(opts ...Option) *Transport {
	t := &Transport{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fabric.ErrClosed
	}
	if t.listen != "" && t.server == nil {
		l, err := net.Listen("tcp", t.listen)
		if err != nil {
			return fmt.Errorf("%w: grpc listen %s: %v", fabric.ErrTransport, t.listen, err)
		}
		t.listener = l
		t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
		t.server.RegisterService(&serviceDesc, &service{receivers: &t.receivers})
		go t.server.Serve(l)
	}
	if t.peer != "" && t.conn == nil {
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		}, t.dialOpts...)
		conn, err := grpc.NewClient(t.peer, opts...)
		if err != nil {
			return fmt.Errorf("%w: grpc client %s: %v", fabric.ErrTransport, t.peer, err)
		}
		t.conn = conn
	}
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) client() (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fabric.ErrClosed
	}
	if t.conn == nil {
		return nil, fmt.Errorf("%w: grpc transport has no peer", fabric.ErrConfiguration)
	}
	return t.conn, nil
}

func (t *Transport) Send(ctx context.Context, topic int32, envelope []byte) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	var ack []byte
	if err := conn.Invoke(ctx, sendMethod, envelope, &ack); err != nil {
		return callError(topic, err)
	}
	return nil
}

func (t *Transport) SendAndWait(ctx context.Context, topic int32, envelope []byte) ([]byte, error) {
	conn, err := t.client()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	var resp []byte
	if err := conn.Invoke(ctx, sendAndWaitMethod, envelope, &resp); err != nil {
		return nil, callError(topic, err)
	}
	return resp, nil
}

func callError(topic int32, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: grpc topic %d", fabric.ErrTimeout, topic)
	case codes.Canceled:
		return context.Canceled
	}
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("%w: grpc topic %d: %s", fabric.ErrTransport, topic, s.Message())
	}
	return fmt.Errorf("%w: grpc topic %d: %v", fabric.ErrTransport, topic, err)
}

func (t *Transport) SupportsSendAndWait() bool { return true }

func (t *Transport) RegisterReceiver(topic int32, r fabric.Receiver) error {
	return t.receivers.Register(topic, r)
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server, conn := t.server, t.conn
	t.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if server != nil {
		server.Stop()
	}
	return errors.Join(errs...)
}
