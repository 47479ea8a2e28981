// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package zap carries fabric envelopes over length-prefixed TCP frames.
//
// Wire format, all integers big-endian:
//
//	request, response, error: [4 len][1 type][4 requestID][envelope]
//	notify:                   [4 len][1 type][envelope]
//
// An error frame carries the receiver's error message instead of an envelope.
package zap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/luxfi/fabric"
)

func init() {
	fabric.RegisterTransport(fabric.TransportZAP, func(ep fabric.Endpoint) (fabric.Transport, error) {
		if ep.Listen == "" && ep.Peer == "" {
			return nil, fmt.Errorf("%w: zap endpoint needs a listen or peer address", fabric.ErrConfiguration)
		}
		return New(WithListen(ep.Listen), WithPeer(ep.Peer), WithTimeout(ep.Timeout)), nil
	})
}

const defaultTimeout = 30 * time.Second

// Transport listens for peers, dials one peer, or both.
type Transport struct {
	listen  string
	peer    string
	timeout time.Duration

	receivers fabric.ReceiverTable

	mu     sync.Mutex
	server *Server
	conn   *Conn
	closed bool
}

type Option func(*Transport)

// WithListen serves inbound links on addr.
func WithListen(addr string) Option {
	return func(t *Transport) { t.listen = addr }
}

// WithPeer sends to the server at addr.
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

func New(opts ...Option) *Transport {
	t := &Transport{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start binds the listen address and dials the peer, whichever are set.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fabric.ErrClosed
	}
	if t.listen != "" && t.server == nil {
		l, err := net.Listen("tcp", t.listen)
		if err != nil {
			return fmt.Errorf("%w: zap listen %s: %v", fabric.ErrTransport, t.listen, err)
		}
		t.server = NewServer(l, &t.receivers)
		t.server.Start(context.WithoutCancel(ctx))
	}
	if t.peer != "" && t.conn == nil {
		conn, err := Dial(ctx, t.peer)
		if err != nil {
			return err
		}
		t.conn = conn
	}
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	return t.server.Addr()
}

func (t *Transport) peerConn() (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fabric.ErrClosed
	}
	if t.conn == nil {
		return nil, fmt.Errorf("%w: zap transport has no peer", fabric.ErrConfiguration)
	}
	return t.conn, nil
}

// Send writes a notify frame. Notifies on one link arrive in send order.
func (t *Transport) Send(ctx context.Context, topic int32, envelope []byte) error {
	conn, err := t.peerConn()
	if err != nil {
		return err
	}
	return conn.Notify(envelope)
}

func (t *Transport) SendAndWait(ctx context.Context, topic int32, envelope []byte) ([]byte, error) {
	conn, err := t.peerConn()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	resp, err := conn.Call(ctx, envelope)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: zap topic %d", fabric.ErrTimeout, topic)
	}
	return resp, err
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
		errs = append(errs, server.Close())
	}
	return errors.Join(errs...)
}
