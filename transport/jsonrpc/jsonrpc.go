// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package jsonrpc carries fabric envelopes as JSON-RPC 2.0 calls over HTTP:
// Fabric.Send for fire-and-forget envelopes and Fabric.SendAndWait for
// synchronous ones.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/fabric"
)

func init() {
	fabric.RegisterTransport(fabric.TransportJSON, func(ep fabric.Endpoint) (fabric.Transport, error) {
		if ep.Listen == "" && ep.Peer == "" {
			return nil, fmt.Errorf("%w: json endpoint needs a listen or peer address", fabric.ErrConfiguration)
		}
		return New(WithListen(ep.Listen), WithPeer(ep.Peer), WithTimeout(ep.Timeout)), nil
	})
}

const (
	DefaultPath    = "/fabric"
	defaultTimeout = 30 * time.Second
)

// Transport serves the Fabric service over HTTP, posts to a peer, or both.
type Transport struct {
	listen  string
	peer    string
	path    string
	timeout time.Duration
	header  http.Header

	receivers fabric.ReceiverTable

	mu       sync.Mutex
	uri      *url.URL
	client   *http.Client
	server   *http.Server
	listener net.Listener
	done     chan struct{}
	closed   bool
}

type Option func(*Transport)

func WithListen(addr string) Option {
	return func(t *Transport) { t.listen = addr }
}

// WithPeer posts to addr, either host:port or a full http URL.
func WithPeer(addr string) Option {
	return func(t *Transport) { t.peer = addr }
}

// WithPath sets the HTTP path of the service. It defaults to DefaultPath.
func WithPath(path string) Option {
	return func(t *Transport) {
		if path != "" {
			t.path = path
		}
	}
}

// WithHeader adds a header to every request sent to the peer.
func WithHeader(key, value string) Option {
	return func(t *Transport) { t.header.Add(key, value) }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func New(opts ...Option) *Transport {
	t := &Transport{
		path:    DefaultPath,
		timeout: defaultTimeout,
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handler returns the HTTP handler serving the Fabric service, for mounting
// on an existing server.
func (t *Transport) Handler() http.Handler {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Service{receivers: &t.receivers}, ServiceName); err != nil {
		// Service's method set is fixed; this cannot fail.
		panic(err)
	}
	return s
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
			return fmt.Errorf("%w: json listen %s: %v", fabric.ErrTransport, t.listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle(t.path, t.Handler())
		t.listener = l
		t.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: t.timeout,
		}
		t.done = make(chan struct{})
		go func(srv *http.Server, done chan struct{}) {
			defer close(done)
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[fabric/jsonrpc] serve: %v", err)
			}
		}(t.server, t.done)
	}
	if t.peer != "" && t.uri == nil {
		uri, err := peerURL(t.peer, t.path)
		if err != nil {
			return err
		}
		t.uri = uri
		t.client = newHTTPClient(t.timeout)
	}
	return nil
}

func peerURL(peer, path string) (*url.URL, error) {
	raw := peer
	if _, _, err := net.SplitHostPort(peer); err == nil {
		raw = "http://" + peer + path
	}
	uri, err := url.Parse(raw)
	if err != nil || uri.Host == "" {
		return nil, fmt.Errorf("%w: json peer %q", fabric.ErrConfiguration, peer)
	}
	return uri, nil
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

func (t *Transport) post(ctx context.Context, topic int32, method string, envelope []byte) ([]byte, error) {
	t.mu.Lock()
	closed, uri, client := t.closed, t.uri, t.client
	t.mu.Unlock()
	if closed {
		return nil, fabric.ErrClosed
	}
	if uri == nil {
		return nil, fmt.Errorf("%w: json transport has no peer", fabric.ErrConfiguration)
	}

	var (
		reply EnvelopeReply
		ne    net.Error
	)
	err := SendJSONRequest(ctx, client, uri, ServiceName+"."+method, &EnvelopeArgs{Envelope: envelope}, &reply, t.header)
	switch {
	case err == nil:
		return reply.Envelope, nil
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return nil, fmt.Errorf("%w: json topic %d", fabric.ErrTimeout, topic)
	case errors.Is(err, context.Canceled), errors.Is(err, fabric.ErrTransport):
		return nil, err
	}
	return nil, fmt.Errorf("%w: json topic %d: %v", fabric.ErrTransport, topic, err)
}

func (t *Transport) Send(ctx context.Context, topic int32, envelope []byte) error {
	_, err := t.post(ctx, topic, "Send", envelope)
	return err
}

func (t *Transport) SendAndWait(ctx context.Context, topic int32, envelope []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.post(ctx, topic, "SendAndWait", envelope)
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
	server, done := t.server, t.done
	t.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Close()
	<-done
	return err
}
