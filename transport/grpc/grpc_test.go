// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luxfi/fabric"
	"github.com/luxfi/fabric/internal/transporttest"
)

func link(t *testing.T, topic int32, r fabric.Receiver, opts ...Option) (*Transport, *Transport) {
	t.Helper()
	ctx := context.Background()

	server := New(WithListen("127.0.0.1:0"))
	if err := server.RegisterReceiver(topic, r); err != nil {
		t.Fatalf("RegisterReceiver: %v", err)
	}
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start server: %v", err)
	}
	t.Cleanup(func() { server.Shutdown() })

	client := New(append([]Option{WithPeer(server.Addr().String())}, opts...)...)
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start client: %v", err)
	}
	t.Cleanup(func() { client.Shutdown() })
	return server, client
}

func TestConformance(t *testing.T) {
	transporttest.Run(t, func(t *testing.T, topic int32, r fabric.Receiver) fabric.Transport {
		_, client := link(t, topic, r)
		return client
	})
}

func TestRawCodec(t *testing.T) {
	var c rawCodec
	b, err := c.Marshal([]byte("env"))
	if err != nil || string(b) != "env" {
		t.Fatalf("Marshal: %q, %v", b, err)
	}
	if _, err := c.Marshal("env"); err == nil {
		t.Fatalf("expected an error for a string")
	}

	src := []byte("abc")
	var dst []byte
	if err := c.Unmarshal(src, &dst); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	src[0] = 'x'
	if string(dst) != "abc" {
		t.Fatalf("Unmarshal aliases its input: %q", dst)
	}
}

type stall struct {
	transporttest.Echo
	release chan struct{}
}

func (s *stall) DeliverSync(ctx context.Context, _ []byte) ([]byte, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func TestSendAndWaitTimeout(t *testing.T) {
	s := &stall{release: make(chan struct{})}
	defer close(s.release)
	_, client := link(t, 1, s, WithTimeout(100*time.Millisecond))

	_, err := client.SendAndWait(context.Background(), 1, transporttest.Envelope(1, "slow"))
	if !errors.Is(err, fabric.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNoPeer(t *testing.T) {
	server, _ := link(t, 1, transporttest.NewEcho())
	if _, err := server.SendAndWait(context.Background(), 1, transporttest.Envelope(1, "x")); !errors.Is(err, fabric.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	if _, err := fabric.Open(fabric.Endpoint{Transport: fabric.TransportGRPC}); !errors.Is(err, fabric.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	tr, err := fabric.Open(fabric.Endpoint{Transport: fabric.TransportGRPC, Peer: "127.0.0.1:1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := tr.(*Transport).timeout; got != time.Second {
		t.Fatalf("timeout: got %v", got)
	}
}
