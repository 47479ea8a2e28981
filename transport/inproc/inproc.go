// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package inproc is a loopback transport: envelopes sent on a Transport are
// delivered to the receivers registered on the same Transport.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/fabric"
)

func init() {
	fabric.RegisterTransport(fabric.TransportInproc, func(ep fabric.Endpoint) (fabric.Transport, error) {
		return New(WithTimeout(ep.Timeout)), nil
	})
}

const (
	defaultQueue   = 1024
	defaultTimeout = 30 * time.Second
)

// Transport delivers fire-and-forget envelopes on one goroutine, in send
// order, and synchronous ones on the caller's behalf.
type Transport struct {
	receivers fabric.ReceiverTable
	queue     chan []byte
	timeout   time.Duration

	// sendMu is held shared by Send while it may enqueue, so Shutdown can
	// wait out senders before the final flush.
	sendMu  sync.RWMutex
	started atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	drain   chan struct{}
	done    chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithQueue sets how many fire-and-forget envelopes may wait for delivery
// before Send blocks.
func WithQueue(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queue = make(chan []byte, n)
		}
	}
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
	t := &Transport{
		queue:   make(chan []byte, defaultQueue),
		timeout: defaultTimeout,
		stop:    make(chan struct{}),
		drain:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Start(ctx context.Context) error {
	if t.closed.Load() {
		return fabric.ErrClosed
	}
	if t.started.Swap(true) {
		return nil
	}
	go t.deliverLoop()
	return nil
}

func (t *Transport) deliverLoop() {
	defer close(t.done)
	ctx := context.Background()
	for {
		select {
		case env := <-t.queue:
			t.deliver(ctx, env)
		case <-t.drain:
			// Flush what was accepted before shutdown.
			for {
				select {
				case env := <-t.queue:
					t.deliver(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, env []byte) {
	if err := t.receivers.Deliver(ctx, env); err != nil {
		log.Printf("[fabric/inproc] deliver: %v", err)
	}
}

// Send copies envelope onto the delivery queue.
func (t *Transport) Send(ctx context.Context, topic int32, envelope []byte) error {
	env := append([]byte(nil), envelope...)
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closed.Load() {
		return fabric.ErrClosed
	}
	select {
	case t.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stop:
		return fabric.ErrClosed
	}
}

func (t *Transport) SendAndWait(ctx context.Context, topic int32, envelope []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, fabric.ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	type result struct {
		resp []byte
		err  error
	}
	env := append([]byte(nil), envelope...)
	ch := make(chan result, 1)
	go func() {
		resp, err := t.receivers.DeliverSync(ctx, env)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", fabric.ErrTransport, r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: topic %d", fabric.ErrTimeout, topic)
		}
		return nil, ctx.Err()
	}
}

func (t *Transport) SupportsSendAndWait() bool { return true }

func (t *Transport) RegisterReceiver(topic int32, r fabric.Receiver) error {
	return t.receivers.Register(topic, r)
}

// Shutdown stops accepting envelopes and waits for queued ones to be
// delivered.
func (t *Transport) Shutdown() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.stop)
	// Wait until senders that saw the transport open have enqueued or
	// given up.
	t.sendMu.Lock()
	t.sendMu.Unlock()
	close(t.drain)
	if t.started.Load() {
		<-t.done
	}
	return nil
}
