// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/fabric"
)

// recorder is a transport that keeps copies of what it is asked to send.
type recorder struct {
	mu       sync.Mutex
	sent     [][]byte
	syncOK   bool
	fail     error
	respond  func(envelope []byte) ([]byte, error)
	receiver fabric.ReceiverTable
}

func (r *recorder) Send(_ context.Context, _ int32, envelope []byte) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.sent = append(r.sent, append([]byte(nil), envelope...))
	r.mu.Unlock()
	return nil
}

func (r *recorder) SendAndWait(_ context.Context, _ int32, envelope []byte) ([]byte, error) {
	if r.respond == nil {
		return nil, fabric.ErrSendAndWaitUnsupported
	}
	return r.respond(envelope)
}

func (r *recorder) SupportsSendAndWait() bool { return r.syncOK }

func (r *recorder) RegisterReceiver(topic int32, rcv fabric.Receiver) error {
	return r.receiver.Register(topic, rcv)
}

func (r *recorder) Start(context.Context) error { return nil }
func (r *recorder) Shutdown() error             { return nil }

func (r *recorder) envelopes() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent...)
}

var errDown = errors.New("link down")

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newRegistry(t *testing.T, opts ...fabric.RegistryOption) *fabric.Registry {
	t.Helper()
	reg, err := fabric.NewRegistry(nil, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}
