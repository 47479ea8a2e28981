// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Transport moves envelopes between processes. Send and SendAndWait must not
// retain envelope after they return.
type Transport interface {
	// Send delivers a fire-and-forget envelope.
	Send(ctx context.Context, topic int32, envelope []byte) error

	// SendAndWait delivers envelope and blocks until the receiver's
	// response arrives or ctx or the transport timeout expires.
	SendAndWait(ctx context.Context, topic int32, envelope []byte) ([]byte, error)

	// SupportsSendAndWait reports whether SendAndWait can be used.
	SupportsSendAndWait() bool

	// RegisterReceiver routes inbound envelopes for topic to r.
	RegisterReceiver(topic int32, r Receiver) error

	Start(ctx context.Context) error
	Shutdown() error
}

// Receiver consumes inbound envelopes. Subscriber implements it.
type Receiver interface {
	Deliver(ctx context.Context, envelope []byte) error
	DeliverSync(ctx context.Context, envelope []byte) ([]byte, error)
}

// TopicOf reads the topic from an envelope header.
func TopicOf(envelope []byte) (int32, error) {
	if len(envelope) < 4 {
		return 0, fmt.Errorf("%w: envelope of %d bytes has no topic", ErrShortBuffer, len(envelope))
	}
	return int32(binary.BigEndian.Uint32(envelope)), nil
}

// ReceiverTable routes envelopes to receivers by topic. The zero value is
// ready to use.
type ReceiverTable struct {
	mu        sync.RWMutex
	receivers map[int32]Receiver
}

// Register binds r to topic. A topic takes one receiver.
func (t *ReceiverTable) Register(topic int32, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receivers == nil {
		t.receivers = make(map[int32]Receiver)
	}
	if _, ok := t.receivers[topic]; ok {
		return configErrorf("topic %d already has a receiver", topic)
	}
	t.receivers[topic] = r
	return nil
}

func (t *ReceiverTable) Lookup(topic int32) (Receiver, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.receivers[topic]
	return r, ok
}

func (t *ReceiverTable) route(envelope []byte) (Receiver, error) {
	topic, err := TopicOf(envelope)
	if err != nil {
		return nil, err
	}
	r, ok := t.Lookup(topic)
	if !ok {
		return nil, fmt.Errorf("%w: no receiver for topic %d", ErrTopicMismatch, topic)
	}
	return r, nil
}

// Deliver hands envelope to the receiver registered for its topic.
func (t *ReceiverTable) Deliver(ctx context.Context, envelope []byte) error {
	r, err := t.route(envelope)
	if err != nil {
		return err
	}
	return r.Deliver(ctx, envelope)
}

// DeliverSync hands envelope to the receiver registered for its topic and
// returns its response.
func (t *ReceiverTable) DeliverSync(ctx context.Context, envelope []byte) ([]byte, error) {
	r, err := t.route(envelope)
	if err != nil {
		return nil, err
	}
	return r.DeliverSync(ctx, envelope)
}

// Transport names of the bundled implementations.
const (
	TransportInproc   = "inproc"
	TransportZAP      = "zap"
	TransportGRPC     = "grpc"
	TransportJSON     = "json"
	TransportDatagram = "datagram"
)

// Endpoint selects and configures a transport.
type Endpoint struct {
	// Transport is a registered transport name.
	Transport string
	// Listen is the local address to receive on, if any.
	Listen string
	// Peer is the remote address to send to, if any. For datagram it may be
	// a multicast group.
	Peer string
	// Timeout bounds SendAndWait when the context carries no deadline.
	Timeout time.Duration
}

// TransportFactory builds a transport from an endpoint.
type TransportFactory func(ep Endpoint) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]TransportFactory{}
)

// RegisterTransport makes a transport available to Open. Transport packages
// call it from init.
func RegisterTransport(name string, f TransportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = f
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// Open builds the transport named by ep. It does not start it.
func Open(ep Endpoint) (Transport, error) {
	transportsMu.RLock()
	f, ok := transports[ep.Transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, configErrorf("unknown transport %q (available: %v)", ep.Transport, AvailableTransports())
	}
	return f(ep)
}
