// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package datagram sends fabric envelopes as UDP datagrams, unicast or to a
// multicast group. Delivery is unreliable and fire-and-forget only.
//
// Each datagram is [8 seq][envelope], seq big-endian and counted per
// sending transport from 0. Receivers track every sender's sequence to
// drop duplicates and count gaps.
package datagram

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/ipv4"

	"github.com/luxfi/fabric"
	"github.com/luxfi/fabric/internal/seqtrack"
	"github.com/luxfi/fabric/internal/telemetry"
)

func init() {
	fabric.RegisterTransport(fabric.TransportDatagram, func(ep fabric.Endpoint) (fabric.Transport, error) {
		if ep.Listen == "" && ep.Peer == "" {
			return nil, fmt.Errorf("%w: datagram endpoint needs a listen or peer address", fabric.ErrConfiguration)
		}
		tr, err := New(WithListen(ep.Listen), WithPeer(ep.Peer))
		if err != nil {
			return nil, err
		}
		return tr, nil
	})
}

const (
	seqSize = 8
	// maxDatagram is the largest UDP payload over IPv4.
	maxDatagram = 65507

	DefaultWindow = 1024
	DefaultTTL    = 1
)

// Stats counts what the receiving side saw. Late counts datagrams dropped
// because they arrived more than a window below where tracking of their
// sender started, too far back to tell apart from duplicates.
type Stats struct {
	Received   uint64
	Duplicates uint64
	Gaps       uint64
	Wraps      uint64
	Malformed  uint64
	Late       uint64
}

// Transport sends to a peer address or multicast group and receives on a
// listen address, either or both.
type Transport struct {
	listen   string
	peer     string
	window   int
	ttl      int
	loopback bool
	iface    *net.Interface
	inst     *telemetry.Instruments

	receivers fabric.ReceiverTable

	mu     sync.Mutex
	rconn  *net.UDPConn
	sconn  *net.UDPConn
	raddr  *net.UDPAddr
	done   chan struct{}
	closed bool

	seq atomic.Int64

	trackMu sync.Mutex
	senders map[string]*sender

	received   atomic.Uint64
	duplicates atomic.Uint64
	gaps       atomic.Uint64
	wraps      atomic.Uint64
	malformed  atomic.Uint64
	late       atomic.Uint64
}

type options struct {
	t  *Transport
	mp metric.MeterProvider
}

type Option func(*options)

func WithListen(addr string) Option {
	return func(o *options) { o.t.listen = addr }
}

// WithPeer sends to addr, which may be a multicast group.
func WithPeer(addr string) Option {
	return func(o *options) { o.t.peer = addr }
}

// WithWindow sets how far ahead of a sender's contiguous mark a sequence may
// arrive before its tracker is reset. It must be a power of two.
func WithWindow(n int) Option {
	return func(o *options) { o.t.window = n }
}

// WithMulticast sets the TTL and loopback of multicast sends, and the
// interface used to join and send. A nil interface leaves the choice to the
// system.
func WithMulticast(ttl int, loopback bool, iface *net.Interface) Option {
	return func(o *options) {
		o.t.ttl = ttl
		o.t.loopback = loopback
		o.t.iface = iface
	}
}

// WithMeterProvider reports gap and wrap counters to mp instead of the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.mp = mp }
}

func New(opts ...Option) (*Transport, error) {
	t := &Transport{
		window:   DefaultWindow,
		ttl:      DefaultTTL,
		loopback: true,
		senders:  make(map[string]*sender),
	}
	o := &options{t: t}
	for _, opt := range opts {
		opt(o)
	}
	if _, err := seqtrack.New(t.window); err != nil {
		return nil, fmt.Errorf("%w: %v", fabric.ErrConfiguration, err)
	}
	inst, err := telemetry.New(o.mp)
	if err != nil {
		return nil, err
	}
	t.inst = inst
	return t, nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fabric.ErrClosed
	}
	if t.peer != "" && t.sconn == nil {
		if err := t.dial(); err != nil {
			return err
		}
	}
	if t.listen != "" && t.rconn == nil {
		if err := t.bind(); err != nil {
			return err
		}
		t.done = make(chan struct{})
		go t.readLoop(context.WithoutCancel(ctx), t.rconn, t.done)
	}
	return nil
}

func (t *Transport) dial() error {
	raddr, err := net.ResolveUDPAddr("udp", t.peer)
	if err != nil {
		return fmt.Errorf("%w: datagram peer %q: %v", fabric.ErrConfiguration, t.peer, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("%w: datagram socket: %v", fabric.ErrTransport, err)
	}
	if raddr.IP.IsMulticast() && raddr.IP.To4() != nil {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(t.ttl); err != nil {
			conn.Close()
			return fmt.Errorf("%w: multicast ttl: %v", fabric.ErrTransport, err)
		}
		if err := pc.SetMulticastLoopback(t.loopback); err != nil {
			conn.Close()
			return fmt.Errorf("%w: multicast loopback: %v", fabric.ErrTransport, err)
		}
		if t.iface != nil {
			if err := pc.SetMulticastInterface(t.iface); err != nil {
				conn.Close()
				return fmt.Errorf("%w: multicast interface: %v", fabric.ErrTransport, err)
			}
		}
	}
	t.sconn, t.raddr = conn, raddr
	return nil
}

func (t *Transport) bind() error {
	laddr, err := net.ResolveUDPAddr("udp", t.listen)
	if err != nil {
		return fmt.Errorf("%w: datagram listen %q: %v", fabric.ErrConfiguration, t.listen, err)
	}
	var conn *net.UDPConn
	if laddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", t.iface, laddr)
	} else {
		conn, err = net.ListenUDP("udp", laddr)
	}
	if err != nil {
		return fmt.Errorf("%w: datagram listen %s: %v", fabric.ErrTransport, t.listen, err)
	}
	t.rconn = conn
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rconn == nil {
		return nil
	}
	return t.rconn.LocalAddr()
}

// Send writes one datagram. It reports local socket errors only.
func (t *Transport) Send(ctx context.Context, topic int32, envelope []byte) error {
	if len(envelope)+seqSize > maxDatagram {
		return fmt.Errorf("%w: datagram envelope of %d bytes", fabric.ErrTransport, len(envelope))
	}
	t.mu.Lock()
	closed, conn, raddr := t.closed, t.sconn, t.raddr
	t.mu.Unlock()
	if closed {
		return fabric.ErrClosed
	}
	if conn == nil {
		return fmt.Errorf("%w: datagram transport has no peer", fabric.ErrConfiguration)
	}

	buf := make([]byte, seqSize, seqSize+len(envelope))
	binary.BigEndian.PutUint64(buf, uint64(t.seq.Add(1)-1))
	buf = append(buf, envelope...)
	if _, err := conn.WriteToUDP(buf, raddr); err != nil {
		return fmt.Errorf("%w: datagram write to %s: %v", fabric.ErrTransport, raddr, err)
	}
	return nil
}

func (t *Transport) SendAndWait(context.Context, int32, []byte) ([]byte, error) {
	return nil, fabric.ErrSendAndWaitUnsupported
}

func (t *Transport) SupportsSendAndWait() bool { return false }

func (t *Transport) RegisterReceiver(topic int32, r fabric.Receiver) error {
	return t.receivers.Register(topic, r)
}

func (t *Transport) readLoop(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[fabric/datagram] read: %v", err)
			continue
		}
		if n < seqSize+4 {
			t.malformed.Add(1)
			log.Printf("[fabric/datagram] %d byte datagram from %s", n, src)
			continue
		}
		seq := int64(binary.BigEndian.Uint64(buf[:seqSize]))
		topic := int32(binary.BigEndian.Uint32(buf[seqSize:]))
		if !t.track(ctx, src.String(), topic, seq) {
			continue
		}
		t.received.Add(1)

		envelope := append([]byte(nil), buf[seqSize:n]...)
		if err := t.receivers.Deliver(ctx, envelope); err != nil {
			log.Printf("[fabric/datagram] deliver seq=%d from %s: %v", seq, src, err)
		}
	}
}

// sender is what a receiver knows about one sending address. Sequences from
// base up go through tr. The window just below base, left behind when the
// tracker starts mid-stream, goes through below so that late arrivals there
// are still delivered once.
type sender struct {
	tr    *seqtrack.Tracker
	base  int64
	below *seqtrack.Tracker
	floor int64
}

// newSender starts tracking at seq. A sequence within the first window is
// taken as a sender that just started, so tracking starts at 0. The tracker
// it replaces, if any, seeds what was already seen below seq.
func newSender(window int, seq int64, prev *seqtrack.Tracker) *sender {
	s := &sender{base: seq}
	if seq < int64(window) {
		s.base = 0
	}
	s.tr, _ = seqtrack.NewAt(window, s.base)
	if s.base == 0 {
		return s
	}
	s.floor = max(s.base-int64(window), 0)
	s.below, _ = seqtrack.NewAt(window, s.floor)
	if prev != nil {
		for n := s.floor; n < s.base; n++ {
			if prev.Has(n) {
				_ = s.below.Set(n)
			}
		}
	}
	return s
}

// track records seq for the sending address and reports whether the datagram
// is new.
func (t *Transport) track(ctx context.Context, addr string, topic int32, seq int64) bool {
	if seq < 0 {
		t.malformed.Add(1)
		return false
	}
	t.trackMu.Lock()
	defer t.trackMu.Unlock()

	s, ok := t.senders[addr]
	if !ok {
		s = newSender(t.window, seq, nil)
		t.senders[addr] = s
	}
	if seq < s.base {
		switch {
		case seq < s.floor:
			t.late.Add(1)
			log.Printf("[fabric/datagram] late from %s: seq %d below %d", addr, seq, s.floor)
			return false
		case s.below.Has(seq):
			t.duplicates.Add(1)
			return false
		}
		// Below base and at least floor, so it is within the window.
		_ = s.below.Set(seq)
		return true
	}

	if s.tr.Has(seq) {
		t.duplicates.Add(1)
		return false
	}
	if seq > s.tr.HighestSeen()+1 {
		t.gaps.Add(1)
		t.inst.Gap(ctx, topic)
		log.Printf("[fabric/datagram] gap from %s: seq %d after %d", addr, seq, s.tr.HighestSeen())
	}
	if err := s.tr.Set(seq); err != nil {
		// The sender ran a full window ahead; start over from seq.
		t.wraps.Add(1)
		t.inst.Wrap(ctx, topic)
		log.Printf("[fabric/datagram] %s: %v", addr, err)
		s = newSender(t.window, seq, s.tr)
		t.senders[addr] = s
		_ = s.tr.Set(seq)
	}
	return true
}

// Contiguous returns the highest sequence received from addr with nothing
// missing below it, counted from where tracking of addr started.
func (t *Transport) Contiguous(addr string) (int64, bool) {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	s, ok := t.senders[addr]
	if !ok {
		return 0, false
	}
	return s.tr.HighestContiguous(), true
}

func (t *Transport) Stats() Stats {
	return Stats{
		Received:   t.received.Load(),
		Duplicates: t.duplicates.Load(),
		Gaps:       t.gaps.Load(),
		Wraps:      t.wraps.Load(),
		Malformed:  t.malformed.Load(),
		Late:       t.late.Load(),
	}
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	rconn, sconn, done := t.rconn, t.sconn, t.done
	t.mu.Unlock()

	var errs []error
	if sconn != nil {
		errs = append(errs, sconn.Close())
	}
	if rconn != nil {
		errs = append(errs, rconn.Close())
		<-done
	}
	return errors.Join(errs...)
}
