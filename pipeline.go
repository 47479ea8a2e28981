// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"

	"github.com/luxfi/fabric/internal/ring"
	"github.com/luxfi/fabric/internal/telemetry"
)

// strategy is how a publisher hands a fire-and-forget envelope on.
type strategy interface {
	publish(ctx context.Context, m *Method, args []reflect.Value) error
}

// direct encodes into a pooled scratch encoder and sends on the calling
// goroutine.
type direct struct {
	contract  *Contract
	transport Transport
	pool      *encoderPool
	inst      *telemetry.Instruments
}

func (s *direct) publish(ctx context.Context, m *Method, args []reflect.Value) error {
	e := s.pool.get()
	defer s.pool.put(e)

	if err := s.contract.encode(e, m, args); err != nil {
		return err
	}
	if err := s.transport.Send(ctx, s.contract.topic, e.Bytes()); err != nil {
		s.inst.SendFailed(ctx, s.contract.topic)
		return err
	}
	s.inst.Published(ctx, s.contract.topic)
	return nil
}

// outgoing is a reusable ring slot.
type outgoing struct {
	topic  int32
	enc    *Encoder
	failed bool
}

// pipeline decouples callers from the transport: callers encode into ring
// slots and one consumer goroutine sends them in claim order.
type pipeline struct {
	contract  *Contract
	transport Transport
	ring      *ring.Ring[outgoing]
	inst      *telemetry.Instruments
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newPipeline(c *Contract, tr Transport, book *CodeBook, capacity int, inst *telemetry.Instruments) (*pipeline, error) {
	if capacity < 0 {
		return nil, configErrorf("reliable capacity %d", capacity)
	}
	r, err := ring.New(uint64(capacity), func() outgoing {
		return outgoing{enc: NewEncoder(book)}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, c.iface, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		contract:  c,
		transport: tr,
		ring:      r,
		inst:      inst,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *pipeline) capacity() int { return int(p.ring.Capacity()) }

func (p *pipeline) publish(_ context.Context, m *Method, args []reflect.Value) error {
	seq, err := p.ring.Claim()
	if err != nil {
		if errors.Is(err, ring.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	slot := p.ring.Slot(seq)
	slot.topic = p.contract.topic
	slot.enc.Reset()
	err = p.contract.encode(slot.enc, m, args)
	slot.failed = err != nil
	p.ring.Publish(seq)
	return err
}

func (p *pipeline) run() {
	defer close(p.done)
	p.ring.Consume(func(seq uint64, slot *outgoing) {
		if slot.failed {
			return
		}
		if err := p.transport.Send(p.ctx, slot.topic, slot.enc.Bytes()); err != nil {
			// The caller has already returned; all we can do is report it.
			log.Printf("[fabric] reliable send topic=%d seq=%d failed: %v", slot.topic, seq, err)
			p.inst.SendFailed(p.ctx, slot.topic)
			return
		}
		p.inst.Published(p.ctx, slot.topic)
	})
}

// close drains every claimed slot, then stops the consumer.
func (p *pipeline) close() error {
	p.ring.Close()
	<-p.done
	p.cancel()
	return nil
}
