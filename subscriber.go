// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"context"
	"fmt"
	"log"
	"reflect"

	"github.com/luxfi/fabric/internal/telemetry"
)

// Subscriber dispatches envelopes of one contract to an implementation.
type Subscriber struct {
	contract *Contract
	invokers []invoker
	book     *CodeBook
	inst     *telemetry.Instruments
}

type invoker struct {
	m  *Method
	fn reflect.Value
}

// NewSubscriber binds impl, which must implement the contract's interface.
// Method values are resolved once, in dispatch table order.
func (r *Registry) NewSubscriber(c *Contract, impl interface{}) (*Subscriber, error) {
	v := reflect.ValueOf(impl)
	if !v.IsValid() || !v.Type().Implements(c.iface) {
		return nil, configErrorf("%T does not implement %s", impl, c.iface)
	}
	s := &Subscriber{
		contract: c,
		invokers: make([]invoker, len(c.methods)),
		book:     r.book,
		inst:     r.inst,
	}
	for i, m := range c.methods {
		s.invokers[i] = invoker{m: m, fn: v.MethodByName(m.name)}
	}
	return s, nil
}

func (s *Subscriber) Contract() *Contract { return s.contract }

// Subscribe registers s with tr for the contract's topic.
func (s *Subscriber) Subscribe(tr Transport) error {
	return tr.RegisterReceiver(s.contract.topic, s)
}

// OnMessage dispatches the envelope body that follows the topic. Errors
// returned by the implementation are logged, not returned; decode failures
// are returned.
func (s *Subscriber) OnMessage(ctx context.Context, topic int32, d *Decoder) error {
	inv, args, err := s.decode(ctx, topic, d)
	if err != nil {
		s.inst.DispatchFailed(ctx, topic)
		return err
	}
	out, err := inv.call(args)
	if err == nil && inv.m.returnsErr {
		err, _ = out[len(out)-1].Interface().(error)
	}
	if err != nil {
		log.Printf("[fabric] %s: %v", inv.m.name, err)
		s.inst.DispatchFailed(ctx, topic)
		return nil
	}
	s.inst.Delivered(ctx, topic)
	return nil
}

// OnSyncMessage dispatches like OnMessage and writes the response to resp:
// [status][result object] or [status][error message].
func (s *Subscriber) OnSyncMessage(ctx context.Context, topic int32, d *Decoder, resp *Encoder) error {
	inv, args, err := s.decode(ctx, topic, d)
	if err != nil {
		s.inst.DispatchFailed(ctx, topic)
		return err
	}
	out, err := inv.call(args)
	if err == nil && inv.m.returnsErr {
		err, _ = out[len(out)-1].Interface().(error)
	}
	if err != nil {
		s.inst.DispatchFailed(ctx, topic)
		_ = resp.WriteByte(statusError)
		resp.WriteString(err.Error())
		return nil
	}
	s.inst.Delivered(ctx, topic)
	_ = resp.WriteByte(statusOK)
	var result interface{}
	if inv.m.result != nil {
		result = out[0].Interface()
	}
	if err := resp.WriteObject(result); err != nil {
		resp.Reset()
		_ = resp.WriteByte(statusError)
		resp.WriteString(fmt.Sprintf("encode result: %v", err))
	}
	return nil
}

// decode reads the header after the topic and the method's arguments.
func (s *Subscriber) decode(ctx context.Context, topic int32, d *Decoder) (*invoker, []reflect.Value, error) {
	c := s.contract
	if topic != c.topic {
		return nil, nil, fmt.Errorf("%w: got %d, subscriber of %s is %d", ErrTopicMismatch, topic, c.iface, c.topic)
	}
	if c.fingerprinted {
		fp, err := d.ReadInt()
		if err != nil {
			return nil, nil, err
		}
		if uint32(fp) != c.fingerprint {
			return nil, nil, fmt.Errorf("%w: %s is %#08x, envelope carries %#08x", ErrSchemaMismatch, c.iface, c.fingerprint, uint32(fp))
		}
	}
	idx, err := d.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	if int(idx) >= len(s.invokers) {
		return nil, nil, fmt.Errorf("%w: index %d of %s", ErrUnknownMethod, idx, c.iface)
	}
	inv := &s.invokers[idx]

	args := make([]reflect.Value, 0, len(inv.m.readers)+1)
	if inv.m.hasCtx {
		args = append(args, reflect.ValueOf(&ctx).Elem())
	}
	for i, read := range inv.m.readers {
		v, err := read(d)
		if err != nil {
			return nil, nil, fmt.Errorf("%s argument %d: %w", inv.m.name, i, err)
		}
		args = append(args, v)
	}
	if d.Remaining() != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes after %s arguments", ErrCorrupt, d.Remaining(), inv.m.name)
	}
	return inv, args, nil
}

// call invokes the implementation, turning a panic into an error.
func (inv *invoker) call(args []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", inv.m.name, r)
		}
	}()
	return inv.fn.Call(args), nil
}

// Deliver implements Receiver.
func (s *Subscriber) Deliver(ctx context.Context, envelope []byte) error {
	d := NewDecoder(s.book, envelope)
	topic, err := d.ReadInt()
	if err != nil {
		return err
	}
	if err := s.OnMessage(ctx, topic, d); err != nil {
		log.Printf("[fabric] drop envelope topic=%d: %v", topic, err)
		return err
	}
	return nil
}

// DeliverSync implements Receiver. The response is freshly allocated and
// may be retained by the transport.
func (s *Subscriber) DeliverSync(ctx context.Context, envelope []byte) ([]byte, error) {
	d := NewDecoder(s.book, envelope)
	topic, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	resp := NewEncoder(s.book)
	if err := s.OnSyncMessage(ctx, topic, d, resp); err != nil {
		log.Printf("[fabric] drop sync envelope topic=%d: %v", topic, err)
		return nil, err
	}
	return resp.Bytes(), nil
}
