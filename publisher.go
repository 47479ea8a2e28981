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

// Response status bytes of a synchronous call.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// Publisher turns method calls on a contract into envelopes.
type Publisher struct {
	contract  *Contract
	transport Transport
	strategy  strategy
	pool      *encoderPool
	book      *CodeBook
	inst      *telemetry.Instruments
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherOptions)

type publisherOptions struct {
	reliable int
}

// WithReliable routes fire-and-forget calls through the contract's ring
// buffer pipeline of the given power-of-two capacity. Synchronous calls
// always block on the transport.
func WithReliable(capacity int) PublisherOption {
	return func(o *publisherOptions) { o.reliable = capacity }
}

// NewPublisher returns a publisher of c over tr. Contracts with synchronous
// methods need a transport that supports send-and-wait.
func (r *Registry) NewPublisher(c *Contract, tr Transport, opts ...PublisherOption) (*Publisher, error) {
	o := &publisherOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if tr == nil {
		return nil, configErrorf("publisher of %s: nil transport", c.iface)
	}
	if c.hasSync() && !tr.SupportsSendAndWait() {
		return nil, fmt.Errorf("%w: %s has synchronous methods: %v", ErrConfiguration, c.iface, ErrSendAndWaitUnsupported)
	}

	p := &Publisher{
		contract:  c,
		transport: tr,
		pool:      newEncoderPool(r.book),
		book:      r.book,
		inst:      r.inst,
	}
	if o.reliable != 0 {
		pl, err := r.pipelineFor(c, tr, o.reliable)
		if err != nil {
			return nil, err
		}
		p.strategy = pl
	} else {
		p.strategy = &direct{contract: c, transport: tr, pool: p.pool, inst: r.inst}
	}
	return p, nil
}

func (p *Publisher) Contract() *Contract { return p.contract }

// Invoke calls the named method. For synchronous methods the result is
// discarded; use Call to keep it.
func (p *Publisher) Invoke(ctx context.Context, method string, args ...interface{}) error {
	m, err := p.contract.Method(method)
	if err != nil {
		return err
	}
	vals, err := m.bindArgs(args)
	if err != nil {
		return err
	}
	if m.sync {
		_, err := p.call(ctx, m, vals)
		return err
	}
	return p.strategy.publish(ctx, m, vals)
}

// Call invokes a synchronous method and returns its decoded result.
func (p *Publisher) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	m, err := p.contract.Method(method)
	if err != nil {
		return nil, err
	}
	if !m.sync {
		return nil, fmt.Errorf("%w: %s is not synchronous", ErrArgument, method)
	}
	vals, err := m.bindArgs(args)
	if err != nil {
		return nil, err
	}
	res, err := p.call(ctx, m, vals)
	if err != nil || !res.IsValid() {
		return nil, err
	}
	return res.Interface(), nil
}

// call performs a blocking send and decodes [status][payload]. The returned
// value is invalid for methods without a result.
func (p *Publisher) call(ctx context.Context, m *Method, args []reflect.Value) (reflect.Value, error) {
	e := p.pool.get()
	defer p.pool.put(e)

	if err := p.contract.encode(e, m, args); err != nil {
		return reflect.Value{}, err
	}
	resp, err := p.transport.SendAndWait(ctx, p.contract.topic, e.Bytes())
	if err != nil {
		p.inst.SendFailed(ctx, p.contract.topic)
		return reflect.Value{}, err
	}
	p.inst.Published(ctx, p.contract.topic)

	d := NewDecoder(p.book, resp)
	status, err := d.ReadByte()
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%s response: %w", m.name, err)
	}
	switch status {
	case statusOK:
		obj, err := d.ReadObject()
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%s response: %w", m.name, err)
		}
		if m.result == nil {
			return reflect.Value{}, nil
		}
		return assign(m.result, obj)
	case statusError:
		msg, err := d.ReadString()
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%s response: %w", m.name, err)
		}
		return reflect.Value{}, &RemoteError{Method: m.name, Message: msg}
	default:
		return reflect.Value{}, fmt.Errorf("%w: %s response status %d", ErrCorrupt, m.name, status)
	}
}

// Stub is a publisher bound to one method.
type Stub struct {
	p *Publisher
	m *Method
}

// Method returns a stub for the named method.
func (p *Publisher) Method(name string) (*Stub, error) {
	m, err := p.contract.Method(name)
	if err != nil {
		return nil, err
	}
	return &Stub{p: p, m: m}, nil
}

func (s *Stub) Invoke(ctx context.Context, args ...interface{}) error {
	return s.p.Invoke(ctx, s.m.name, args...)
}

func (s *Stub) Call(ctx context.Context, args ...interface{}) (interface{}, error) {
	return s.p.Call(ctx, s.m.name, args...)
}

// Bind fills the func-typed fields of the struct target points to. A field
// named after a contract method must have that method's signature; it then
// publishes when called. Fields without a matching method are left alone.
//
//	var quotes struct {
//	    Quote func(symbol string, price float64) error
//	    Last  func(ctx context.Context, symbol string) (*float64, error)
//	}
//	err := pub.Bind(&quotes)
func (p *Publisher) Bind(target interface{}) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: Bind needs a pointer to a struct, got %T", ErrArgument, target)
	}
	sv := rv.Elem()
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.Type.Kind() != reflect.Func || !f.IsExported() {
			continue
		}
		m, ok := p.contract.byName[f.Name]
		if !ok {
			continue
		}
		if f.Type != m.ftype {
			return fmt.Errorf("%w: field %s is %s, method is %s", ErrArgument, f.Name, f.Type, m.ftype)
		}
		sv.Field(i).Set(reflect.MakeFunc(f.Type, p.bound(m)))
	}
	return nil
}

func (p *Publisher) bound(m *Method) func([]reflect.Value) []reflect.Value {
	return func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if m.hasCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}

		var (
			res reflect.Value
			err error
		)
		if m.sync {
			res, err = p.call(ctx, m, in)
		} else {
			err = p.strategy.publish(ctx, m, in)
		}

		var out []reflect.Value
		if m.result != nil {
			if !res.IsValid() {
				res = reflect.Zero(m.result)
			}
			out = append(out, res)
		}
		if m.returnsErr {
			out = append(out, errorValue(err))
		} else if err != nil {
			log.Printf("[fabric] %s: %v", m.name, err)
		}
		return out
	}
}

func errorValue(err error) reflect.Value {
	if err == nil {
		return reflect.Zero(errorType)
	}
	return reflect.ValueOf(&err).Elem()
}
