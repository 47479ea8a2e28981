// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"reflect"
	"sort"
	"strings"
)

// maxMethods is the number of distinct method indexes a byte can carry.
const maxMethods = 256

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	int32Type   = reflect.TypeOf(int32(0))
	int64Type   = reflect.TypeOf(int64(0))
	byteType    = reflect.TypeOf(byte(0))
	stringType  = reflect.TypeOf("")
)

// Contract is the compiled dispatch table of one interface: its topic, its
// schema fingerprint and its methods in canonical order. A Contract is
// immutable and safe to share.
type Contract struct {
	iface         reflect.Type
	topic         int32
	fingerprint   uint32
	fingerprinted bool
	methods       []*Method
	byName        map[string]*Method
	opts          *contractOptions
}

// Method is one entry of a dispatch table.
type Method struct {
	index      byte
	name       string
	signature  string
	sync       bool
	ftype      reflect.Type
	hasCtx     bool
	params     []reflect.Type
	result     reflect.Type
	returnsErr bool
	writers    []argWriter
	readers    []argReader
}

type (
	argWriter func(e *Encoder, v reflect.Value) error
	argReader func(d *Decoder) (reflect.Value, error)
)

func (m *Method) Index() byte            { return m.index }
func (m *Method) Name() string           { return m.name }
func (m *Method) Signature() string      { return m.signature }
func (m *Method) Synchronous() bool      { return m.sync }
func (m *Method) Params() []reflect.Type { return append([]reflect.Type(nil), m.params...) }

// ContractOption configures compilation of a contract.
type ContractOption func(*contractOptions)

type contractOptions struct {
	topic         int32
	topicSet      bool
	sync          map[string]bool
	noFingerprint bool
}

// WithTopic overrides the topic derived from the interface name.
func WithTopic(id int32) ContractOption {
	return func(o *contractOptions) {
		o.topic = id
		o.topicSet = true
	}
}

// Synchronous declares the named methods request/response. Every other
// method is fire-and-forget.
func Synchronous(methods ...string) ContractOption {
	return func(o *contractOptions) {
		for _, name := range methods {
			o.sync[name] = true
		}
	}
}

// WithoutFingerprint drops the schema fingerprint from the envelope header,
// giving the bare [topic][index][args] layout.
func WithoutFingerprint() ContractOption {
	return func(o *contractOptions) { o.noFingerprint = true }
}

// Signature returns the canonical sort key of method m of iface.
func Signature(iface reflect.Type, m reflect.Method) string {
	var b strings.Builder
	b.WriteString(iface.PkgPath())
	b.WriteByte('.')
	b.WriteString(ifaceName(iface))
	b.WriteByte('.')
	b.WriteString(m.Name)
	b.WriteByte('(')
	for i := 0; i < m.Type.NumIn(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(m.Type.In(i).String())
	}
	b.WriteByte(')')
	return b.String()
}

// CanonicalOrder returns the methods of iface sorted by Signature. Method
// indexes on the wire are positions in this order, so both ends of a topic
// must agree on it.
func CanonicalOrder(iface reflect.Type) []reflect.Method {
	methods := make([]reflect.Method, iface.NumMethod())
	keys := make(map[string]string, len(methods))
	for i := range methods {
		methods[i] = iface.Method(i)
		keys[methods[i].Name] = Signature(iface, methods[i])
	}
	sort.Slice(methods, func(i, j int) bool {
		return keys[methods[i].Name] < keys[methods[j].Name]
	})
	return methods
}

func ifaceName(iface reflect.Type) string {
	if iface.Name() != "" {
		return iface.Name()
	}
	return iface.String()
}

// Compile builds the dispatch table for iface. Most callers go through
// Registry.Contract, which memoizes the result.
func Compile(iface reflect.Type, opts ...ContractOption) (*Contract, error) {
	return compile(iface, newContractOptions(opts))
}

func newContractOptions(opts []ContractOption) *contractOptions {
	o := &contractOptions{sync: make(map[string]bool)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// equal reports whether o and other compile iface to the same contract.
func (o *contractOptions) equal(iface reflect.Type, other *contractOptions) bool {
	return o.topicFor(iface) == other.topicFor(iface) &&
		o.noFingerprint == other.noFingerprint &&
		maps.Equal(o.sync, other.sync)
}

func (o *contractOptions) topicFor(iface reflect.Type) int32 {
	if o.topicSet {
		return o.topic
	}
	h := fnv.New32a()
	h.Write([]byte(iface.PkgPath() + "." + ifaceName(iface)))
	return int32(h.Sum32())
}

func compile(iface reflect.Type, o *contractOptions) (*Contract, error) {
	if iface == nil || iface.Kind() != reflect.Interface {
		return nil, configErrorf("contract type %v is not an interface", iface)
	}
	if iface.NumMethod() == 0 {
		return nil, configErrorf("interface %s declares no methods", iface)
	}
	if iface.NumMethod() > maxMethods {
		return nil, configErrorf("interface %s declares %d methods, at most %d fit a method index", iface, iface.NumMethod(), maxMethods)
	}
	for name := range o.sync {
		if _, ok := iface.MethodByName(name); !ok {
			return nil, configErrorf("%s has no method %s to declare synchronous", iface, name)
		}
	}

	c := &Contract{
		iface:         iface,
		opts:          o,
		fingerprinted: !o.noFingerprint,
		byName:        make(map[string]*Method, iface.NumMethod()),
	}
	h := fnv.New32a()
	for i, rm := range CanonicalOrder(iface) {
		m, err := compileMethod(iface, rm, o.sync[rm.Name])
		if err != nil {
			return nil, err
		}
		m.index = byte(i)
		c.methods = append(c.methods, m)
		c.byName[m.name] = m

		h.Write([]byte(m.signature))
		if m.sync {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	c.fingerprint = h.Sum32()
	c.topic = o.topicFor(iface)
	return c, nil
}

func compileMethod(iface reflect.Type, rm reflect.Method, sync bool) (*Method, error) {
	if rm.PkgPath != "" {
		return nil, configErrorf("%s.%s is unexported", iface, rm.Name)
	}
	ft := rm.Type
	if ft.IsVariadic() {
		return nil, configErrorf("%s.%s is variadic", iface, rm.Name)
	}
	m := &Method{
		name:      rm.Name,
		signature: Signature(iface, rm),
		sync:      sync,
		ftype:     ft,
	}

	for i := 0; i < ft.NumIn(); i++ {
		pt := ft.In(i)
		if i == 0 && pt == contextType {
			m.hasCtx = true
			continue
		}
		m.params = append(m.params, pt)
		m.writers = append(m.writers, writerFor(pt))
		m.readers = append(m.readers, readerFor(pt))
	}

	switch {
	case ft.NumOut() == 0:
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
		m.returnsErr = true
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		m.result = ft.Out(0)
		m.returnsErr = true
	default:
		return nil, configErrorf("%s.%s must return nothing, error, or (T, error)", iface, rm.Name)
	}

	if m.result != nil && !sync {
		return nil, configErrorf("%s.%s returns %s but is not declared synchronous", iface, rm.Name, m.result)
	}
	if sync {
		if !m.returnsErr {
			return nil, configErrorf("synchronous method %s.%s must return error", iface, rm.Name)
		}
		if m.result != nil && !nillable(m.result) {
			return nil, configErrorf("synchronous method %s.%s returns %s; use a pointer, slice, map or interface", iface, rm.Name, m.result)
		}
	}
	return m, nil
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}

func writerFor(t reflect.Type) argWriter {
	switch t {
	case int32Type:
		return func(e *Encoder, v reflect.Value) error {
			e.WriteInt(int32(v.Int()))
			return nil
		}
	case int64Type:
		return func(e *Encoder, v reflect.Value) error {
			e.WriteLong(v.Int())
			return nil
		}
	case byteType:
		return func(e *Encoder, v reflect.Value) error {
			return e.WriteByte(byte(v.Uint()))
		}
	case stringType:
		return func(e *Encoder, v reflect.Value) error {
			e.WriteString(v.String())
			return nil
		}
	}
	return func(e *Encoder, v reflect.Value) error {
		return e.WriteObject(v.Interface())
	}
}

func readerFor(t reflect.Type) argReader {
	switch t {
	case int32Type:
		return func(d *Decoder) (reflect.Value, error) {
			v, err := d.ReadInt()
			return reflect.ValueOf(v), err
		}
	case int64Type:
		return func(d *Decoder) (reflect.Value, error) {
			v, err := d.ReadLong()
			return reflect.ValueOf(v), err
		}
	case byteType:
		return func(d *Decoder) (reflect.Value, error) {
			v, err := d.ReadByte()
			return reflect.ValueOf(v), err
		}
	case stringType:
		return func(d *Decoder) (reflect.Value, error) {
			v, err := d.ReadString()
			return reflect.ValueOf(v), err
		}
	}
	return func(d *Decoder) (reflect.Value, error) {
		obj, err := d.ReadObject()
		if err != nil {
			return reflect.Value{}, err
		}
		return assign(t, obj)
	}
}

// Interface returns the compiled interface type.
func (c *Contract) Interface() reflect.Type { return c.iface }

func (c *Contract) Topic() int32 { return c.topic }

// Fingerprint hashes every canonical signature and synchronous flag.
func (c *Contract) Fingerprint() uint32 { return c.fingerprint }

// Methods returns the dispatch table in index order.
func (c *Contract) Methods() []*Method { return append([]*Method(nil), c.methods...) }

// Method looks a method up by name.
func (c *Contract) Method(name string) (*Method, error) {
	m, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, c.iface, name)
	}
	return m, nil
}

func (c *Contract) hasSync() bool {
	for _, m := range c.methods {
		if m.sync {
			return true
		}
	}
	return false
}

// encode writes the full envelope for a call of m with args.
func (c *Contract) encode(e *Encoder, m *Method, args []reflect.Value) error {
	e.WriteInt(c.topic)
	if c.fingerprinted {
		e.WriteInt(int32(c.fingerprint))
	}
	_ = e.WriteByte(m.index)
	for i, w := range m.writers {
		if err := w(e, args[i]); err != nil {
			return fmt.Errorf("%s argument %d: %w", m.name, i, err)
		}
	}
	return nil
}

// bindArgs checks args against m's parameters.
func (m *Method) bindArgs(args []interface{}) ([]reflect.Value, error) {
	if len(args) != len(m.params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrArgument, m.name, len(m.params), len(args))
	}
	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := m.params[i]
		if a == nil {
			if !nillable(pt) {
				return nil, fmt.Errorf("%w: %s argument %d: nil for %s", ErrArgument, m.name, i, pt)
			}
			vals[i] = reflect.Zero(pt)
			continue
		}
		rv := reflect.ValueOf(a)
		if !rv.Type().AssignableTo(pt) {
			return nil, fmt.Errorf("%w: %s argument %d: %s is not assignable to %s", ErrArgument, m.name, i, rv.Type(), pt)
		}
		vals[i] = rv
	}
	return vals, nil
}
