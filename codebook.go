// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Codes up to MaxReservedCode belong to the built-in translators.
// Registrations must use FirstUserCode or above.
const (
	MaxReservedCode int32 = 1024
	FirstUserCode   int32 = 1025
)

// Built-in type codes.
const (
	CodeBool int32 = iota + 1
	CodeInt8
	CodeInt16
	CodeInt32
	CodeInt64
	CodeInt
	CodeUint8
	CodeUint16
	CodeUint32
	CodeUint64
	CodeFloat32
	CodeFloat64
	CodeString
	CodeBytes
	CodeList
	CodeMap
	CodeTime
	CodeDuration
)

// Translator encodes and decodes the values of one registered type. Encode
// receives a value of exactly the registered type; Decode must return one.
type Translator interface {
	Encode(e *Encoder, v interface{}) error
	Decode(d *Decoder) (interface{}, error)
}

type codeEntry struct {
	code int32
	typ  reflect.Type
	tr   Translator
}

// CodeBook binds Go types to numeric codes and translators. Lookups are
// safe for concurrent use; registration belongs in an init phase.
type CodeBook struct {
	mu     sync.RWMutex
	byCode map[int32]*codeEntry
	byType map[reflect.Type]*codeEntry
	byKind map[reflect.Kind]*codeEntry
	sealed bool
}

// NewCodeBook returns a codebook holding the built-in translators.
func NewCodeBook() *CodeBook {
	cb := &CodeBook{
		byCode: make(map[int32]*codeEntry),
		byType: make(map[reflect.Type]*codeEntry),
		byKind: make(map[reflect.Kind]*codeEntry),
	}
	for _, b := range builtins() {
		ent := &codeEntry{code: b.code, typ: b.typ, tr: b.tr}
		cb.byCode[b.code] = ent
		if b.typ != nil {
			cb.byType[b.typ] = ent
			cb.byKind[b.typ.Kind()] = ent
		}
	}
	// Kind fallbacks resolve to the unnamed built-ins, never to time.Duration
	// or the collection codes.
	cb.byKind[reflect.Int64] = cb.byCode[CodeInt64]
	delete(cb.byKind, reflect.Struct)
	delete(cb.byKind, reflect.Slice)
	return cb
}

// Register binds code to typ. It fails with ErrConfiguration for codes in the
// reserved range, for codes or types already bound, and after Seal.
func (cb *CodeBook) Register(code int32, typ reflect.Type, tr Translator) error {
	if code <= MaxReservedCode {
		return configErrorf("code %d is reserved, user codes start at %d", code, FirstUserCode)
	}
	if typ == nil || tr == nil {
		return configErrorf("code %d: nil type or translator", code)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.sealed {
		return configErrorf("codebook sealed, cannot register code %d", code)
	}
	if prev, ok := cb.byCode[code]; ok {
		return configErrorf("code %d already bound to %s", code, prev.typ)
	}
	if prev, ok := cb.byType[typ]; ok {
		return configErrorf("type %s already bound to code %d", typ, prev.code)
	}
	ent := &codeEntry{code: code, typ: typ, tr: tr}
	cb.byCode[code] = ent
	cb.byType[typ] = ent
	return nil
}

// RegisterFunc registers T under code with a pair of typed functions.
func RegisterFunc[T any](cb *CodeBook, code int32, enc func(*Encoder, T) error, dec func(*Decoder) (T, error)) error {
	return cb.Register(code, reflect.TypeOf((*T)(nil)).Elem(), Funcs(enc, dec))
}

// Seal rejects any further registration.
func (cb *CodeBook) Seal() {
	cb.mu.Lock()
	cb.sealed = true
	cb.mu.Unlock()
}

// CodeOf returns the code bound to typ.
func (cb *CodeBook) CodeOf(typ reflect.Type) (int32, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	ent, ok := cb.byType[typ]
	if !ok {
		return 0, false
	}
	return ent.code, true
}

// TypeOf returns the type bound to code. The collection codes have no type.
func (cb *CodeBook) TypeOf(code int32) (reflect.Type, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	ent, ok := cb.byCode[code]
	if !ok {
		return nil, false
	}
	return ent.typ, ent.typ != nil
}

// Encode writes v as [flag] or [flag][code][translator bytes]. Nil pointers,
// slices, maps and interfaces are null. Unregistered pointers are followed,
// unregistered named basic types use the built-in of their kind, and any
// other slice, array or map is written as a list or map.
func (cb *CodeBook) Encode(e *Encoder, v interface{}) error {
	rv := reflect.ValueOf(v)
	for hops := 0; ; hops++ {
		if !rv.IsValid() || isNil(rv) {
			e.writeFlag(false)
			return nil
		}
		ent, val := cb.resolve(rv)
		if ent != nil {
			if e.depth >= maxDepth {
				return fmt.Errorf("%w: %s nested deeper than %d", ErrArgument, rv.Type(), maxDepth)
			}
			e.writeFlag(true)
			e.WriteInt(ent.code)
			e.depth++
			defer func() { e.depth-- }()
			return ent.tr.Encode(e, val)
		}
		if rv.Kind() != reflect.Ptr && rv.Kind() != reflect.Interface {
			return fmt.Errorf("%w: %s", ErrUnregisteredType, rv.Type())
		}
		if hops == maxDepth {
			return fmt.Errorf("%w: %s dereferenced more than %d times", ErrArgument, rv.Type(), maxDepth)
		}
		rv = rv.Elem()
	}
}

// resolve finds the entry for rv and the value to hand its translator.
func (cb *CodeBook) resolve(rv reflect.Value) (*codeEntry, interface{}) {
	t := rv.Type()

	cb.mu.RLock()
	ent, ok := cb.byType[t]
	if !ok {
		ent, ok = cb.byKind[t.Kind()]
	}
	list, dict, blob := cb.byCode[CodeList], cb.byCode[CodeMap], cb.byCode[CodeBytes]
	cb.mu.RUnlock()

	if ok {
		if ent.typ == t {
			return ent, rv.Interface()
		}
		return ent, rv.Convert(ent.typ).Interface()
	}
	switch t.Kind() {
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return blob, rv.Bytes()
		}
		return list, rv.Interface()
	case reflect.Array:
		return list, rv.Interface()
	case reflect.Map:
		return dict, rv.Interface()
	}
	return nil, nil
}

// Decode reads a value written by Encode. An unbound code yields an
// *UnknownTypeError.
func (cb *CodeBook) Decode(d *Decoder) (interface{}, error) {
	present, err := d.ReadNullFlag()
	if err != nil || !present {
		return nil, err
	}
	code, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	cb.mu.RLock()
	ent, ok := cb.byCode[code]
	cb.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{Code: code}
	}
	if d.depth >= maxDepth {
		return nil, fmt.Errorf("%w: objects nested deeper than %d", ErrCorrupt, maxDepth)
	}
	d.depth++
	defer func() { d.depth-- }()
	return ent.tr.Decode(d)
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

type builtin struct {
	code int32
	typ  reflect.Type
	tr   Translator
}

func builtins() []builtin {
	return []builtin{
		{CodeBool, reflect.TypeOf(false), Funcs(func(e *Encoder, v bool) error {
			e.WriteBool(v)
			return nil
		}, (*Decoder).ReadBool)},
		{CodeInt8, reflect.TypeOf(int8(0)), Funcs(func(e *Encoder, v int8) error {
			return e.WriteByte(byte(v))
		}, func(d *Decoder) (int8, error) {
			b, err := d.ReadByte()
			return int8(b), err
		})},
		{CodeInt16, reflect.TypeOf(int16(0)), Funcs(func(e *Encoder, v int16) error {
			e.WriteShort(v)
			return nil
		}, (*Decoder).ReadShort)},
		{CodeInt32, reflect.TypeOf(int32(0)), Funcs(func(e *Encoder, v int32) error {
			e.WriteInt(v)
			return nil
		}, (*Decoder).ReadInt)},
		{CodeInt64, reflect.TypeOf(int64(0)), Funcs(func(e *Encoder, v int64) error {
			e.WriteLong(v)
			return nil
		}, (*Decoder).ReadLong)},
		{CodeInt, reflect.TypeOf(0), Funcs(func(e *Encoder, v int) error {
			e.WriteLong(int64(v))
			return nil
		}, func(d *Decoder) (int, error) {
			v, err := d.ReadLong()
			return int(v), err
		})},
		{CodeUint8, reflect.TypeOf(uint8(0)), Funcs(func(e *Encoder, v uint8) error {
			return e.WriteByte(v)
		}, (*Decoder).ReadByte)},
		{CodeUint16, reflect.TypeOf(uint16(0)), Funcs(func(e *Encoder, v uint16) error {
			e.WriteShort(int16(v))
			return nil
		}, func(d *Decoder) (uint16, error) {
			v, err := d.ReadShort()
			return uint16(v), err
		})},
		{CodeUint32, reflect.TypeOf(uint32(0)), Funcs(func(e *Encoder, v uint32) error {
			e.WriteInt(int32(v))
			return nil
		}, func(d *Decoder) (uint32, error) {
			v, err := d.ReadInt()
			return uint32(v), err
		})},
		{CodeUint64, reflect.TypeOf(uint64(0)), Funcs(func(e *Encoder, v uint64) error {
			e.WriteLong(int64(v))
			return nil
		}, func(d *Decoder) (uint64, error) {
			v, err := d.ReadLong()
			return uint64(v), err
		})},
		{CodeFloat32, reflect.TypeOf(float32(0)), Funcs(func(e *Encoder, v float32) error {
			e.WriteFloat(v)
			return nil
		}, (*Decoder).ReadFloat)},
		{CodeFloat64, reflect.TypeOf(float64(0)), Funcs(func(e *Encoder, v float64) error {
			e.WriteDouble(v)
			return nil
		}, (*Decoder).ReadDouble)},
		{CodeString, reflect.TypeOf(""), Funcs(func(e *Encoder, v string) error {
			e.WriteString(v)
			return nil
		}, (*Decoder).ReadString)},
		{CodeBytes, reflect.TypeOf([]byte(nil)), Funcs(func(e *Encoder, v []byte) error {
			e.WriteBytes(v)
			return nil
		}, (*Decoder).ReadBytes)},
		{CodeList, nil, listTranslator{}},
		{CodeMap, nil, mapTranslator{}},
		{CodeTime, reflect.TypeOf(time.Time{}), Funcs(func(e *Encoder, v time.Time) error {
			e.WriteLong(v.UnixNano())
			return nil
		}, func(d *Decoder) (time.Time, error) {
			n, err := d.ReadLong()
			if err != nil {
				return time.Time{}, err
			}
			return time.Unix(0, n), nil
		})},
		{CodeDuration, reflect.TypeOf(time.Duration(0)), Funcs(func(e *Encoder, v time.Duration) error {
			e.WriteLong(int64(v))
			return nil
		}, func(d *Decoder) (time.Duration, error) {
			n, err := d.ReadLong()
			return time.Duration(n), err
		})},
	}
}

type listTranslator struct{}

func (listTranslator) Encode(e *Encoder, v interface{}) error {
	return e.writeListBody(reflect.ValueOf(v))
}

func (listTranslator) Decode(d *Decoder) (interface{}, error) {
	return d.readListBody()
}

type mapTranslator struct{}

func (mapTranslator) Encode(e *Encoder, v interface{}) error {
	return e.writeMapBody(reflect.ValueOf(v))
}

func (mapTranslator) Decode(d *Decoder) (interface{}, error) {
	return d.readMapBody()
}
