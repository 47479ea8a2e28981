// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
)

type funcTranslator[T any] struct {
	enc func(*Encoder, T) error
	dec func(*Decoder) (T, error)
}

// Funcs adapts a pair of typed functions to a Translator.
func Funcs[T any](enc func(*Encoder, T) error, dec func(*Decoder) (T, error)) Translator {
	return funcTranslator[T]{enc: enc, dec: dec}
}

func (t funcTranslator[T]) Encode(e *Encoder, v interface{}) error {
	tv, ok := v.(T)
	if !ok {
		var zero T
		return fmt.Errorf("%w: translator for %T got %T", ErrUnregisteredType, zero, v)
	}
	return t.enc(e, tv)
}

func (t funcTranslator[T]) Decode(d *Decoder) (interface{}, error) {
	return t.dec(d)
}

// JSON stores T as a JSON document in a length-prefixed blob.
func JSON[T any]() Translator {
	return Funcs(func(e *Encoder, v T) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("json encode: %w", err)
		}
		e.WriteBytes(b)
		return nil
	}, func(d *Decoder) (T, error) {
		var v T
		b, err := d.ReadBytes()
		if err != nil {
			return v, err
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return v, fmt.Errorf("json decode: %w", err)
		}
		return v, nil
	})
}

// cborMode sorts map keys so equal values always encode to equal bytes.
var cborMode, _ = cbor.CanonicalEncOptions().EncMode()

// CBOR stores T as a canonical CBOR item in a length-prefixed blob. Struct
// fields follow the cbor struct tags of T.
func CBOR[T any]() Translator {
	return Funcs(func(e *Encoder, v T) error {
		b, err := cborMode.Marshal(v)
		if err != nil {
			return fmt.Errorf("cbor encode: %w", err)
		}
		e.WriteBytes(b)
		return nil
	}, func(d *Decoder) (T, error) {
		var v T
		b, err := d.ReadBytes()
		if err != nil {
			return v, err
		}
		if err := cbor.Unmarshal(b, &v); err != nil {
			return v, fmt.Errorf("cbor decode: %w", err)
		}
		return v, nil
	})
}

// Proto stores a protobuf message in its binary wire form. T is the
// generated pointer type, e.g. *pb.Order.
func Proto[T proto.Message]() Translator {
	return Funcs(func(e *Encoder, m T) error {
		b, err := proto.Marshal(m)
		if err != nil {
			return fmt.Errorf("proto encode: %w", err)
		}
		e.WriteBytes(b)
		return nil
	}, func(d *Decoder) (T, error) {
		var zero T
		b, err := d.ReadBytes()
		if err != nil {
			return zero, err
		}
		m := zero.ProtoReflect().New().Interface().(T)
		if err := proto.Unmarshal(b, m); err != nil {
			return zero, fmt.Errorf("proto decode: %w", err)
		}
		return m, nil
	})
}
