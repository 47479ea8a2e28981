// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"fmt"
	"reflect"
)

// assign converts a decoded value to the static type t. Decoded collections
// come back as []interface{} and map[interface{}]interface{}; pointers are
// rebuilt around their element; named types convert from their built-in.
func assign(t reflect.Type, v interface{}) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			out := reflect.New(t).Elem()
			out.Set(rv)
			return out, nil
		}
		return rv, nil
	}

	switch t.Kind() {
	case reflect.Ptr:
		elem, err := assign(t.Elem(), v)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(elem)
		return p, nil

	case reflect.Slice:
		if b, ok := v.([]byte); ok && t.Elem().Kind() == reflect.Uint8 {
			return reflect.ValueOf(b).Convert(t), nil
		}
		list, ok := v.([]interface{})
		if !ok {
			break
		}
		out := reflect.MakeSlice(t, len(list), len(list))
		for i, item := range list {
			ev, err := assign(t.Elem(), item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case reflect.Array:
		list, ok := v.([]interface{})
		if !ok {
			break
		}
		if len(list) != t.Len() {
			return reflect.Value{}, fmt.Errorf("%w: %d elements for %s", ErrCorrupt, len(list), t)
		}
		out := reflect.New(t).Elem()
		for i, item := range list {
			ev, err := assign(t.Elem(), item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case reflect.Map:
		dict, ok := v.(map[interface{}]interface{})
		if !ok {
			break
		}
		out := reflect.MakeMapWithSize(t, len(dict))
		for k, item := range dict {
			kv, err := assign(t.Key(), k)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("map key: %w", err)
			}
			ev, err := assign(t.Elem(), item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("map value: %w", err)
			}
			out.SetMapIndex(kv, ev)
		}
		return out, nil

	default:
		// Same kind only, so an int never turns into a string.
		if rv.Kind() == t.Kind() && rv.Type().ConvertibleTo(t) {
			return rv.Convert(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot use %s as %s", ErrCorrupt, rv.Type(), t)
}
