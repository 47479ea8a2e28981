// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"fmt"
	"reflect"
	"sync"
)

// Encoder is a growable output buffer bound to a CodeBook. It is not safe
// for concurrent use.
type Encoder struct {
	buf   []byte
	book  *CodeBook
	depth int
}

// NewEncoder returns an empty encoder writing objects through book.
func NewEncoder(book *CodeBook) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, 256),
		book: book,
	}
}

// Reset empties the buffer, keeping its capacity.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Bytes returns the encoded bytes. The slice aliases the encoder's buffer and
// is only valid until the next write or Reset.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) CodeBook() *CodeBook { return e.book }

// WriteObject writes v framed with a null flag and its type code.
func (e *Encoder) WriteObject(v interface{}) error {
	return e.book.Encode(e, v)
}

// WriteList writes a slice or array as [flag][count][elements], each element
// written with WriteObject.
func (e *Encoder) WriteList(v interface{}) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() == reflect.Slice && rv.IsNil()) {
		e.writeFlag(false)
		return nil
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("%w: WriteList of %s", ErrUnregisteredType, rv.Type())
	}
	e.writeFlag(true)
	return e.writeListBody(rv)
}

// WriteMap writes a map as [flag][count][key, value ...], keys and values
// written with WriteObject.
func (e *Encoder) WriteMap(v interface{}) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() == reflect.Map && rv.IsNil()) {
		e.writeFlag(false)
		return nil
	}
	if rv.Kind() != reflect.Map {
		return fmt.Errorf("%w: WriteMap of %s", ErrUnregisteredType, rv.Type())
	}
	e.writeFlag(true)
	return e.writeMapBody(rv)
}

func (e *Encoder) writeListBody(rv reflect.Value) error {
	n := rv.Len()
	e.WriteInt(int32(n))
	for i := 0; i < n; i++ {
		if err := e.WriteObject(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("list element %d: %w", i, err)
		}
	}
	return nil
}

func (e *Encoder) writeMapBody(rv reflect.Value) error {
	e.WriteInt(int32(rv.Len()))
	iter := rv.MapRange()
	for iter.Next() {
		if err := e.WriteObject(iter.Key().Interface()); err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		if err := e.WriteObject(iter.Value().Interface()); err != nil {
			return fmt.Errorf("map value: %w", err)
		}
	}
	return nil
}

// Decoder is a read cursor over an encoded buffer. It is not safe for
// concurrent use.
type Decoder struct {
	buf   []byte
	off   int
	book  *CodeBook
	depth int
}

func NewDecoder(book *CodeBook, buf []byte) *Decoder {
	return &Decoder{buf: buf, book: book}
}

// Reset points the decoder at a new buffer.
func (d *Decoder) Reset(buf []byte) {
	d.buf = buf
	d.off = 0
	d.depth = 0
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) CodeBook() *CodeBook { return d.book }

// ReadObject reads a value written by WriteObject. Null reads as nil.
func (d *Decoder) ReadObject() (interface{}, error) {
	return d.book.Decode(d)
}

// ReadList reads a list written by WriteList.
func (d *Decoder) ReadList() ([]interface{}, error) {
	present, err := d.ReadNullFlag()
	if err != nil || !present {
		return nil, err
	}
	return d.readListBody()
}

// ReadMap reads a map written by WriteMap.
func (d *Decoder) ReadMap() (map[interface{}]interface{}, error) {
	present, err := d.ReadNullFlag()
	if err != nil || !present {
		return nil, err
	}
	return d.readMapBody()
}

// readCount reads the element count of a collection whose elements take at
// least minSize bytes each.
func (d *Decoder) readCount(minSize int) (int, error) {
	n, err := d.ReadInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxElements || int(n) > d.Remaining()/minSize {
		return 0, fmt.Errorf("%w: element count %d with %d bytes left", ErrCorrupt, n, d.Remaining())
	}
	return int(n), nil
}

func (d *Decoder) readListBody() ([]interface{}, error) {
	// An element is at least its null flag.
	n, err := d.readCount(1)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, min(n, preallocElements))
	for i := 0; i < n; i++ {
		v, err := d.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("list element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Decoder) readMapBody() (map[interface{}]interface{}, error) {
	n, err := d.readCount(2)
	if err != nil {
		return nil, err
	}
	out := make(map[interface{}]interface{}, min(n, preallocElements))
	for i := 0; i < n; i++ {
		k, err := d.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		if k != nil && !reflect.TypeOf(k).Comparable() {
			return nil, fmt.Errorf("%w: map key of type %T", ErrCorrupt, k)
		}
		v, err := d.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("map value: %w", err)
		}
		out[k] = v
	}
	return out, nil
}

// encoderPool hands out scratch encoders for the direct publish path.
type encoderPool struct {
	pool sync.Pool
}

// Encoders that grew past this are dropped instead of pooled.
const maxPooledEncoder = 64 * 1024

func newEncoderPool(book *CodeBook) *encoderPool {
	p := &encoderPool{}
	p.pool.New = func() interface{} {
		return NewEncoder(book)
	}
	return p
}

func (p *encoderPool) get() *Encoder {
	e := p.pool.Get().(*Encoder)
	e.Reset()
	return e
}

func (p *encoderPool) put(e *Encoder) {
	if cap(e.buf) > maxPooledEncoder {
		return
	}
	p.pool.Put(e)
}
