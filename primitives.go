// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Null flag values written ahead of every nullable value.
const (
	flagNull    byte = 0
	flagPresent byte = 1
)

const (
	// maxLength bounds any length prefix read off the wire.
	maxLength = 64 * 1024 * 1024
	// maxElements bounds the element count of one list or map.
	maxElements = 1 << 20
	// preallocElements caps the space reserved from a count before the
	// elements are actually read.
	preallocElements = 1024
	// maxDepth bounds how deeply objects may nest, writing or reading.
	maxDepth = 64
)

func (e *Encoder) writeFlag(present bool) {
	if present {
		e.buf = append(e.buf, flagPresent)
		return
	}
	e.buf = append(e.buf, flagNull)
}

// WriteInt writes a big-endian int32.
func (e *Encoder) WriteInt(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

// WriteLong writes a big-endian int64.
func (e *Encoder) WriteLong(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// WriteShort writes a big-endian int16.
func (e *Encoder) WriteShort(v int16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
}

// WriteByte writes a single byte. It never fails; the error return
// satisfies io.ByteWriter.
func (e *Encoder) WriteByte(c byte) error {
	e.buf = append(e.buf, c)
	return nil
}

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *Encoder) WriteFloat(v float32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(v))
}

func (e *Encoder) WriteDouble(v float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

// WriteString writes a present flag, an int32 byte length and the bytes.
func (e *Encoder) WriteString(s string) {
	e.writeFlag(true)
	e.WriteInt(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes writes b framed like a string; a nil slice is written as null.
func (e *Encoder) WriteBytes(b []byte) {
	if b == nil {
		e.writeFlag(false)
		return
	}
	e.writeFlag(true)
	e.WriteInt(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (d *Decoder) next(n int) ([]byte, error) {
	if n > len(d.buf)-d.off {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, len(d.buf)-d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// ReadNullFlag reports whether the next value is present.
func (d *Decoder) ReadNullFlag() (bool, error) {
	b, err := d.next(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case flagNull:
		return false, nil
	case flagPresent:
		return true, nil
	default:
		return false, fmt.Errorf("%w: null flag %#x at offset %d", ErrCorrupt, b[0], d.off-1)
	}
}

func (d *Decoder) ReadInt() (int32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *Decoder) ReadLong() (int64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) ReadShort() (int16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.next(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (d *Decoder) ReadFloat() (float32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (d *Decoder) ReadDouble() (float64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// readLength reads an int32 length prefix and checks it against what is left.
func (d *Decoder) readLength() (int, error) {
	n, err := d.ReadInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxLength {
		return 0, fmt.Errorf("%w: length %d at offset %d", ErrCorrupt, n, d.off-4)
	}
	if int(n) > len(d.buf)-d.off {
		return 0, fmt.Errorf("%w: length %d exceeds remaining %d", ErrShortBuffer, n, len(d.buf)-d.off)
	}
	return int(n), nil
}

// ReadString reads a string written by WriteString. A null string reads as "".
func (d *Decoder) ReadString() (string, error) {
	present, err := d.ReadNullFlag()
	if err != nil || !present {
		return "", err
	}
	n, err := d.readLength()
	if err != nil {
		return "", err
	}
	b, _ := d.next(n)
	return string(b), nil
}

// ReadBytes reads a byte slice written by WriteBytes. The result is a copy.
func (d *Decoder) ReadBytes() ([]byte, error) {
	present, err := d.ReadNullFlag()
	if err != nil || !present {
		return nil, err
	}
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	b, _ := d.next(n)
	return append(make([]byte, 0, n), b...), nil
}
