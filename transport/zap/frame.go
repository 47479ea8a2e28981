// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package zap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/luxfi/fabric"
)

// MessageType identifies ZAP frames.
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04
)

// maxFrame bounds the length prefix accepted off the wire.
const maxFrame = 64 * 1024 * 1024

// appendFrame encodes [4 len][1 type][4 reqID][payload], or
// [4 len][1 type][payload] for notifies.
func appendFrame(buf []byte, typ MessageType, requestID uint32, payload []byte) []byte {
	n := 1 + len(payload)
	if typ != MsgNotify {
		n += 4
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	buf = append(buf, byte(typ))
	if typ != MsgNotify {
		buf = binary.BigEndian.AppendUint32(buf, requestID)
	}
	return append(buf, payload...)
}

// readFrame reads one frame. The payload is freshly allocated.
func readFrame(r io.Reader, header []byte) (MessageType, uint32, []byte, error) {
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return 0, 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[:4])
	if n == 0 || n > maxFrame {
		return 0, 0, nil, fmt.Errorf("%w: zap frame length %d", fabric.ErrCorrupt, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, 0, nil, err
	}

	typ := MessageType(msg[0])
	if typ == MsgNotify {
		return typ, 0, msg[1:], nil
	}
	if len(msg) < 5 {
		return 0, 0, nil, fmt.Errorf("%w: zap frame type %d of %d bytes", fabric.ErrCorrupt, typ, n)
	}
	return typ, binary.BigEndian.Uint32(msg[1:5]), msg[5:], nil
}
