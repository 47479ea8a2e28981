// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package zap

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/luxfi/fabric"
)

// Conn is the sending side of a ZAP link.
type Conn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan response
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

type response struct {
	data []byte
	err  error
}

// Dial connects to a ZAP server.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: zap dial %s: %v", fabric.ErrTransport, addr, err)
	}

	zc := &Conn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go zc.readLoop()
	return zc, nil
}

// Call sends a request frame and waits for its response.
func (z *Conn) Call(ctx context.Context, payload []byte) ([]byte, error) {
	if z.closed.Load() {
		return nil, fabric.ErrClosed
	}

	requestID := z.nextID.Add(1)
	respCh := make(chan response, 1)
	z.pending.Store(requestID, respCh)
	defer z.pending.Delete(requestID)

	if err := z.write(MsgRequest, requestID, payload); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp.data, resp.err
	case <-z.readDone:
		return nil, fmt.Errorf("%w: zap connection lost", fabric.ErrTransport)
	}
}

// Notify sends a one-way frame.
func (z *Conn) Notify(payload []byte) error {
	if z.closed.Load() {
		return fabric.ErrClosed
	}
	return z.write(MsgNotify, 0, payload)
}

func (z *Conn) write(typ MessageType, requestID uint32, payload []byte) error {
	buf := appendFrame(make([]byte, 0, 9+len(payload)), typ, requestID, payload)
	z.writeMu.Lock()
	_, err := z.conn.Write(buf)
	z.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: zap write: %v", fabric.ErrTransport, err)
	}
	return nil
}

func (z *Conn) readLoop() {
	defer close(z.readDone)

	header := make([]byte, 4)
	for {
		typ, requestID, payload, err := readFrame(z.conn, header)
		if err != nil {
			return
		}
		ch, ok := z.pending.Load(requestID)
		if !ok {
			continue
		}
		respCh := ch.(chan response)
		switch typ {
		case MsgResponse:
			respCh <- response{data: payload}
		case MsgError:
			respCh <- response{err: fmt.Errorf("%w: %s", fabric.ErrTransport, payload)}
		}
	}
}

func (z *Conn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}
