// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package zap

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/fabric"
)

const writeTimeout = 30 * time.Second

// Server accepts ZAP links and hands their envelopes to a receiver table.
// Notifies on one connection are delivered in arrival order; requests run
// concurrently.
type Server struct {
	listener  net.Listener
	receivers *fabric.ReceiverTable
	conns     sync.Map
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func NewServer(listener net.Listener, receivers *fabric.ReceiverTable) *Server {
	return &Server{
		listener:  listener,
		receivers: receivers,
	}
}

// Start accepts connections on a new goroutine until Close.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.serve(ctx); err != nil {
			log.Printf("[fabric/zap] accept on %s: %v", s.listener.Addr(), err)
		}
	}()
}

func (s *Server) serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

type serverConn struct {
	net.Conn
	writeMu sync.Mutex
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn := &serverConn{Conn: nc}
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)
	if s.closed.Load() {
		return
	}

	var requests sync.WaitGroup
	defer requests.Wait()

	header := make([]byte, 4)
	for {
		typ, requestID, payload, err := readFrame(conn, header)
		if err != nil {
			return
		}
		switch typ {
		case MsgRequest:
			requests.Add(1)
			go func() {
				defer requests.Done()
				resp, err := s.receivers.DeliverSync(ctx, payload)
				s.sendResponse(conn, requestID, resp, err)
			}()
		case MsgNotify:
			if err := s.receivers.Deliver(ctx, payload); err != nil {
				log.Printf("[fabric/zap] deliver from %s: %v", conn.RemoteAddr(), err)
			}
		default:
			log.Printf("[fabric/zap] unexpected frame type %d from %s", typ, conn.RemoteAddr())
		}
	}
}

func (s *Server) sendResponse(conn *serverConn, requestID uint32, data []byte, err error) {
	typ := MsgResponse
	payload := data
	if err != nil {
		typ = MsgError
		payload = []byte(err.Error())
	}
	buf := appendFrame(make([]byte, 0, 9+len(payload)), typ, requestID, payload)

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(buf); err != nil {
		log.Printf("[fabric/zap] respond to %s: %v", conn.RemoteAddr(), err)
	}
}

// Close stops accepting, drops every connection and waits for handlers.
func (s *Server) Close() error {
	s.closed.Store(true)
	err := s.listener.Close()
	s.conns.Range(func(key, _ interface{}) bool {
		key.(*serverConn).Close()
		return true
	})
	s.wg.Wait()
	return err
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
