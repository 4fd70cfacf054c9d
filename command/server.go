// rpicam-recorder - record Raspberry Pi camera video in sync with external TTL clocks
//  Copyright (C) 2020, The Cacophony Project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package command

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

const (
	maxLineLength   = 4096
	acceptRetryWait = 100 * time.Millisecond
)

// Server accepts one client at a time and answers its requests in
// order. A Close request, Close or cancelling the context passed to
// Serve ends the server.
type Server struct {
	addr string
	ctrl Controller

	mu     sync.Mutex
	ln     net.Listener
	conn   net.Conn
	closed bool
}

func NewServer(addr string, ctrl Controller) *Server {
	return &Server{addr: addr, ctrl: ctrl}
}

// Listen binds the server's address. Serve calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	if s.closed {
		return errors.New("server closed")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve handles clients until the server is closed. It returns nil
// after an orderly close.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	log.Printf("listening for commands on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			log.Printf("accept failed: %v", err)
			time.Sleep(acceptRetryWait)
			continue
		}
		if s.serveConn(conn) {
			s.Close()
			return nil
		}
		if s.isClosed() {
			return nil
		}
	}
}

// serveConn answers requests from one client. It returns true once a
// Close request has been answered.
func (s *Server) serveConn(conn net.Conn) bool {
	if !s.setConn(conn) {
		conn.Close()
		return false
	}
	defer s.setConn(nil)
	defer conn.Close()

	log.Printf("client connected: %s", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		line := scanner.Text()
		reply := Handle(s.ctrl, line)
		// Write errors are sticky, so Flush reports them too.
		w.WriteString(reply + "\n")
		if err := w.Flush(); err != nil {
			log.Printf("reply to %s failed, dropping client: %v", conn.RemoteAddr(), err)
			return false
		}
		if isCloseRequest(line) {
			return true
		}
	}
	if err := scanner.Err(); err != nil && !s.isClosed() {
		log.Printf("reading from %s failed, dropping client: %v", conn.RemoteAddr(), err)
	}
	log.Printf("client disconnected: %s", conn.RemoteAddr())
	return false
}

func isCloseRequest(line string) bool {
	req, err := ParseRequest(line)
	return err == nil && req.Command == Close
}

func (s *Server) setConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn != nil && s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting clients and disconnects the current one so
// that a blocked Serve returns. It does not close the controller.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return err
}
