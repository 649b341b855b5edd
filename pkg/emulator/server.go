// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package emulator provides the TCP plumbing shared by the protocol
// emulators: one listener per device port, one handler goroutine per
// accepted connection, and an idempotent stop that severs in-flight
// connections.
package emulator

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/DataDog/gridmimic/pkg/util/log"
)

// ReadTimeout is the per-connection inactivity limit. Handlers arm it before
// every frame read.
const ReadTimeout = 30 * time.Second

// Emulator is one protocol listener bound to a device port.
type Emulator interface {
	Start() error
	Stop()
}

// Server owns a TCP listener and tracks open connections so Stop can
// terminate handlers that are mid-read.
type Server struct {
	name   string
	port   int
	handle func(net.Conn)

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	wg      sync.WaitGroup
	running *atomic.Bool
}

// NewServer prepares a listener for port. handle is invoked once per
// accepted connection and must return when the connection dies.
func NewServer(name string, port int, handle func(net.Conn)) *Server {
	return &Server{
		name:    name,
		port:    port,
		handle:  handle,
		conns:   make(map[net.Conn]struct{}),
		running: atomic.NewBool(false),
	}
}

// Start binds the port and launches the accept loop. A port that is already
// taken surfaces as an error here.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.port))
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("%s: binding port %d: %w", s.name, s.port, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Infof("%s: listening on %s", s.name, ln.Addr())
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open connection, then waits for all
// handlers to return. Safe to call more than once.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Infof("%s: stopped on port %d", s.name, s.port)
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.running.Load() {
				log.Debugf("%s: accept: %v", s.name, err)
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handle(conn)
		}()
	}
}

// RemoteIP extracts the bare host from a connection's remote address.
func RemoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
