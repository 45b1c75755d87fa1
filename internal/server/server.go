// Package server implements the connection server (spec §4.G): it binds
// one TCP listen endpoint, accepts client streams, frames inbound
// envelopes, and routes them through internal/dispatch.
//
// Concurrency model: per-connection workers (spec §5, the second of the
// two acceptable choices). The accept loop spawns one goroutine per
// accepted connection; that goroutine is the sole reader of its
// connection and is the only goroutine that ever calls ReadEnvelope on
// it. Writes — including unsolicited FORWARD envelopes written by a
// different client's handler goroutine during PUSH-mode forwarding — go
// through that connection's own write mutex, so concurrent writers never
// interleave frames. Lock order is always registry then buffer, matching
// internal/dispatch's own handlers; the server itself never holds a
// buffer mutex. A single-threaded multiplex loop was the alternative,
// but it would force every handler (including the bounded-timeout PUSH
// write of spec §5) to run to completion before the next envelope on any
// other connection could be serviced; per-connection workers let a slow
// PUSH write on one client stall only that goroutine.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tenzoki/nsb/internal/dispatch"
	"github.com/tenzoki/nsb/internal/registry"
	"github.com/tenzoki/nsb/internal/wire"
)

// connHandle is the registry.Handle/dispatch.Transport target for one
// accepted TCP connection. It owns the write mutex wire.WriteEnvelope
// requires, so FORWARD writes from another goroutine and this
// connection's own response writes never interleave.
type connHandle struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

// Server owns the listen socket and the live set of accepted connections.
type Server struct {
	Address     string
	TickPeriod  time.Duration
	Dispatcher  *dispatch.Dispatcher
	Registry    *registry.Registry
	Running     *bool

	listener net.Listener
	ready    chan struct{}
	readyOne sync.Once

	mu      sync.Mutex
	handles map[*connHandle]struct{}
}

// New builds a Server bound to address but does not yet listen.
func New(address string, tickPeriod time.Duration, d *dispatch.Dispatcher, reg *registry.Registry, running *bool) *Server {
	return &Server{
		Address:    address,
		TickPeriod: tickPeriod,
		Dispatcher: d,
		Registry:   reg,
		Running:    running,
		handles:    make(map[*connHandle]struct{}),
		ready:      make(chan struct{}),
	}
}

// Addr blocks until the listen socket is bound, then returns its address.
// Intended for tests that need the ephemeral port Run chose.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// reuseAddrControl configures SO_REUSEADDR on the listen socket (spec
// §4.G "address reuse"), via golang.org/x/sys/unix rather than relying on
// the OS default.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Run binds the listen endpoint and services it until ctx is cancelled or
// *s.Running is observed false on a tick boundary (spec §4.G step 5 / §5
// cancellation). It returns once the listener and every accepted
// connection have been closed.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}

	listener, err := lc.Listen(ctx, "tcp", s.Address)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	s.readyOne.Do(func() { close(s.ready) })
	log.Printf("server: listening on %s", s.Address)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watchRunning(runCtx, cancel)

	go func() {
		<-runCtx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if runCtx.Err() != nil {
				s.closeAll()
				return nil
			}
			log.Printf("server: accept error: %v", err)
			continue
		}
		s.acceptConn(runCtx, conn)
	}
}

// watchRunning polls *s.Running every TickPeriod (spec §4.G step 2's
// "bounded tick (≈10s); tick expirations are normal") and cancels the
// server's context the first time it observes false, cooperatively
// unwinding the accept loop and every connection goroutine.
func (s *Server) watchRunning(ctx context.Context, cancel context.CancelFunc) {
	if s.Running == nil {
		return
	}
	ticker := time.NewTicker(s.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !*s.Running {
				cancel()
				return
			}
		}
	}
}

// acceptConn registers conn as a pending connection and spawns its
// per-connection read worker (spec §5 "per-connection workers").
func (s *Server) acceptConn(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true) // spec §4.G: "disables Nagle-style batching"
	}

	h := &connHandle{id: uuid.New().String(), conn: conn}
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	log.Printf("server: accepted %s from %s", h.id, conn.RemoteAddr())
	s.Registry.AddPending(h, conn.RemoteAddr().String())

	go s.serveConn(ctx, h)
}

// serveConn is the per-connection worker: it owns the blocking read loop
// for h's connection and is the only goroutine that ever reads from it.
func (s *Server) serveConn(ctx context.Context, h *connHandle) {
	defer s.dropConn(h)

	for {
		env, err := wire.ReadEnvelope(h.conn)
		if err != nil {
			return
		}

		out, respond := s.Dispatcher.Dispatch(ctx, h, env)
		if !respond {
			continue
		}
		if writeErr := s.Write(h, out); writeErr != nil {
			log.Printf("server: write response on %s: %v", h.conn.RemoteAddr(), writeErr)
			return
		}
	}
}

// Write implements dispatch.Transport: it serializes env onto the
// connection owning handle, serialized by that connection's own write
// mutex so a concurrent FORWARD write from another client's worker
// goroutine can never interleave with it. The write is unbounded; use
// WriteWithTimeout for the PUSH-forwarding path spec §5 requires to be
// bounded.
func (s *Server) Write(handle registry.Handle, env *wire.Envelope) error {
	h, ok := handle.(*connHandle)
	if !ok {
		return fmt.Errorf("server: handle %v is not a connection", handle)
	}
	return wire.WriteEnvelope(h.conn, &h.writeMu, env)
}

// WriteWithTimeout implements dispatch.Transport: like Write, but bounds
// the underlying socket write with a deadline (spec §5's one permitted
// bounded-timeout blocking point besides the accept-loop readiness wait
// and store operations — "a bounded-timeout write on a peer RECV stream
// in PUSH forwarding"), so a wedged or slow peer stalls only the
// forwarding goroutine for at most timeout, not indefinitely. The
// deadline is cleared again once the write returns, so it never leaks
// into that connection's own later reads/writes.
func (s *Server) WriteWithTimeout(handle registry.Handle, env *wire.Envelope, timeout time.Duration) error {
	h, ok := handle.(*connHandle)
	if !ok {
		return fmt.Errorf("server: handle %v is not a connection", handle)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("server: set write deadline: %w", err)
	}
	defer h.conn.SetWriteDeadline(time.Time{})

	return wire.WriteEnvelope(h.conn, nil, env)
}

// dropConn unregisters h from both the pending set and the identified
// registry (whichever applies), closes its connection, and forgets it.
func (s *Server) dropConn(h *connHandle) {
	s.Registry.RemovePending(h)
	s.Registry.UnregisterByHandle(h)
	h.conn.Close()

	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

// closeAll closes every live connection, used when the server is shutting
// down (spec §4.G step 5: "close all client handles, then the listen
// handle").
func (s *Server) closeAll() {
	s.mu.Lock()
	handles := make([]*connHandle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.dropConn(h)
	}
}
