// Package testutil provides a minimal three-channel test client for
// driving internal/server end-to-end, narrowed to test-harness scope:
// dial CTRL/SEND/RECV, send an INIT, and exchange envelopes. This is not
// a client SDK (out of scope per spec.md), only a harness used from
// _test.go files across the module.
package testutil

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tenzoki/nsb/internal/wire"
)

// Client is a connected test peer with its own CTRL/SEND/RECV streams,
// adapted from the teacher's connection-management shape in
// internal/client/broker.go (dial, then encode/decode over the
// connection) but narrowed to exactly what a test needs.
type Client struct {
	Identifier string

	Ctrl net.Conn
	Send net.Conn
	Recv net.Conn

	ctrlMu sync.Mutex
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// Dial connects three fresh TCP streams to addr and returns an unregistered
// Client; call Init to complete the broker's INIT handshake.
func Dial(addr, identifier string) (*Client, error) {
	dialOne := func() (net.Conn, error) { return net.DialTimeout("tcp", addr, 3*time.Second) }

	ctrl, err := dialOne()
	if err != nil {
		return nil, fmt.Errorf("testutil: dial ctrl: %w", err)
	}
	send, err := dialOne()
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("testutil: dial send: %w", err)
	}
	recv, err := dialOne()
	if err != nil {
		ctrl.Close()
		send.Close()
		return nil, fmt.Errorf("testutil: dial recv: %w", err)
	}

	return &Client{Identifier: identifier, Ctrl: ctrl, Send: send, Recv: recv}, nil
}

func localPort(c net.Conn) string {
	_, port, _ := net.SplitHostPort(c.LocalAddr().String())
	return port
}

// Init sends the INIT envelope (declaring this client's three local
// ports, per spec §4.C) as og and waits for the broker's response.
func (c *Client) Init(og wire.Originator) (*wire.Envelope, error) {
	localAddr, _, err := net.SplitHostPort(c.Ctrl.LocalAddr().String())
	if err != nil {
		return nil, err
	}

	env := &wire.Envelope{
		Manifest: wire.Manifest{Op: wire.OpInit, Og: og, Code: wire.CodeClientRequest},
		Intro: &wire.Intro{
			Identifier: c.Identifier,
			Address:    localAddr,
			ChCTRL:     localPort(c.Ctrl),
			ChSEND:     localPort(c.Send),
			ChRECV:     localPort(c.Recv),
		},
	}
	if err := c.writeCtrl(env); err != nil {
		return nil, err
	}
	return c.readCtrl()
}

// SendOn writes env on the SEND stream (no response expected in PULL mode).
func (c *Client) SendOn(env *wire.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	var mu sync.Mutex
	return wire.WriteEnvelope(c.Send, &mu, env)
}

// Ctrl request/response helpers (PING, FETCH, RECEIVE, EXIT all go over CTRL).
func (c *Client) writeCtrl(env *wire.Envelope) error {
	var mu sync.Mutex
	return wire.WriteEnvelope(c.Ctrl, &mu, env)
}

func (c *Client) readCtrl() (*wire.Envelope, error) {
	c.Ctrl.SetReadDeadline(time.Now().Add(5 * time.Second))
	return wire.ReadEnvelope(c.Ctrl)
}

// Request writes env on CTRL and returns the broker's response.
func (c *Client) Request(env *wire.Envelope) (*wire.Envelope, error) {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if err := c.writeCtrl(env); err != nil {
		return nil, err
	}
	return c.readCtrl()
}

// ReadForward blocks on RECV for one unsolicited FORWARD envelope
// (PUSH-mode delivery).
func (c *Client) ReadForward() (*wire.Envelope, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.Recv.SetReadDeadline(time.Now().Add(5 * time.Second))
	return wire.ReadEnvelope(c.Recv)
}

// Close closes all three streams.
func (c *Client) Close() {
	c.Ctrl.Close()
	c.Send.Close()
	c.Recv.Close()
}
