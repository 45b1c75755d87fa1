// Package registry implements the channel registry (spec §4.C): matching
// freshly accepted, not-yet-identified connections to a client's INIT
// intro, then indexing the resulting ClientDetails by (identifier, role)
// and by channel handle, per the §9 design note that a ClientDetails is
// one record exposed through two indices rather than three owning
// channel references.
package registry

import (
	"fmt"
	"sync"

	"github.com/tenzoki/nsb/internal/wire"
)

// Handle is an opaque, comparable identifier for one accepted connection
// (the broker-side "channel handle" of spec §4.C). The server package
// supplies concrete values; the registry only ever compares and stores
// them.
type Handle interface{}

// ClientDetails is a registered client (spec §3).
type ClientDetails struct {
	Identifier string
	Address    string
	Role       wire.Originator

	CTRL Handle
	SEND Handle
	RECV Handle
}

type clientKey struct {
	identifier string
	role       wire.Originator
}

// pendingEntry records an accepted-but-not-yet-identified connection.
type pendingEntry struct {
	handle     Handle
	remoteAddr string // "ip:port" as observed by the broker
}

// Registry holds pending and identified connections.
type Registry struct {
	mu sync.Mutex

	pending map[Handle]pendingEntry

	byKey     map[clientKey]*ClientDetails
	byHandle  map[Handle]*ClientDetails
	openCount map[*ClientDetails]int

	simulatorSystemWide bool
	simCount            int
}

// New creates an empty registry. simulatorSystemWide enforces invariant 3
// of spec §3: at most one SIM_CLIENT may ever be registered when true.
func New(simulatorSystemWide bool) *Registry {
	return &Registry{
		pending:             make(map[Handle]pendingEntry),
		byKey:               make(map[clientKey]*ClientDetails),
		byHandle:            make(map[Handle]*ClientDetails),
		openCount:           make(map[*ClientDetails]int),
		simulatorSystemWide: simulatorSystemWide,
	}
}

// AddPending records a freshly accepted connection, not yet matched to
// any client, together with its broker-observed remote address
// ("ip:port") that MatchIntro compares against.
func (r *Registry) AddPending(handle Handle, remoteAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[handle] = pendingEntry{handle: handle, remoteAddr: remoteAddr}
}

// RemovePending discards a pending connection (e.g. it disconnected
// before ever sending INIT).
func (r *Registry) RemovePending(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, handle)
}

// MatchIntro resolves an INIT's three declared channel ports against the
// pending connections observed from intro.Address, returning the three
// channel handles if all three are found. Matched handles are removed
// from the pending set (spec §4.C: "it becomes identified when its INIT
// envelope arrives ... and its intro.address:port matches the
// broker-observed peer for each of CTRL, SEND, RECV").
func (r *Registry) MatchIntro(intro *wire.Intro) (ctrl, send, recv Handle, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchIntroLocked(intro, true)
}

// matchIntroLocked must be called with r.mu held. When consume is true,
// a full match removes the three handles from the pending set.
func (r *Registry) matchIntroLocked(intro *wire.Intro, consume bool) (ctrl, send, recv Handle, ok bool) {
	want := map[string]string{
		intro.Address + ":" + intro.ChCTRL: "ctrl",
		intro.Address + ":" + intro.ChSEND: "send",
		intro.Address + ":" + intro.ChRECV: "recv",
	}

	found := make(map[string]Handle, 3)
	for h, pe := range r.pending {
		if role, matched := want[pe.remoteAddr]; matched {
			found[role] = h
		}
	}

	if len(found) != 3 {
		return nil, nil, nil, false
	}

	if consume {
		delete(r.pending, found["ctrl"])
		delete(r.pending, found["send"])
		delete(r.pending, found["recv"])
	}
	return found["ctrl"], found["send"], found["recv"], true
}

// RegisterFromIntro resolves intro's three declared channel ports against
// the pending set and registers the resulting ClientDetails under role,
// as one atomic operation: on any failure (incomplete channel match,
// duplicate identifier, or a SYSTEM_WIDE simulator slot already taken)
// the pending set and registry are left completely unchanged, so a
// protocol-violation response (spec §7) never leaks a half-matched
// connection.
func (r *Registry) RegisterFromIntro(role wire.Originator, intro *wire.Intro) (*ClientDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey{identifier: intro.Identifier, role: role}
	if _, exists := r.byKey[key]; exists {
		return nil, fmt.Errorf("registry: duplicate identifier %q for role %s", intro.Identifier, role)
	}
	if role == wire.OgSimClient && r.simulatorSystemWide && r.simCount >= 1 {
		return nil, fmt.Errorf("registry: a SIM_CLIENT is already registered in SYSTEM_WIDE mode")
	}

	ctrl, send, recv, ok := r.matchIntroLocked(intro, false)
	if !ok {
		return nil, fmt.Errorf("registry: INIT channel ports for %q did not match three pending connections", intro.Identifier)
	}
	delete(r.pending, ctrl)
	delete(r.pending, send)
	delete(r.pending, recv)

	details := &ClientDetails{
		Identifier: intro.Identifier,
		Address:    intro.Address,
		Role:       role,
		CTRL:       ctrl,
		SEND:       send,
		RECV:       recv,
	}

	r.byKey[key] = details
	r.byHandle[ctrl] = details
	r.byHandle[send] = details
	r.byHandle[recv] = details
	r.openCount[details] = 3
	if role == wire.OgSimClient {
		r.simCount++
	}
	return details, nil
}

// Register adds details to the registry. It fails if (identifier, role)
// is already registered (invariant 4), or if details.Role is SIM_CLIENT,
// the registry was built with simulatorSystemWide, and a simulator is
// already registered (invariant 3).
func (r *Registry) Register(details *ClientDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey{identifier: details.Identifier, role: details.Role}
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("registry: duplicate identifier %q for role %s", details.Identifier, details.Role)
	}

	if details.Role == wire.OgSimClient && r.simulatorSystemWide && r.simCount >= 1 {
		return fmt.Errorf("registry: a SIM_CLIENT is already registered in SYSTEM_WIDE mode")
	}

	r.byKey[key] = details
	r.byHandle[details.CTRL] = details
	r.byHandle[details.SEND] = details
	r.byHandle[details.RECV] = details
	r.openCount[details] = 3

	if details.Role == wire.OgSimClient {
		r.simCount++
	}
	return nil
}

// SoleSimulator returns the one registered SIM_CLIENT, for SYSTEM_WIDE
// PUSH-mode forwarding (spec §4.E SEND: "simulator_mode == SYSTEM_WIDE:
// the sole simulator"). ok is false if zero or more than one is
// registered — the latter cannot happen under simulatorSystemWide
// enforcement, but a PER_NODE broker calling this in SYSTEM_WIDE-shaped
// code would rather fail closed than guess.
func (r *Registry) SoleSimulator() (*ClientDetails, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *ClientDetails
	count := 0
	for key, d := range r.byKey {
		if key.role == wire.OgSimClient {
			found = d
			count++
		}
	}
	if count != 1 {
		return nil, false
	}
	return found, true
}

// LookupByID returns the ClientDetails registered under (role, id).
func (r *Registry) LookupByID(role wire.Originator, id string) (*ClientDetails, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byKey[clientKey{identifier: id, role: role}]
	return d, ok
}

// LookupByHandle returns the ClientDetails owning handle (any of its
// three channels).
func (r *Registry) LookupByHandle(handle Handle) (*ClientDetails, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byHandle[handle]
	return d, ok
}

// Unregister removes the client registered under (role, id) outright,
// regardless of how many of its three channels are still open. Used for
// forced teardown (e.g. a rejected-and-abandoned registration); ordinary
// channel-close bookkeeping goes through UnregisterByHandle instead.
func (r *Registry) Unregister(role wire.Originator, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey{identifier: id, role: role}
	d, ok := r.byKey[key]
	if !ok {
		return
	}
	r.teardownLocked(key, d)
}

// teardownLocked must be called with r.mu held. It removes every index
// entry for d and decrements simCount if applicable.
func (r *Registry) teardownLocked(key clientKey, d *ClientDetails) {
	delete(r.byKey, key)
	delete(r.byHandle, d.CTRL)
	delete(r.byHandle, d.SEND)
	delete(r.byHandle, d.RECV)
	delete(r.openCount, d)
	if key.role == wire.OgSimClient {
		r.simCount--
	}
}

// UnregisterByHandle records that handle's channel has closed. A
// ClientDetails is only fully torn down once all three of its channels
// have closed (spec §3: "destroyed when all three channels close") — the
// first two calls just drop that one handle's byHandle entry and
// decrement the client's open-channel count, leaving the other two
// indices intact; the third call removes the client entirely. ok reports
// whether this call caused full teardown; the returned ClientDetails is
// non-nil whenever handle was known, whether or not this was the call
// that fully closed it.
func (r *Registry) UnregisterByHandle(handle Handle) (*ClientDetails, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}

	delete(r.byHandle, handle)
	r.openCount[d]--
	if r.openCount[d] > 0 {
		return d, false
	}

	key := clientKey{identifier: d.Identifier, role: d.Role}
	r.teardownLocked(key, d)
	return d, true
}
