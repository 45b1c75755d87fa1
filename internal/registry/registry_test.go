package registry

import (
	"testing"

	"github.com/tenzoki/nsb/internal/wire"
)

func TestMatchIntroResolvesThreeChannels(t *testing.T) {
	r := New(false)

	ctrlH, sendH, recvH := "h-ctrl", "h-send", "h-recv"
	r.AddPending(ctrlH, "10.0.0.1:4001")
	r.AddPending(sendH, "10.0.0.1:4002")
	r.AddPending(recvH, "10.0.0.1:4003")

	intro := &wire.Intro{
		Identifier: "app_A",
		Address:    "10.0.0.1",
		ChCTRL:     "4001",
		ChSEND:     "4002",
		ChRECV:     "4003",
	}

	gotCtrl, gotSend, gotRecv, ok := r.MatchIntro(intro)
	if !ok {
		t.Fatal("MatchIntro: expected ok=true")
	}
	if gotCtrl != ctrlH || gotSend != sendH || gotRecv != recvH {
		t.Errorf("MatchIntro = %v,%v,%v, want %v,%v,%v", gotCtrl, gotSend, gotRecv, ctrlH, sendH, recvH)
	}

	// Matched handles must no longer be pending.
	if _, _, _, ok := r.MatchIntro(intro); ok {
		t.Error("second MatchIntro with same intro should fail: handles were consumed")
	}
}

func TestMatchIntroIncomplete(t *testing.T) {
	r := New(false)
	r.AddPending("h-ctrl", "10.0.0.1:4001")
	// SEND and RECV never connected.

	intro := &wire.Intro{Address: "10.0.0.1", ChCTRL: "4001", ChSEND: "4002", ChRECV: "4003"}
	if _, _, _, ok := r.MatchIntro(intro); ok {
		t.Error("MatchIntro should fail when not all three channels are pending")
	}
}

func TestDuplicateIdentifierRejected(t *testing.T) {
	r := New(false)
	d := &ClientDetails{Identifier: "x", Address: "1.2.3.4", Role: wire.OgAppClient, CTRL: "a", SEND: "b", RECV: "c"}
	if err := r.Register(d); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	d2 := &ClientDetails{Identifier: "x", Address: "1.2.3.4", Role: wire.OgAppClient, CTRL: "a2", SEND: "b2", RECV: "c2"}
	if err := r.Register(d2); err == nil {
		t.Fatal("second Register with same identifier should fail")
	}

	got, ok := r.LookupByID(wire.OgAppClient, "x")
	if !ok || got.CTRL != "a" {
		t.Errorf("registry state changed after rejected duplicate: %+v", got)
	}
}

func TestSystemWideRejectsSecondSimulator(t *testing.T) {
	r := New(true)
	sim1 := &ClientDetails{Identifier: "sim1", Role: wire.OgSimClient, CTRL: "a", SEND: "b", RECV: "c"}
	if err := r.Register(sim1); err != nil {
		t.Fatalf("first sim Register: %v", err)
	}

	sim2 := &ClientDetails{Identifier: "sim2", Role: wire.OgSimClient, CTRL: "d", SEND: "e", RECV: "f"}
	if err := r.Register(sim2); err == nil {
		t.Fatal("second SIM_CLIENT in SYSTEM_WIDE mode should fail")
	}
}

func TestPerNodeAllowsMultipleSimulators(t *testing.T) {
	r := New(false)
	sim1 := &ClientDetails{Identifier: "sim1", Role: wire.OgSimClient, CTRL: "a", SEND: "b", RECV: "c"}
	sim2 := &ClientDetails{Identifier: "sim2", Role: wire.OgSimClient, CTRL: "d", SEND: "e", RECV: "f"}
	if err := r.Register(sim1); err != nil {
		t.Fatalf("sim1 Register: %v", err)
	}
	if err := r.Register(sim2); err != nil {
		t.Fatalf("sim2 Register in PER_NODE mode should succeed: %v", err)
	}
}

func TestRegisterFromIntroSucceeds(t *testing.T) {
	r := New(true)
	r.AddPending("ctrl", "10.0.0.1:1")
	r.AddPending("send", "10.0.0.1:2")
	r.AddPending("recv", "10.0.0.1:3")

	intro := &wire.Intro{Identifier: "app_A", Address: "10.0.0.1", ChCTRL: "1", ChSEND: "2", ChRECV: "3"}
	details, err := r.RegisterFromIntro(wire.OgAppClient, intro)
	if err != nil {
		t.Fatalf("RegisterFromIntro: %v", err)
	}
	if details.CTRL != "ctrl" || details.SEND != "send" || details.RECV != "recv" {
		t.Errorf("unexpected handles: %+v", details)
	}

	got, ok := r.LookupByID(wire.OgAppClient, "app_A")
	if !ok || got != details {
		t.Error("client not registered after RegisterFromIntro")
	}
}

// TestRegisterFromIntroDuplicateLeavesPendingIntact is the atomicity
// regression test: a duplicate-identifier INIT must not consume the three
// pending connections it would otherwise have matched (spec §7: respond
// FAILURE, do not disconnect; registry state unchanged).
func TestRegisterFromIntroDuplicateLeavesPendingIntact(t *testing.T) {
	r := New(false)
	first := &ClientDetails{Identifier: "x", Role: wire.OgAppClient, CTRL: "a", SEND: "b", RECV: "c"}
	if err := r.Register(first); err != nil {
		t.Fatalf("seed Register: %v", err)
	}

	r.AddPending("ctrl2", "10.0.0.2:1")
	r.AddPending("send2", "10.0.0.2:2")
	r.AddPending("recv2", "10.0.0.2:3")

	intro := &wire.Intro{Identifier: "x", Address: "10.0.0.2", ChCTRL: "1", ChSEND: "2", ChRECV: "3"}
	if _, err := r.RegisterFromIntro(wire.OgAppClient, intro); err == nil {
		t.Fatal("RegisterFromIntro with duplicate identifier should fail")
	}

	// The three pending connections must still be matchable — nothing
	// was consumed by the rejected attempt.
	ctrl, send, recv, ok := r.MatchIntro(intro)
	if !ok || ctrl != "ctrl2" || send != "send2" || recv != "recv2" {
		t.Fatalf("pending connections were consumed by a rejected RegisterFromIntro: %v %v %v %v", ctrl, send, recv, ok)
	}
}

func TestRegisterFromIntroSystemWideCapLeavesPendingIntact(t *testing.T) {
	r := New(true)
	sim1 := &ClientDetails{Identifier: "sim1", Role: wire.OgSimClient, CTRL: "a", SEND: "b", RECV: "c"}
	if err := r.Register(sim1); err != nil {
		t.Fatalf("seed Register: %v", err)
	}

	r.AddPending("ctrl2", "10.0.0.2:1")
	r.AddPending("send2", "10.0.0.2:2")
	r.AddPending("recv2", "10.0.0.2:3")

	intro := &wire.Intro{Identifier: "sim2", Address: "10.0.0.2", ChCTRL: "1", ChSEND: "2", ChRECV: "3"}
	if _, err := r.RegisterFromIntro(wire.OgSimClient, intro); err == nil {
		t.Fatal("RegisterFromIntro should fail: SYSTEM_WIDE cap already reached")
	}

	if _, _, _, ok := r.MatchIntro(intro); !ok {
		t.Fatal("pending connections should remain matchable after a SYSTEM_WIDE-cap rejection")
	}
}

// TestUnregisterByHandleRequiresAllThreeChannels is the spec §3 regression
// test: a ClientDetails must survive until all three of its channels have
// closed, not the first one. Dropping CTRL or SEND alone must leave the
// client fully looked-up-able by the remaining handles.
func TestUnregisterByHandleRequiresAllThreeChannels(t *testing.T) {
	r := New(false)
	d := &ClientDetails{Identifier: "x", Role: wire.OgAppClient, CTRL: "a", SEND: "b", RECV: "c"}
	if err := r.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.UnregisterByHandle("b")
	if ok {
		t.Fatalf("UnregisterByHandle(b) should not fully tear down with CTRL/RECV still open, got ok=%v", ok)
	}
	if got == nil || got.Identifier != "x" {
		t.Fatalf("UnregisterByHandle(b) = %v, %v, want non-nil details for x", got, ok)
	}

	if _, ok := r.LookupByID(wire.OgAppClient, "x"); !ok {
		t.Error("client should remain registered while CTRL/RECV are still open")
	}
	if _, ok := r.LookupByHandle("a"); !ok {
		t.Error("CTRL handle index should remain while CTRL is still open")
	}
	if _, ok := r.LookupByHandle("b"); ok {
		t.Error("SEND handle index should be cleared once SEND itself closes")
	}

	if _, ok := r.UnregisterByHandle("a"); ok {
		t.Fatal("UnregisterByHandle(a) should not fully tear down with RECV still open")
	}
	if _, ok := r.LookupByID(wire.OgAppClient, "x"); !ok {
		t.Error("client should remain registered while RECV is still open")
	}

	got, ok = r.UnregisterByHandle("c")
	if !ok || got.Identifier != "x" {
		t.Fatalf("UnregisterByHandle(c) should fully tear down the last open channel: %v, %v", got, ok)
	}
	if _, ok := r.LookupByID(wire.OgAppClient, "x"); ok {
		t.Error("client should no longer be registered once all three channels closed")
	}
	if _, ok := r.LookupByHandle("c"); ok {
		t.Error("RECV handle index should be cleared too")
	}
}

// TestUnregisterByHandleUnknown exercises the not-found path.
func TestUnregisterByHandleUnknown(t *testing.T) {
	r := New(false)
	if _, ok := r.UnregisterByHandle("never-seen"); ok {
		t.Error("UnregisterByHandle on an unknown handle should report ok=false")
	}
}
