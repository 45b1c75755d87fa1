// Package dispatch implements the op dispatcher and verb handlers (spec
// §4.E/F): every inbound envelope is routed by its manifest.op to a
// table-registered handler (§9 design note: "a table of function-valued
// entries keyed by verb"), which mutates the shared registry/buffers/store
// and optionally produces a response envelope.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/tenzoki/nsb/internal/config"
	"github.com/tenzoki/nsb/internal/metrics"
	"github.com/tenzoki/nsb/internal/queue"
	"github.com/tenzoki/nsb/internal/registry"
	"github.com/tenzoki/nsb/internal/store"
	"github.com/tenzoki/nsb/internal/wire"
)

// forwardWriteTimeout bounds the unsolicited FORWARD write onto a peer's
// RECV stream during PUSH-mode delivery (spec §5: "a bounded-timeout
// write on a peer RECV stream in PUSH forwarding" is one of only three
// permitted blocking points). Not configurable: spec §6 does not list a
// forward-timeout field among the broker's external configuration.
const forwardWriteTimeout = 5 * time.Second

// Transport abstracts writing an envelope to an arbitrary channel handle,
// so the dispatcher never depends on internal/server's connection type.
// The connection server supplies the concrete implementation.
type Transport interface {
	// Write serializes and sends env on the connection owning handle.
	Write(handle registry.Handle, env *wire.Envelope) error
	// WriteWithTimeout is like Write but bounds the underlying write with
	// a deadline, for the PUSH-forwarding path.
	WriteWithTimeout(handle registry.Handle, env *wire.Envelope, timeout time.Duration) error
}

// HandlerFunc processes one inbound envelope arriving on from (the
// channel handle it was read from). It returns an outbound envelope and
// respond=true if a response must be written back to from.
type HandlerFunc func(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (out *wire.Envelope, respond bool)

// Dispatcher holds the shared broker state and the table of verb handlers.
type Dispatcher struct {
	Registry  *registry.Registry
	TX        *queue.Buffer
	RX        *queue.Buffer
	Store     store.Store
	Config    *config.Config
	Metrics   *metrics.Metrics
	Transport Transport

	// Running is cleared by the EXIT handler; the connection server polls
	// it once per tick (Server.watchRunning) and then shuts down (spec
	// §4.G step 5 / §5 cancellation).
	Running *bool

	handlers map[wire.Op]HandlerFunc
}

// New builds a Dispatcher with the full verb table installed.
func New(reg *registry.Registry, tx, rx *queue.Buffer, st store.Store, cfg *config.Config, m *metrics.Metrics, tr Transport, running *bool) *Dispatcher {
	d := &Dispatcher{
		Registry:  reg,
		TX:        tx,
		RX:        rx,
		Store:     st,
		Config:    cfg,
		Metrics:   m,
		Transport: tr,
		Running:   running,
	}
	d.handlers = map[wire.Op]HandlerFunc{
		wire.OpInit:    handleInit,
		wire.OpPing:    handlePing,
		wire.OpSend:    handleSend,
		wire.OpFetch:   handleFetch,
		wire.OpPost:    handlePost,
		wire.OpReceive: handleReceive,
		wire.OpExit:    handleExit,
	}
	return d
}

// Dispatch routes in, originating from the connection handle from, to its
// table-registered handler and returns whatever response (if any) the
// handler produced. An op with no table entry is a protocol violation
// (spec §4.E "Unknown operation"): FAILURE PING response, never a
// disconnect.
func (d *Dispatcher) Dispatch(ctx context.Context, from registry.Handle, in *wire.Envelope) (*wire.Envelope, bool) {
	d.Metrics.RecordOp(ctx, in.Manifest.Op)

	client, _ := d.Registry.LookupByHandle(from)

	h, ok := d.handlers[in.Manifest.Op]
	if !ok {
		return unknownOpResponse(), true
	}
	return h(d, ctx, from, client, in)
}

func unknownOpResponse() *wire.Envelope {
	return &wire.Envelope{Manifest: wire.Manifest{Op: wire.OpPing, Og: wire.OgDaemon, Code: wire.CodeFailure}}
}

func failureResponse(op wire.Op) *wire.Envelope {
	return &wire.Envelope{Manifest: wire.Manifest{Op: op, Og: wire.OgDaemon, Code: wire.CodeFailure}}
}

// handleInit implements spec §4.E INIT: resolve the three pending channel
// handles declared in intro, register the resulting client, and respond
// with the broker's configuration on success. A failed match/duplicate/
// SYSTEM_WIDE-cap check leaves the registry untouched (internal/registry's
// RegisterFromIntro is atomic for exactly this reason) and responds
// FAILURE rather than disconnecting (spec §7).
func handleInit(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	if in.Intro == nil {
		return failureResponse(wire.OpInit), true
	}

	role := in.Manifest.Og
	if role != wire.OgAppClient && role != wire.OgSimClient {
		return failureResponse(wire.OpInit), true
	}

	if _, err := d.Registry.RegisterFromIntro(role, in.Intro); err != nil {
		log.Printf("dispatch: INIT for %q rejected: %v", in.Intro.Identifier, err)
		return failureResponse(wire.OpInit), true
	}

	return &wire.Envelope{
		Manifest: wire.Manifest{Op: wire.OpInit, Og: wire.OgDaemon, Code: wire.CodeSuccess},
		Config:   configBody(d.Config),
	}, true
}

func configBody(cfg *config.Config) *wire.ConfigBody {
	body := &wire.ConfigBody{
		SystemMode:    cfg.System.Mode.String(),
		SimulatorMode: cfg.System.SimulatorMode.String(),
		UseStore:      cfg.Database.UseDB,
	}
	if cfg.Database.UseDB {
		body.StoreAddress = cfg.Database.DBAddress
		body.StorePort = cfg.Database.DBPort
		body.StoreNum = cfg.Database.DBNum
	}
	return body
}

// handlePing implements spec §4.E PING: respond immediately.
func handlePing(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	return &wire.Envelope{Manifest: wire.Manifest{Op: wire.OpPing, Og: wire.OgDaemon, Code: wire.CodeSuccess}}, true
}

// handleSend implements spec §4.E SEND (APP → broker). PULL mode appends
// to TX with no response; PUSH mode re-encodes as FORWARD and writes
// directly to the target simulator's RECV channel, per simulator_mode
// targeting. Neither branch responds to the sender.
func handleSend(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	if client == nil {
		return failureResponse(wire.OpSend), true
	}
	entry, ok := d.entryFromEnvelope(client.Identifier, in)
	if !ok {
		log.Printf("dispatch: SEND from %q: store failure, dropping", client.Identifier)
		return nil, false
	}

	if d.Config.System.Mode == config.ModePull {
		d.TX.PushBack(entry)
		d.Metrics.TXDepthDelta(ctx, 1)
		return nil, false
	}

	d.forwardToSimulator(ctx, client.Identifier, entry, in)
	return nil, false
}

// handlePost implements spec §4.E POST (SIM → broker). Requires
// code == MESSAGE. PULL mode appends to RX; PUSH mode forwards directly to
// the app whose identifier equals dest_id. A missing destination is logged
// and dropped (spec §4.E "Missing destination → log and drop").
func handlePost(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	if client == nil || in.Manifest.Code != wire.CodeMessage {
		return failureResponse(wire.OpPost), true
	}
	entry, ok := d.entryFromEnvelope(client.Identifier, in)
	if !ok {
		log.Printf("dispatch: POST from %q: store failure, dropping", client.Identifier)
		return nil, false
	}

	if d.Config.System.Mode == config.ModePull {
		d.RX.PushBack(entry)
		d.Metrics.RXDepthDelta(ctx, 1)
		return nil, false
	}

	destID := in.DestID()
	dest, ok := d.Registry.LookupByID(wire.OgAppClient, destID)
	if !ok {
		log.Printf("dispatch: POST dest_id %q has no registered APP_CLIENT, dropping", destID)
		return nil, false
	}

	ctx, span := d.Metrics.StartForward(ctx, entry.Source, destID)
	defer span.End()
	fwd := forwardEnvelope(entry, in)
	if err := d.Transport.WriteWithTimeout(dest.RECV, fwd, forwardWriteTimeout); err != nil {
		log.Printf("dispatch: forward POST to %q: %v", destID, err)
	}
	return nil, false
}

// forwardToSimulator resolves the PUSH-mode SEND target (spec §4.E): the
// sole simulator in SYSTEM_WIDE mode, or the simulator whose identifier
// equals src_id in PER_NODE mode. A missing target is logged and dropped.
func (d *Dispatcher) forwardToSimulator(ctx context.Context, srcID string, entry queue.MessageEntry, in *wire.Envelope) {
	var target *registry.ClientDetails
	var ok bool

	if d.Config.System.SimulatorMode == config.ModeSystemWide {
		target, ok = d.Registry.SoleSimulator()
	} else {
		target, ok = d.Registry.LookupByID(wire.OgSimClient, srcID)
	}
	if !ok {
		log.Printf("dispatch: no simulator target for SEND from %q, dropping", srcID)
		return
	}

	ctx, span := d.Metrics.StartForward(ctx, srcID, target.Identifier)
	defer span.End()
	fwd := forwardEnvelope(entry, in)
	if err := d.Transport.WriteWithTimeout(target.RECV, fwd, forwardWriteTimeout); err != nil {
		log.Printf("dispatch: forward SEND to %q: %v", target.Identifier, err)
	}
}

// handleFetch implements spec §4.E FETCH (SIM → broker): pop the first TX
// entry matching src_id (or the head, if src_id is absent) and respond
// MESSAGE/NO_MESSAGE symmetrically with RECEIVE.
func handleFetch(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	entry, found := popBySource(d.TX, in.SrcID())
	if found {
		d.Metrics.TXDepthDelta(ctx, -1)
	}
	return d.responseFromEntry(wire.OpFetch, entry, found), true
}

// handleReceive implements spec §4.E RECEIVE (APP → broker): pop the
// first RX entry matching dest_id, defaulting to the caller's own
// identifier when dest_id is absent.
func handleReceive(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	destID := in.DestID()
	if destID == "" && client != nil {
		destID = client.Identifier
	}
	entry, found := popByDestination(d.RX, destID)
	if found {
		d.Metrics.RXDepthDelta(ctx, -1)
	}
	return d.responseFromEntry(wire.OpReceive, entry, found), true
}

// popBySource implements TX's FETCH filter (entry.source == src_id); an
// empty filterID falls back to the absolute head (spec §4.E/§4.D).
func popBySource(b *queue.Buffer, filterID string) (queue.MessageEntry, bool) {
	if filterID == "" {
		return b.PopFront()
	}
	return b.PopFirstWhere(func(e queue.MessageEntry) bool { return e.Source == filterID })
}

// popByDestination implements RX's RECEIVE filter (entry.destination ==
// dest_id).
func popByDestination(b *queue.Buffer, filterID string) (queue.MessageEntry, bool) {
	if filterID == "" {
		return b.PopFront()
	}
	return b.PopFirstWhere(func(e queue.MessageEntry) bool { return e.Destination == filterID })
}

// responseFromEntry builds the FETCH/RECEIVE response envelope for op: a
// NO_MESSAGE code if nothing was found, else a MESSAGE code carrying the
// entry's payload or msg_key plus its metadata. Per invariant 6, the wire
// body stays a key (never decoded bytes) whenever the entry is
// store-backed — the broker only consults the store to check the key is
// still live, via a non-destructive Peek (spec §4.B/§7: "store failures
// ... the broker responds NO_MESSAGE and logs"); the actual check_out is
// left to the eventual recipient, who reaches the shared store directly
// using the db_address/db_port/db_num replayed in the INIT config reply.
func (d *Dispatcher) responseFromEntry(op wire.Op, entry queue.MessageEntry, found bool) *wire.Envelope {
	if !found {
		return &wire.Envelope{Manifest: wire.Manifest{Op: op, Og: wire.OgDaemon, Code: wire.CodeNoMessage}}
	}

	if entry.UsesStore {
		if d.Store == nil {
			log.Printf("dispatch: %s: entry for %q uses store key %q but no store is configured, dropping", op, entry.Destination, entry.PayloadKey)
			return &wire.Envelope{Manifest: wire.Manifest{Op: op, Og: wire.OgDaemon, Code: wire.CodeNoMessage}}
		}
		if _, ok := d.Store.Peek(entry.PayloadKey); !ok {
			log.Printf("dispatch: %s: store key %q for %q is gone, responding NO_MESSAGE", op, entry.PayloadKey, entry.Destination)
			return &wire.Envelope{Manifest: wire.Manifest{Op: op, Og: wire.OgDaemon, Code: wire.CodeNoMessage}}
		}
	}

	out := &wire.Envelope{
		Manifest: wire.Manifest{Op: op, Og: wire.OgDaemon, Code: wire.CodeMessage},
		Metadata: &wire.Metadata{SrcID: entry.Source, DestID: entry.Destination, PayloadSize: entry.PayloadSize},
	}
	if entry.UsesStore {
		out.MsgKey = entry.PayloadKey
	} else {
		out.Payload = entry.PayloadBytes
	}
	return out
}

// entryFromEnvelope builds a MessageEntry from a SEND/POST envelope (spec
// §4.E: "payload_obj is msg_key when use_store is true, else payload
// bytes"; invariant 6: "when use_store is true, payload_obj on the wire
// is always a key"). srcID is the caller's registered identifier, used as
// the entry's source regardless of what the envelope's own src_id claims.
//
// A sender that already resolved its own payload to a store key (having
// dialed the shared store directly using a prior INIT's connection
// details) is passed through unchanged. A sender that instead put raw
// bytes on the wire while use_store is configured true is not trusted to
// honor invariant 6 itself: the broker calls Store.Store here and
// replaces the entry's payload with the resulting key, so the invariant
// holds regardless of what the sender did. ok is false only when that
// broker-side store call itself fails, in which case the caller logs and
// drops rather than queuing an entry with no retrievable payload.
func (d *Dispatcher) entryFromEnvelope(srcID string, in *wire.Envelope) (queue.MessageEntry, bool) {
	entry := queue.MessageEntry{
		Source:      srcID,
		Destination: in.DestID(),
	}
	if in.Metadata != nil {
		entry.PayloadSize = in.Metadata.PayloadSize
	} else {
		entry.PayloadSize = int32(len(in.Payload))
	}

	switch {
	case in.MsgKey != "":
		entry.UsesStore = true
		entry.PayloadKey = in.MsgKey
	case d.Config.Database.UseDB && d.Store != nil:
		key, err := d.Store.Store(srcID, in.Payload)
		if err != nil {
			log.Printf("dispatch: store payload for %q: %v", srcID, err)
			return queue.MessageEntry{}, false
		}
		entry.UsesStore = true
		entry.PayloadKey = key
	default:
		entry.PayloadBytes = in.Payload
	}
	return entry, true
}

// forwardEnvelope re-encodes entry as an internal FORWARD envelope (spec
// §4.E SEND/POST PUSH branches: "re-encode the envelope with op =
// FORWARD").
func forwardEnvelope(entry queue.MessageEntry, in *wire.Envelope) *wire.Envelope {
	out := &wire.Envelope{
		Manifest: wire.Manifest{Op: wire.OpForward, Og: wire.OgDaemon, Code: in.Manifest.Code},
		Metadata: &wire.Metadata{SrcID: entry.Source, DestID: entry.Destination, PayloadSize: entry.PayloadSize},
	}
	if entry.UsesStore {
		out.MsgKey = entry.PayloadKey
	} else {
		out.Payload = entry.PayloadBytes
	}
	return out
}

// handleExit implements spec §4.E EXIT: clears the running flag
// cooperatively (spec §5 "EXIT is cooperative"); the connection server
// observes it on its next tick. No response is sent.
func handleExit(d *Dispatcher, ctx context.Context, from registry.Handle, client *registry.ClientDetails, in *wire.Envelope) (*wire.Envelope, bool) {
	if d.Running != nil {
		*d.Running = false
	}
	return nil, false
}
