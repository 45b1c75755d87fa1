// Package wire defines the nsbm broker envelope and its length-framed
// msgpack codec (spec §4.A). Every message exchanged between a client and
// the broker, in either direction, is one Envelope.
package wire

// Op is the verb carried by an envelope's manifest.
type Op string

const (
	OpPing    Op = "PING"
	OpInit    Op = "INIT"
	OpSend    Op = "SEND"
	OpFetch   Op = "FETCH"
	OpPost    Op = "POST"
	OpReceive Op = "RECEIVE"
	OpForward Op = "FORWARD"
	OpExit    Op = "EXIT"
)

// Originator identifies who produced an envelope.
type Originator string

const (
	OgDaemon    Originator = "DAEMON"
	OgAppClient Originator = "APP_CLIENT"
	OgSimClient Originator = "SIM_CLIENT"
)

// Code classifies the semantics of an envelope beyond its op.
type Code string

const (
	CodeSuccess         Code = "SUCCESS"
	CodeFailure         Code = "FAILURE"
	CodeClientRequest   Code = "CLIENT_REQUEST"
	CodeDaemonResponse  Code = "DAEMON_RESPONSE"
	CodeImplicitTarget  Code = "IMPLICIT_TARGET"
	CodeExplicitTarget  Code = "EXPLICIT_TARGET"
	CodeMessage         Code = "MESSAGE"
	CodeNoMessage       Code = "NO_MESSAGE"
)

// Manifest is the required header of every envelope.
type Manifest struct {
	Op   Op         `msgpack:"op"`
	Og   Originator `msgpack:"og"`
	Code Code       `msgpack:"code"`
}

// Metadata carries optional routing/sizing information.
type Metadata struct {
	SrcID       string `msgpack:"src_id,omitempty"`
	DestID      string `msgpack:"dest_id,omitempty"`
	PayloadSize int32  `msgpack:"payload_size,omitempty"`
}

// Intro is the INIT body: a client's identity, address, and three channel
// ports (the local port the client is dialing from for CTRL/SEND/RECV).
type Intro struct {
	Identifier string `msgpack:"identifier"`
	Address    string `msgpack:"address"`
	ChCTRL     string `msgpack:"ch_ctrl"`
	ChSEND     string `msgpack:"ch_send"`
	ChRECV     string `msgpack:"ch_recv"`
}

// ConfigBody mirrors BrokerConfig and is replayed to clients on INIT success.
type ConfigBody struct {
	SystemMode    string `msgpack:"system_mode"`
	SimulatorMode string `msgpack:"simulator_mode"`
	UseStore      bool   `msgpack:"use_store"`
	StoreAddress  string `msgpack:"store_address,omitempty"`
	StorePort     int    `msgpack:"store_port,omitempty"`
	StoreNum      int    `msgpack:"store_num,omitempty"`
}

// Envelope is the single wire type (nsbm) carrying every broker message.
// The four body fields form a oneof: at most one is ever populated at a
// time (enforced by construction, not by the wire format itself — see the
// teacher's StorageRequest/BrokerRequest structs for the same plain-struct
// approach to an optional-variant body).
type Envelope struct {
	Manifest Manifest  `msgpack:"manifest"`
	Metadata *Metadata `msgpack:"metadata,omitempty"`

	Payload []byte      `msgpack:"payload,omitempty"`
	MsgKey  string      `msgpack:"msg_key,omitempty"`
	Intro   *Intro      `msgpack:"intro,omitempty"`
	Config  *ConfigBody `msgpack:"config,omitempty"`
}

// SrcID returns the envelope's source id, or "" if no Metadata is set.
func (e *Envelope) SrcID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.SrcID
}

// DestID returns the envelope's destination id, or "" if no Metadata is set.
func (e *Envelope) DestID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.DestID
}

// HasBody reports whether any oneof body field is populated.
func (e *Envelope) HasBody() bool {
	return e.Payload != nil || e.MsgKey != "" || e.Intro != nil || e.Config != nil
}
