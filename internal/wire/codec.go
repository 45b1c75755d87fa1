package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single envelope's encoded body length, guarding
// against a corrupt or malicious length prefix driving an unbounded
// allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteEnvelope serializes env and writes it to w as one length-framed
// frame: a 4-byte big-endian length prefix followed by that many bytes of
// msgpack-encoded envelope. Writes are serialized by mu so that two
// goroutines sharing the same connection (a handler's response and an
// unsolicited FORWARD write, say) never interleave partial frames.
func WriteEnvelope(w io.Writer, mu *sync.Mutex, env *Envelope) error {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("wire: encoded envelope too large: %d bytes", len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-framed envelope from r, blocking until a
// full frame is available. A clean EOF before any bytes of the next frame
// have arrived is returned as io.EOF; an EOF in the middle of a frame
// (length prefix read but body short) is returned as
// io.ErrUnexpectedEOF via io.ReadFull. Per spec §4.A, a short read never
// produces a partial envelope — the caller always gets either a complete
// Envelope or an error.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &env, nil
}
