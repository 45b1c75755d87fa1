// Package store implements the payload store adapter (spec §4.B): a
// narrow store/check_out/peek interface over an embedded Badger database,
// used for off-socket storage of large payloads when the broker is
// configured with use_store.
//
// Store failures are never propagated as protocol errors: CheckOut and
// Peek degrade to an ok=false return, which the dispatcher's FETCH/RECEIVE
// path folds into a NO_MESSAGE response per spec §7; Store returns an
// error, on which the dispatcher's SEND/POST handlers log and drop the
// message.
package store

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

// Store is the payload store adapter's contract (spec §4.B).
type Store interface {
	// Store writes data under a freshly generated key scoped to
	// clientID and returns that key.
	Store(clientID string, data []byte) (key string, err error)
	// CheckOut is an atomic get-and-delete.
	CheckOut(key string) (data []byte, ok bool)
	// Peek is a non-destructive get.
	Peek(key string) (data []byte, ok bool)
	// Close releases the store's resources.
	Close() error
}

// counterMask keeps the per-client rolling counter within 20 bits, per
// the key scheme in spec §4.B / §9.
const counterMask = (1 << 20) - 1

// compressionThreshold is the payload size above which values are
// zstd-compressed before being written to Badger (SPEC_FULL.md DOMAIN
// STACK: "large payloads").
const compressionThreshold = 4096

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

// BadgerStore is the Store implementation backing a single broker
// process, adapted from the teacher's omni/internal/storage.BadgerStore.
type BadgerStore struct {
	db *badger.DB

	countersMu sync.Mutex
	counters   map[string]*atomic.Uint32

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Config configures a BadgerStore's on-disk location and Badger tuning
// knobs, mirroring the teacher's storage.Config.
type Config struct {
	Dir              string
	ValueLogFileSize int64
	Compression      options.CompressionType
}

// DefaultConfig returns sane defaults for dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:              dir,
		ValueLogFileSize: 1 << 28, // 256MB
		Compression:      options.None,
	}
}

// NewBadgerStore opens (creating if necessary) a Badger database at
// cfg.Dir and returns a ready-to-use Store.
func NewBadgerStore(cfg *Config) (*BadgerStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: config cannot be nil")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.Compression = cfg.Compression
	opts.Logger = &badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger database: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		enc.Close()
		return nil, fmt.Errorf("store: init decompressor: %w", err)
	}

	return &BadgerStore{
		db:       db,
		counters: make(map[string]*atomic.Uint32),
		enc:      enc,
		dec:      dec,
	}, nil
}

// Close closes the underlying database and releases the codec.
func (s *BadgerStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// nextCounter returns the next rolling counter value for clientID,
// incrementing it atomically and masking to 20 bits (spec §9: "the
// counter advances per insert" and "implementations must increment the
// per-client counter atomically").
func (s *BadgerStore) nextCounter(clientID string) uint32 {
	s.countersMu.Lock()
	c, ok := s.counters[clientID]
	if !ok {
		c = &atomic.Uint32{}
		s.counters[clientID] = c
	}
	s.countersMu.Unlock()

	return c.Add(1) & counterMask
}

// Store writes data under a key of the form "<timestamp>-<client-id>-
// <counter>" (spec §4.B) and returns that key.
func (s *BadgerStore) Store(clientID string, data []byte) (string, error) {
	ts := time.Now().UnixNano()
	counter := s.nextCounter(clientID)
	key := fmt.Sprintf("%d-%s-%d", ts, clientID, counter)

	value := s.encode(data)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return "", fmt.Errorf("store: write key %s: %w", key, err)
	}

	log.Printf("store: wrote %s bytes under key %s", humanize.Bytes(uint64(len(data))), key)
	return key, nil
}

// CheckOut reads and deletes the value under key in a single
// transaction. A miss or any store error is reported as ok=false, never
// as an error (spec §4.B/§7: "Store failures are surfaced as empty
// returns").
func (s *BadgerStore) CheckOut(key string) ([]byte, bool) {
	var raw []byte
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		log.Printf("store: check_out %s: %v", key, err)
		return nil, false
	}

	data, err := s.decode(raw)
	if err != nil {
		log.Printf("store: decode %s: %v", key, err)
		return nil, false
	}
	return data, true
}

// Peek reads the value under key without removing it.
func (s *BadgerStore) Peek(key string) ([]byte, bool) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		log.Printf("store: peek %s: %v", key, err)
		return nil, false
	}

	data, err := s.decode(raw)
	if err != nil {
		log.Printf("store: decode %s: %v", key, err)
		return nil, false
	}
	return data, true
}

// encode prefixes data with a one-byte compression flag, compressing
// with zstd when data is larger than compressionThreshold.
func (s *BadgerStore) encode(data []byte) []byte {
	if len(data) <= compressionThreshold {
		out := make([]byte, 1+len(data))
		out[0] = flagRaw
		copy(out[1:], data)
		return out
	}

	compressed := s.enc.EncodeAll(data, make([]byte, 0, len(data)))
	out := make([]byte, 1+len(compressed))
	out[0] = flagZstd
	copy(out[1:], compressed)
	return out
}

func (s *BadgerStore) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty stored value")
	}
	flag, body := value[0], value[1:]
	switch flag {
	case flagRaw:
		return append([]byte(nil), body...), nil
	case flagZstd:
		return s.dec.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unknown compression flag %d", flag)
	}
}

// badgerLogger adapts Badger's internal logging interface onto the
// standard log package, matching the teacher's approach of keeping all
// runtime diagnostics on one logging path.
type badgerLogger struct{}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { log.Printf("badger ERROR: "+format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { log.Printf("badger WARN: "+format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { log.Printf("badger INFO: "+format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   {}
