// Package localstore caches document updates on disk so an agent can start
// with its last known state while offline. Each document gets a bbolt
// bucket of updates keyed by sequence number; large values are stored
// zstd-compressed.
package localstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"collabtext/crdt"
)

var docsBucket = []byte("docs")

// Value tags. The first byte of every stored value says how the rest is
// encoded.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// compressAbove is the smallest update worth compressing.
const compressAbove = 256

// DefaultCompactAfter is the update count past which Attach folds the log
// into a single snapshot.
const DefaultCompactAfter = 500

// Store is an open cache file.
type Store struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localstore: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: initializing %s: %w", path, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: zstd decoder: %w", err)
	}
	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

func (s *Store) Close() error {
	s.decoder.Close()
	return errors.Join(s.encoder.Close(), s.db.Close())
}

func (s *Store) encode(update []byte) []byte {
	if len(update) >= compressAbove {
		compressed := s.encoder.EncodeAll(update, []byte{tagZstd})
		if len(compressed) < len(update)+1 {
			return compressed
		}
	}
	return append([]byte{tagRaw}, update...)
}

func (s *Store) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errors.New("localstore: empty value")
	}
	switch value[0] {
	case tagRaw:
		return append([]byte(nil), value[1:]...), nil
	case tagZstd:
		out, err := s.decoder.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("localstore: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("localstore: unknown value tag %d", value[0])
	}
}

func docBucket(tx *bbolt.Tx, key string) (*bbolt.Bucket, error) {
	return tx.Bucket(docsBucket).CreateBucketIfNotExists([]byte(key))
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// Append stores one update for docKey.
func (s *Store) Append(docKey string, update []byte) error {
	value := s.encode(update)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := docBucket(tx, docKey)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), value)
	})
	if err != nil {
		return fmt.Errorf("localstore: appending to %s: %w", docKey, err)
	}
	return nil
}

// Updates returns every stored update for docKey, oldest first.
func (s *Store) Updates(docKey string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(docsBucket).Bucket([]byte(docKey))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			update, err := s.decode(v)
			if err != nil {
				return err
			}
			out = append(out, update)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: reading %s: %w", docKey, err)
	}
	return out, nil
}

// Len returns how many updates are stored for docKey.
func (s *Store) Len(docKey string) int {
	var n int
	s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(docsBucket).Bucket([]byte(docKey)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Compact replaces the stored updates of docKey with snapshot.
func (s *Store) Compact(docKey string, snapshot []byte) error {
	value := s.encode(snapshot)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		if docs.Bucket([]byte(docKey)) != nil {
			if err := docs.DeleteBucket([]byte(docKey)); err != nil {
				return err
			}
		}
		b, err := docs.CreateBucket([]byte(docKey))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), value)
	})
	if err != nil {
		return fmt.Errorf("localstore: compacting %s: %w", docKey, err)
	}
	return nil
}

// Attach loads the cached state of docKey into doc and then records every
// change doc makes or receives. Cached updates are applied with the
// history origin so a provider does not re-broadcast them; peers still get
// them through the handshake.
func (s *Store) Attach(doc crdt.Document, docKey string, logger *slog.Logger) (detach func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	updates, err := s.Updates(docKey)
	if err != nil {
		return nil, err
	}
	for i, u := range updates {
		if err := doc.ApplyUpdate(u, crdt.History()); err != nil {
			logger.Warn("skipping cached update", "doc", docKey, "index", i, "error", err)
		}
	}
	if len(updates) > DefaultCompactAfter {
		snapshot, err := doc.EncodeStateAsUpdate(nil)
		if err != nil {
			return nil, err
		}
		if err := s.Compact(docKey, snapshot); err != nil {
			return nil, err
		}
		logger.Info("compacted local cache", "doc", docKey, "updates", len(updates))
	}

	return doc.OnUpdate(func(update []byte, _ crdt.Origin) {
		if err := s.Append(docKey, update); err != nil {
			logger.Error("caching update", "doc", docKey, "error", err)
		}
	}), nil
}
