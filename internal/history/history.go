// Package history keeps a durable record of finished transfers in BadgerDB.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jaywantadh/ByteRelay/internal/compressor"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

const keyPrefix = "transfer:"

// Record is the stored summary of one finished transfer.
type Record struct {
	ID         string            `json:"id"`
	Protocol   transfer.Protocol `json:"protocol"`
	Mode       transfer.Mode     `json:"mode"`
	File       string            `json:"file"`
	Target     string            `json:"target,omitempty"`
	Bytes      uint64            `json:"bytes"`
	Duration   time.Duration     `json:"duration"`
	Checksum   string            `json:"checksum,omitempty"`
	Status     transfer.Status   `json:"status"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Store wraps BadgerDB for history records. Values are JSON compressed with lz4.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store at path.
func Open(path string) (*Store, error) {
	return open(badger.DefaultOptions(path).WithLogger(nil))
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func encode(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return compressor.Compress(raw)
}

func decode(val []byte) (Record, error) {
	var rec Record
	raw, err := compressor.Decompress(val)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(raw, &rec)
	return rec, err
}

// Put stores rec, replacing any record with the same id.
func (s *Store) Put(rec Record) error {
	if rec.ID == "" {
		return transfer.NewConfigError("id", "history record without id")
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	val, err := encode(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.ID), val)
	})
}

// Get returns the record for id, or a NotFound error.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var derr error
			rec, derr = decode(val)
			return derr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, transfer.NewNotFound(id)
	}
	return rec, err
}

// List returns up to limit records, newest first. A limit of zero returns all.
func (s *Store) List(limit int) ([]Record, error) {
	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decode(val)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].FinishedAt.After(recs[j].FinishedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Delete removes the record for id. Deleting a missing id is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
}

// Prune removes records finished before cutoff and returns how many it removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	recs, err := s.List(0)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			if rec.FinishedAt.Before(cutoff) {
				if err := txn.Delete(key(rec.ID)); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
