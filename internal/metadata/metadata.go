// Package metadata keeps the durable journal of transfers in BadgerDB.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const recordPrefix = "transfer:"

var ErrRecordNotFound = errors.New("transfer record not found")

// TransferRecord is the journal entry of one transfer.
type TransferRecord struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Peer        string    `json:"peer"`
	Name        string    `json:"name,omitempty"`
	Size        int64     `json:"size"`
	Segments    int       `json:"segments"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the record carries a terminal status.
func (r TransferRecord) Finished() bool { return !r.FinishedAt.IsZero() }

// MetadataStore wraps BadgerDB for journal operations.
type MetadataStore struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB at the given path.
func Open(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// Put stores rec, replacing any earlier record with the same ID.
func (ms *MetadataStore) Put(rec TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer record without id")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.ID), val)
	})
}

func (ms *MetadataStore) Get(id string) (TransferRecord, error) {
	var rec TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, err
}

// List returns every record ordered by start time.
func (ms *MetadataStore) List() ([]TransferRecord, error) {
	var out []TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (ms *MetadataStore) Delete(id string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
}
