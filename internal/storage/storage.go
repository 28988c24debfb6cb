package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	OperationsBucket = []byte("operations")
	MetadataBucket   = []byte("metadata")
)

var (
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when the exact same operation is already stored.
	ErrExists = errors.New("operation already stored")
	// ErrConflict is returned when a different operation occupies the position.
	ErrConflict = errors.New("conflicting operation at sequence number")
)

type Storage struct {
	db *bolt.DB
}

// Entry is one persisted operation, keyed by (author, log id, seq num).
type Entry struct {
	Author     string    `json:"author"`
	LogID      string    `json:"log_id"`
	SeqNum     uint64    `json:"seq_num"`
	Hash       string    `json:"hash"`
	Raw        []byte    `json:"raw"`
	InsertedAt time.Time `json:"inserted_at"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{OperationsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func logPrefix(author, logID string) []byte {
	prefix := make([]byte, 0, len(author)+len(logID)+2)
	prefix = append(prefix, author...)
	prefix = append(prefix, 0)
	prefix = append(prefix, logID...)
	prefix = append(prefix, 0)
	return prefix
}

func entryKey(author, logID string, seqNum uint64) []byte {
	prefix := logPrefix(author, logID)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seqNum)
	return key
}

// InsertOperation stores an entry atomically. It never overwrites: an
// identical entry yields ErrExists, a different one ErrConflict.
func (s *Storage) InsertOperation(entry *Entry) error {
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(OperationsBucket)
		key := entryKey(entry.Author, entry.LogID, entry.SeqNum)

		if existing := bucket.Get(key); existing != nil {
			var stored Entry
			if err := json.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal stored entry: %w", err)
			}
			if stored.Hash == entry.Hash {
				return ErrExists
			}
			return fmt.Errorf("%w: author %s log %s seq %d", ErrConflict, entry.Author, entry.LogID, entry.SeqNum)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		return bucket.Put(key, data)
	})
}

func (s *Storage) GetOperation(author, logID string, seqNum uint64) (*Entry, error) {
	var entry Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(OperationsBucket)

		data := bucket.Get(entryKey(author, logID, seqNum))
		if data == nil {
			return fmt.Errorf("%w: author %s log %s seq %d", ErrNotFound, author, logID, seqNum)
		}

		return json.Unmarshal(data, &entry)
	})

	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// LatestOperation returns the entry with the highest seq num in a log.
func (s *Storage) LatestOperation(author, logID string) (*Entry, error) {
	var latest *Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(OperationsBucket).Cursor()

		prefix := logPrefix(author, logID)
		upper := entryKey(author, logID, math.MaxUint64)

		k, v := cursor.Seek(upper)
		if k == nil {
			k, v = cursor.Last()
		} else if !bytes.Equal(k, upper) {
			k, v = cursor.Prev()
		}

		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}

		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		latest = &entry
		return nil
	})

	if err != nil {
		return nil, err
	}

	if latest == nil {
		return nil, fmt.Errorf("%w: no operations for author %s log %s", ErrNotFound, author, logID)
	}

	return latest, nil
}

// ForEachOperation visits one log in seq num order. fn must not write to
// the store.
func (s *Storage) ForEachOperation(author, logID string, fn func(*Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(OperationsBucket).Cursor()
		prefix := logPrefix(author, logID)

		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry %x: %w", k, err)
			}
			if err := fn(&entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach visits every stored operation ordered by author, log id and seq
// num. fn must not write to the store.
func (s *Storage) ForEach(fn func(*Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(OperationsBucket).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry %x: %w", k, err)
			}
			if err := fn(&entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: metadata key %s", ErrNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
