package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	eventsBucket = "events"

	// DefaultMaxRecords bounds the journal; older records are pruned.
	DefaultMaxRecords = 1000
)

var ErrClosed = errors.New("journal is closed")

// Record is one endpoint lifecycle event.
type Record struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	Event        string    `json:"event"`
	Endpoint     string    `json:"endpoint"`
	RegistryPort int       `json:"registryPort,omitempty"`
	DataPort     int       `json:"dataPort,omitempty"`
	Locator      string    `json:"locator,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Journal persists endpoint lifecycle events in a bbolt file.
type Journal struct {
	mu         sync.RWMutex
	db         *bolt.DB
	path       string
	maxRecords int
	closed     bool
}

func Open(path string, maxRecords int) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(eventsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Journal{db: db, path: trimmed, maxRecords: maxRecords}, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Append stores rec, filling ID and Time when empty, and prunes the oldest
// records beyond the limit.
func (j *Journal) Append(rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode journal record: %w", err)
	}

	err = j.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(eventsBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(sequenceKey(seq), payload); err != nil {
			return err
		}
		return prune(bucket, j.maxRecords)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns up to limit of the newest records, oldest first. A
// non-positive limit returns everything.
func (j *Journal) List(limit int) ([]Record, error) {
	var out []Record
	err := j.view(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(eventsBucket)).Cursor()
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode journal record %d: %w", binary.BigEndian.Uint64(key), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *Journal) view(fn func(*bolt.Tx) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.View(fn)
}

func (j *Journal) update(fn func(*bolt.Tx) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.Update(fn)
}

func prune(bucket *bolt.Bucket, maxRecords int) error {
	count := 0
	if err := bucket.ForEach(func(_, _ []byte) error {
		count++
		return nil
	}); err != nil {
		return err
	}
	excess := count - maxRecords
	if excess <= 0 {
		return nil
	}
	cursor := bucket.Cursor()
	for key, _ := cursor.First(); key != nil && excess > 0; key, _ = cursor.First() {
		if err := cursor.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
