package models

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dockvault/dockvault/internal/db"
)

// historyLimit bounds the history bucket; the oldest entries are evicted.
const historyLimit = 200

// History entry statuses and destinations.
const (
	HistorySuccess = "success"
	HistoryFailed  = "failed"

	DestLocal    = "local"
	DestTelegram = "telegram"
	DestCloud    = "cloud"
)

// HistoryEntry records the terminal outcome of one job.
type HistoryEntry struct {
	ID           uint64    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Subject      string    `json:"subject"`
	Status       string    `json:"status"`
	Destination  string    `json:"destination"`
	Message      string    `json:"message"`
	SizeBytes    int64     `json:"sizeBytes,omitempty"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
}

// HistoryStore is an append-only, bounded log of job outcomes.
type HistoryStore struct {
	db *bolt.DB
}

func NewHistoryStore(database *bolt.DB) *HistoryStore {
	return &HistoryStore{db: database}
}

// Append records one entry, evicting the oldest entries beyond the limit.
// BoltDB serializes Update transactions, so concurrent appends are safe.
func (s *HistoryStore) Append(entry HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = seq
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal history entry: %w", err)
		}
		if err := b.Put(historyKey(seq), data); err != nil {
			return err
		}

		// Evict oldest until within bounds. Keys are big-endian-ish
		// zero-padded sequence numbers, so cursor order is insert order.
		c := b.Cursor()
		for excess := b.Stats().KeyN + 1 - historyLimit; excess > 0; excess-- {
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// All returns every entry, newest first.
func (s *HistoryStore) All() ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal history %q: %w", string(k), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// historyKey formats a sequence number so lexicographic order matches
// numeric order.
func historyKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
