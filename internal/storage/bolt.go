package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const dbFileName = "watchtower.db"

// BoltDB wraps the bbolt database holding the action audit trail.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database under dataDir and ensures all
// buckets and the schema marker exist.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	b := &BoltDB{db: db, logger: logger}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debugw("Opened action audit database", "path", path)
	return b, nil
}

func (b *BoltDB) ensureSchema() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ActionsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			version, err := json.Marshal(CurrentSchemaVersion)
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(SchemaVersionKey), version); err != nil {
				return fmt.Errorf("failed to write schema version: %w", err)
			}
		}
		return nil
	})
}

// AppendAction appends a record to the audit log. Keys are monotonic
// sequence numbers so a reverse cursor scan yields newest-first order.
func (b *BoltDB) AppendAction(record *ActionRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActionsBucket))
		if bucket == nil {
			return fmt.Errorf("actions bucket not found")
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal action record: %w", err)
		}

		return bucket.Put(seqKey(seq), data)
	})
}

// ListActions returns up to limit records, newest first.
func (b *BoltDB) ListActions(limit int) ([]*ActionRecord, error) {
	var records []*ActionRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActionsBucket))
		if bucket == nil {
			return fmt.Errorf("actions bucket not found")
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var record ActionRecord
			if err := record.UnmarshalBinary(v); err != nil {
				b.logger.Warnw("Skipping corrupt action record", "error", err)
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountActions returns the number of stored audit records.
func (b *BoltDB) CountActions() (int, error) {
	count := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActionsBucket))
		if bucket == nil {
			return fmt.Errorf("actions bucket not found")
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// PruneActions deletes the oldest records until at most keep remain.
func (b *BoltDB) PruneActions(keep int) (int, error) {
	pruned := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActionsBucket))
		if bucket == nil {
			return fmt.Errorf("actions bucket not found")
		}

		excess := bucket.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && pruned < excess; k, _ = cursor.First() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// Close closes the underlying database.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
