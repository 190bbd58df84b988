// Package storage wraps the gateway's bbolt database: the embedding cache
// used by the tool index and the audit records for vended tokens.
package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"mcpgateway-go/internal/gwerr"
)

// BoltDB wraps bolt database operations.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the gateway database under dataDir.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, "gateway.db")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bolt database: %v", gwerr.ErrCorruption, err)
	}

	boltDB := &BoltDB{
		db:     db,
		logger: logger,
	}

	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize buckets: %v", gwerr.ErrCorruption, err)
	}

	return boltDB, nil
}

// Close closes the database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// initBuckets creates required buckets and sets the schema version.
func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			EmbeddingsBucket,
			VendedTokensBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the stored schema version.
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// Embedding cache operations

// SaveEmbedding stores a cached vector keyed by its text hash.
func (b *BoltDB) SaveEmbedding(record *EmbeddingRecord) error {
	record.Created = time.Now().UTC()

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(EmbeddingsBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.TextHash), data)
	})
}

// GetEmbedding retrieves a cached vector; a nil record means cache miss.
func (b *BoltDB) GetEmbedding(textHash string) (*EmbeddingRecord, error) {
	var record *EmbeddingRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(EmbeddingsBucket))
		data := bucket.Get([]byte(textHash))
		if data == nil {
			return nil
		}

		record = &EmbeddingRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// PruneEmbeddings removes cached vectors encoded with another model. A model
// change invalidates every vector at once.
func (b *BoltDB) PruneEmbeddings(keepModel string) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(EmbeddingsBucket))
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			record := &EmbeddingRecord{}
			if err := record.UnmarshalBinary(v); err != nil || record.Model != keepModel {
				if err := bucket.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Vended token operations

// SaveVendedToken records a minted token.
func (b *BoltDB) SaveVendedToken(record *VendedTokenRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(VendedTokensBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.ID), data)
	})
}

// GetVendedToken retrieves a token record by jti.
func (b *BoltDB) GetVendedToken(id string) (*VendedTokenRecord, error) {
	var record *VendedTokenRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(VendedTokensBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("vended token not found")
		}

		record = &VendedTokenRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// ListVendedTokens returns the vended token records for one subject, or all
// records when subject is empty.
func (b *BoltDB) ListVendedTokens(subject string) ([]*VendedTokenRecord, error) {
	var records []*VendedTokenRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(VendedTokensBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &VendedTokenRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			if subject == "" || record.Subject == subject {
				records = append(records, record)
			}
			return nil
		})
	})

	return records, err
}

// RevokeVendedToken marks a token record revoked. The HMAC verifier consults
// the record before accepting the token.
func (b *BoltDB) RevokeVendedToken(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(VendedTokensBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("vended token not found")
		}

		record := &VendedTokenRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			return err
		}
		record.Revoked = true

		newData, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), newData)
	})
}

// Backup copies the database to destPath.
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o644)
	})
}

// Stats returns database statistics.
func (b *BoltDB) Stats() (*bbolt.Stats, error) {
	stats := b.db.Stats()
	return &stats, nil
}
