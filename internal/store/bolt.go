package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/pkg/models"
)

var (
	bucketDefinitions  = []byte("definitions")
	bucketInstances    = []byte("instances")
	bucketAccessTables = []byte("access_tables")
)

// BoltStore implements Store on an embedded BoltDB file. Every aggregate is
// one JSON value under its user:name (or user:kind) key, written in its own
// transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) agentserver.db in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "agentserver.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDefinitions, bucketInstances, bucketAccessTables} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create BoltDB bucket '%s': %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("Bolt store configured")
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketInstances) == nil {
			return fmt.Errorf("BoltDB bucket '%s' not found", bucketInstances)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	log.Info().Msg("Bolt store closed")
	return s.db.Close()
}

// put stores v under k. BoltDB does not support mid-flight cancellation,
// so the context is only checked up front.
func (s *BoltStore) put(ctx context.Context, bucket []byte, k string, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before BoltDB write: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(k), data)
	})
}

func (s *BoltStore) delete(ctx context.Context, bucket []byte, k string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before BoltDB delete: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(k))
	})
}

// list decodes every value of bucket in key order.
func list[T any](ctx context.Context, db *bolt.DB, bucket []byte) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before BoltDB read: %w", err)
	}
	out := []T{}
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ── Definition Store ────────────────────────────────────────

func (s *BoltStore) ListDefinitions(ctx context.Context) ([]models.AgentDefinition, error) {
	return list[models.AgentDefinition](ctx, s.db, bucketDefinitions)
}

func (s *BoltStore) PutDefinition(ctx context.Context, def *models.AgentDefinition) error {
	return s.put(ctx, bucketDefinitions, key(def.User, def.Name), def)
}

func (s *BoltStore) DeleteDefinition(ctx context.Context, user, name string) error {
	return s.delete(ctx, bucketDefinitions, key(user, name))
}

// ── Instance Store ──────────────────────────────────────────

func (s *BoltStore) ListInstances(ctx context.Context) ([]models.InstanceRecord, error) {
	return list[models.InstanceRecord](ctx, s.db, bucketInstances)
}

func (s *BoltStore) PutInstance(ctx context.Context, rec *models.InstanceRecord) error {
	return s.put(ctx, bucketInstances, key(rec.User, rec.Name), rec)
}

func (s *BoltStore) DeleteInstance(ctx context.Context, user, name string) error {
	return s.delete(ctx, bucketInstances, key(user, name))
}

// ── Access Store ────────────────────────────────────────────

func (s *BoltStore) ListAccessTables(ctx context.Context) ([]models.AccessTable, error) {
	return list[models.AccessTable](ctx, s.db, bucketAccessTables)
}

func (s *BoltStore) PutAccessTable(ctx context.Context, t *models.AccessTable) error {
	return s.put(ctx, bucketAccessTables, key(t.User, string(t.Kind)), t)
}

func (s *BoltStore) DeleteAccessTable(ctx context.Context, user string, kind models.AccessKind) error {
	return s.delete(ctx, bucketAccessTables, key(user, string(kind)))
}

var _ Store = (*BoltStore)(nil)
