// Package badger implements a block image stored in an embedded Badger
// key-value database.
//
// Chunks live one per key under pkg/image/chunked. Badger gives the image
// crash-safe local persistence without a raw device or a cloud bucket,
// which suits single-node deployments.
package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/image"
	"github.com/marmos91/pwlog/pkg/image/chunked"
)

// Config holds Badger image configuration.
type Config struct {
	// Dir is the Badger database directory.
	Dir string

	// Size is the image size in bytes.
	Size uint64

	// ChunkSize is the chunk object size; defaults to
	// chunked.DefaultChunkSize.
	ChunkSize uint64

	// KeyPrefix namespaces this image's chunks within the database.
	KeyPrefix string

	// SyncWrites makes every commit fsync. The write log flushes the
	// image explicitly, so this defaults to false.
	SyncWrites bool
}

// New opens the Badger database and returns the image over it.
func New(cfg Config) (image.Image, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil // Badger's own logger is too chatty for this use.

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger image db: %w", err)
	}

	logger.Debug("Badger image opened", logger.KeyImage, cfg.Dir)

	return chunked.New(&kvStore{db: db}, chunked.Config{
		Size:      cfg.Size,
		ChunkSize: cfg.ChunkSize,
		KeyPrefix: cfg.KeyPrefix,
	}), nil
}

// kvStore implements chunked.Store over a Badger database.
type kvStore struct {
	db *badgerdb.DB
}

func (st *kvStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	found := false

	err := st.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get chunk %s: %w", key, err)
	}
	return data, found, nil
}

func (st *kvStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := st.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put chunk %s: %w", key, err)
	}
	return nil
}

func (st *kvStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := st.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete chunk %s: %w", key, err)
	}
	return nil
}

func (st *kvStore) Flush(ctx context.Context) error {
	if err := st.db.Sync(); err != nil {
		return fmt.Errorf("sync badger image db: %w", err)
	}
	return nil
}

func (st *kvStore) Close(ctx context.Context) error {
	if err := st.db.Close(); err != nil {
		return fmt.Errorf("close badger image db: %w", err)
	}
	return nil
}
