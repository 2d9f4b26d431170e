package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/jkoelker/newtab/kdf"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
)

const (
	dirPermissions = 0o700

	encryptionKeyRotation = 24 * time.Hour
	indexCacheSize        = 64 << 20
	gcDiscardRatio        = 0.5
)

// BadgerOptions configures a Badger store.
type BadgerOptions struct {
	// Dir holds the database and its key-derivation file. Ignored when
	// InMemory is set.
	Dir string

	// InMemory keeps all data in memory.
	InMemory bool

	// Seed enables at-rest encryption with a key derived from it. An
	// empty seed leaves the database unencrypted.
	Seed []byte

	// KDF derives the encryption key from Seed. Defaults to PBKDF2.
	KDF kdf.Params
}

// Badger is a persistent Store on github.com/dgraph-io/badger/v4.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger store.
func OpenBadger(ctx context.Context, opts BadgerOptions) (*Badger, error) {
	var badgerOpts badger.Options

	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}

		badgerOpts = badger.DefaultOptions(opts.Dir)
	}

	if len(opts.Seed) > 0 {
		key, err := encryptionKey(ctx, opts)
		if err != nil {
			return nil, err
		}

		badgerOpts = badgerOpts.
			WithEncryptionKey(key).
			WithEncryptionKeyRotationDuration(encryptionKeyRotation).
			WithIndexCacheSize(indexCacheSize)
	}

	badgerOpts = badgerOpts.
		WithSyncWrites(false).
		WithLogger(nil).
		WithCompression(options.Snappy)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Badger{db: db}, nil
}

// encryptionKey derives the storage key, creating the key-derivation
// file with a fresh salt on first use. Existing files win over opts.KDF.
func encryptionKey(ctx context.Context, opts BadgerOptions) ([]byte, error) {
	params := opts.KDF
	if params == nil {
		params = kdf.DefaultPBKDF2Params()
	}

	if opts.InMemory {
		return params.DeriveKey(opts.Seed, []byte("newtab-memory"), kdf.KeySize)
	}

	file, err := readKeyFile(opts.Dir)

	switch {
	case errors.Is(err, os.ErrNotExist):
		file, err = newKeyFile(params)
		if err != nil {
			return nil, err
		}

		if err := file.write(opts.Dir); err != nil {
			return nil, err
		}

		log.Info(ctx, "Created storage key file", "kdf", params.String())
	case err != nil:
		return nil, err
	}

	stored, err := file.params()
	if err != nil {
		return nil, err
	}

	if !stored.Equal(params) {
		log.Warn(ctx, "Configured KDF differs from the database, using stored parameters",
			"configured", params.String(),
			"stored", stored.String(),
		)
	}

	salt, err := file.salt()
	if err != nil {
		return nil, err
	}

	key, err := stored.DeriveKey(opts.Seed, salt, kdf.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return key, nil
}

func (b *Badger) record(ctx context.Context, operation string, start time.Time) {
	metrics.RecordCounter(ctx, "storage_operations_total", 1, "operation", operation)
	metrics.RecordHistogram(ctx, "storage_operation_duration_ms",
		float64(time.Since(start).Microseconds())/1000, "operation", operation)
}

// Get decodes the value stored under key.
func (b *Badger) Get(ctx context.Context, key string, value any) error {
	defer b.record(ctx, "get", time.Now())

	var data []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)

		return err
	})

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	case err != nil:
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Set stores the JSON encoding of value.
func (b *Badger) Set(ctx context.Context, key string, value any) error {
	defer b.record(ctx, "set", time.Now())

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}

	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes keys through a write batch, which splits the deletes
// across as many transactions as Badger's size limits require.
func (b *Badger) Delete(ctx context.Context, keys ...string) error {
	defer b.record(ctx, "delete", time.Now())

	batch := b.db.NewWriteBatch()
	defer batch.Cancel()

	for _, key := range keys {
		if err := batch.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}

	if err := batch.Flush(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// List returns all keys with prefix.
func (b *Badger) List(ctx context.Context, prefix string) ([]string, error) {
	defer b.record(ctx, "list", time.Now())

	var keys []string

	if err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %s: %w", prefix, err)
	}

	return keys, nil
}

// Subscribe streams committed writes under prefixes to fn using Badger's
// publisher. Registration completes asynchronously, so writes racing the
// call may not be delivered.
func (b *Badger) Subscribe(ctx context.Context, fn ChangeFunc, prefixes ...string) (func(), error) {
	if b.db.IsClosed() {
		return nil, ErrClosed
	}

	matches := make([]pb.Match, 0, len(prefixes))
	for _, prefix := range prefixes {
		matches = append(matches, pb.Match{Prefix: []byte(prefix)})
	}

	if len(matches) == 0 {
		matches = append(matches, pb.Match{Prefix: []byte{}})
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		defer cancel()

		select {
		case <-ctx.Done():
		case <-subCtx.Done():
		}
	}()

	go func() {
		err := b.db.Subscribe(subCtx, func(list *badger.KVList) error {
			for _, kv := range list.GetKv() {
				fn(Change{
					Key:     string(kv.GetKey()),
					Value:   kv.GetValue(),
					Deleted: len(kv.GetValue()) == 0,
				})
			}

			return nil
		}, matches)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, err, "Storage subscription ended")
		}
	}()

	return cancel, nil
}

// RunGC reclaims value log space.
func (b *Badger) RunGC() error {
	err := b.db.RunValueLogGC(gcDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("failed to run value log GC: %w", err)
	}

	return nil
}

// Close closes the database.
func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
