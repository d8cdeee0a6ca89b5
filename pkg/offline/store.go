// Package offline keeps a replica's document on local disk so it survives
// restarts and transport loss. Each object holds one compacted state plus
// the updates appended after it.
package offline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"collab-blocks/pkg/logging"

	"github.com/dgraph-io/badger/v4"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every append.
	SyncWrites bool
	Logger     logging.Logger
}

// Store is a BadgerDB backed update log.
type Store struct {
	db *badger.DB

	mu   sync.Mutex
	next map[string]uint64
}

type badgerLogger struct{ log logging.Logger }

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("offline store: path is required")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create offline store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}
	return &Store{db: db, next: map[string]uint64{}}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func stateKey(objectID string) []byte { return []byte(objectID + "/state") }

func updatePrefix(objectID string) []byte { return []byte(objectID + "/u/") }

func updateKey(objectID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(updatePrefix(objectID), seq)
}

// nextSeq returns the sequence for the next update of objectID. The first
// call per object scans for the last stored key.
func (s *Store) nextSeq(txn *badger.Txn, objectID string) uint64 {
	if n, ok := s.next[objectID]; ok {
		return n
	}
	prefix := updatePrefix(objectID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var n uint64
	it.Seek(append(append([]byte(nil), prefix...), 0xff))
	if it.ValidForPrefix(prefix) {
		key := it.Item().Key()
		n = binary.BigEndian.Uint64(key[len(prefix):]) + 1
	}
	s.next[objectID] = n
	return n
}

// Append stores one encoded update after the existing ones.
func (s *Store) Append(ctx context.Context, objectID string, update []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		seq = s.nextSeq(txn, objectID)
		return txn.Set(updateKey(objectID, seq), update)
	})
	if err != nil {
		return fmt.Errorf("append update for %s: %w", objectID, err)
	}
	s.next[objectID] = seq + 1
	return nil
}

// Load returns the compacted state, if any, followed by every later
// update in append order. Applying them in order rebuilds the document.
func (s *Store) Load(ctx context.Context, objectID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(objectID))
		switch {
		case err == nil:
			state, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, state)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		prefix := updatePrefix(objectID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", objectID, err)
	}
	return out, nil
}

// Compact replaces the stored state and updates of objectID with state.
func (s *Store) Compact(ctx context.Context, objectID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := updatePrefix(objectID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("compact %s: %w", objectID, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	if err := wb.Set(stateKey(objectID), state); err != nil {
		return fmt.Errorf("compact %s: %w", objectID, err)
	}
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("compact %s: %w", objectID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("compact %s: %w", objectID, err)
	}
	return nil
}

// Pending returns how many updates were appended since the last compaction.
func (s *Store) Pending(ctx context.Context, objectID string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := updatePrefix(objectID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
