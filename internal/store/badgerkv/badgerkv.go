// Package badgerkv implements store.Backend on Badger.
//
// Each value is framed as an 8-byte big-endian version followed by the
// payload. Compare-and-set runs inside a read-write transaction; Badger's
// optimistic conflict detection turns concurrent writers into
// store.ErrVersionConflict.
package badgerkv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/ledgerd/internal/store"
)

const versionLen = 8

// DB is a Badger-backed store.Backend.
type DB struct {
	badger   *badger.DB
	pageSize int
	ready    bool
	mu       sync.RWMutex
	done     chan struct{}
}

var _ store.Backend = (*DB)(nil)

// Options configures Open.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// PageSize is the number of entries Scan reads per transaction.
	PageSize int
	// GCInterval is the value-log GC period. Zero means hourly.
	GCInterval time.Duration
}

// Open opens or creates a Badger database.
func Open(o Options) (*DB, error) {
	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(o.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("open badger: create %q: %w", o.Dir, err)
		}
		opts = badger.DefaultOptions(o.Dir)
	}
	opts = opts.WithLogger(Slogger{})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	d := &DB{
		badger:   bdb,
		pageSize: o.PageSize,
		ready:    true,
		done:     make(chan struct{}),
	}
	if d.pageSize <= 0 {
		d.pageSize = store.DefaultPageSize
	}
	interval := o.GCInterval
	if interval <= 0 {
		interval = time.Hour
	}
	if !o.InMemory {
		go d.gc(interval)
	}
	return d, nil
}

// Get reads one key.
func (d *DB) Get(_ context.Context, key string) (store.Entry, error) {
	l, err := d.lock(false)
	if err != nil {
		return store.Entry{}, err
	}
	defer l.Unlock()

	var e store.Entry
	err = d.badger.View(func(txn *badger.Txn) error {
		var err error
		e, err = read(txn, []byte(key))
		return err
	})
	return e, err
}

// Put writes key if the stored version equals expected.
func (d *DB) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	versions, err := d.Write(ctx, []store.Op{{Key: key, Value: value, Expected: expected}})
	if err != nil {
		return 0, err
	}
	return versions[0], nil
}

// Write applies ops in one read-write transaction.
func (d *DB) Write(_ context.Context, ops []store.Op) ([]uint64, error) {
	l, err := d.lock(false)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	versions := make([]uint64, len(ops))
	var failed store.Op
	err = d.badger.Update(func(txn *badger.Txn) error {
		for i, op := range ops {
			failed = op
			cur, err := read(txn, []byte(op.Key))
			switch {
			case errors.Is(err, store.ErrNotFound):
				if op.Expected != 0 {
					return store.ErrVersionConflict
				}
			case err != nil:
				return err
			case cur.Version != op.Expected:
				return store.ErrVersionConflict
			}
			if err := txn.Set([]byte(op.Key), frame(op.Expected+1, op.Value)); err != nil {
				return err
			}
			versions[i] = op.Expected + 1
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, store.ErrVersionConflict) {
		return nil, fmt.Errorf("put %s at version %d: %w", failed.Key, failed.Expected, store.ErrVersionConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", failed.Key, err)
	}
	return versions, nil
}

// Scan yields entries under prefix in key order. Each page is read in its
// own read-only transaction.
func (d *DB) Scan(ctx context.Context, prefix string) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		seek := []byte(prefix)
		for {
			if err := ctx.Err(); err != nil {
				yield(store.Entry{}, err)
				return
			}
			page, err := d.scanPage([]byte(prefix), seek)
			if err != nil {
				yield(store.Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < d.pageSize {
				return
			}
			// Seek to the first key strictly after the last one seen.
			seek = append([]byte(page[len(page)-1].Key), 0x00)
		}
	}
}

func (d *DB) scanPage(prefix, seek []byte) ([]store.Entry, error) {
	l, err := d.lock(false)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	var page []store.Entry
	err = d.badger.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: d.pageSize})
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(page) < d.pageSize; it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, value, err := unframe(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", item.Key(), err)
			}
			page = append(page, store.Entry{Key: string(item.KeyCopy(nil)), Value: value, Version: version})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return page, nil
}

// Close closes the database. Subsequent calls fail.
func (d *DB) Close() error {
	l, err := d.lock(true)
	if err != nil {
		return err
	}
	defer l.Unlock()

	d.ready = false
	close(d.done)
	return d.badger.Close()
}

func read(txn *badger.Txn, key []byte) (store.Entry, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return store.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return store.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	version, value, err := unframe(raw)
	if err != nil {
		return store.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return store.Entry{Key: string(key), Value: value, Version: version}, nil
}

func frame(version uint64, value []byte) []byte {
	out := make([]byte, versionLen+len(value))
	binary.BigEndian.PutUint64(out, version)
	copy(out[versionLen:], value)
	return out
}

func unframe(raw []byte) (uint64, []byte, error) {
	if len(raw) < versionLen {
		return 0, nil, fmt.Errorf("corrupt value: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), raw[versionLen:], nil
}

var errClosed = errors.New("badger database is closed")

// lock acquires the ready mutex and checks the database is still open.
// Close takes the write side so it cannot race in-flight reads and writes.
func (d *DB) lock(closing bool) (sync.Locker, error) {
	var l sync.Locker = &d.mu
	if !closing {
		l = d.mu.RLocker()
	}

	l.Lock()
	if !d.ready {
		l.Unlock()
		return nil, errClosed
	}
	return l, nil
}

func (d *DB) gc(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		l, err := d.lock(false)
		if err != nil {
			return
		}
		// Run GC if 50% space could be reclaimed.
		err = d.badger.RunValueLogGC(0.5)
		if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			slog.Error("Badger GC failed", "error", err, "module", "badger")
		}
		l.Unlock()
	}
}

// Slogger routes Badger's internal logging through slog.
type Slogger struct{}

func (l Slogger) format(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (l Slogger) Errorf(format string, args ...any) {
	slog.Error(l.format(format, args...), "module", "badger")
}

func (l Slogger) Warningf(format string, args ...any) {
	slog.Warn(l.format(format, args...), "module", "badger")
}

func (l Slogger) Infof(format string, args ...any) {
	slog.Info(l.format(format, args...), "module", "badger")
}

func (l Slogger) Debugf(format string, args ...any) {
	slog.Debug(l.format(format, args...), "module", "badger")
}
