package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/ferry/notify"
	"github.com/rs/zerolog/log"
)

// PebbleRepository stores keys in a local pebble database. Watches are local
// to the process, so it is meant for single node deployments and tests.
type PebbleRepository struct {
	db     *pebble.DB
	hub    *notify.Hub
	writeM sync.Mutex
	closed atomic.Bool
}

// NewPebbleRepository opens or creates a repository at path
func NewPebbleRepository(path string) (*PebbleRepository, error) {
	return openPebble(path, &pebble.Options{})
}

// NewMemoryRepository creates a repository backed by an in-memory filesystem
func NewMemoryRepository() (*PebbleRepository, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(path string, opts *pebble.Options) (*PebbleRepository, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %q: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("Opened pebble repository")
	return &PebbleRepository{db: db, hub: notify.NewHub()}, nil
}

func (r *PebbleRepository) Get(ctx context.Context, key string) (value string, err error) {
	defer func() { observe("get", err) }()
	if r.closed.Load() {
		return "", ErrClosed
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	val, closer, err := r.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	return string(val), nil
}

func (r *PebbleRepository) Persist(ctx context.Context, key, value string) (err error) {
	defer func() { observe("persist", err) }()
	if r.closed.Load() {
		return ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	r.writeM.Lock()
	defer r.writeM.Unlock()

	evType := Updated
	_, closer, err := r.db.Get([]byte(key))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		evType = Added
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", key, err)
	default:
		closer.Close()
	}

	if err := r.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}

	r.hub.Signal(DataChangedEvent{Key: key, Value: value, Type: evType})
	return nil
}

func (r *PebbleRepository) Create(ctx context.Context, key, value string) (err error) {
	defer func() { observe("create", err) }()
	if r.closed.Load() {
		return ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	r.writeM.Lock()
	defer r.writeM.Unlock()

	_, closer, err := r.db.Get([]byte(key))
	switch {
	case err == nil:
		closer.Close()
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	case !errors.Is(err, pebble.ErrNotFound):
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := r.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	r.hub.Signal(DataChangedEvent{Key: key, Value: value, Type: Added})
	return nil
}

func (r *PebbleRepository) ChildrenKeys(ctx context.Context, key string) (children []string, err error) {
	defer func() { observe("children", err) }()
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	keys, err := r.scan(subtreePrefix(key))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, k := range keys {
		if name, ok := childName(key, k); ok && !seen[name] {
			seen[name] = true
			children = append(children, name)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (r *PebbleRepository) Delete(ctx context.Context, key string) (err error) {
	defer func() { observe("delete", err) }()
	if r.closed.Load() {
		return ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	r.writeM.Lock()
	defer r.writeM.Unlock()

	prefix := subtreePrefix(key)
	removed, err := r.scan(prefix)
	if err != nil {
		return err
	}
	if _, closer, err := r.db.Get([]byte(key)); err == nil {
		closer.Close()
		removed = append([]string{key}, removed...)
	}

	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(key), nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	for _, k := range removed {
		r.hub.Signal(DataChangedEvent{Key: k, Type: Deleted})
	}
	return nil
}

func (r *PebbleRepository) Watch(ctx context.Context, key string, listener Listener) (func(), error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return r.hub.Subscribe(key, listener), nil
}

func (r *PebbleRepository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.hub.Close()
	return r.db.Close()
}

// scan returns every key starting with prefix, in order
func (r *PebbleRepository) scan(prefix []byte) ([]string, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

func subtreePrefix(key string) []byte {
	if key == "/" {
		return []byte("/")
	}
	return []byte(key + "/")
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // Prefix is all 0xff
}
