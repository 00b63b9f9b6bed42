package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NatsRepository stores keys in a JetStream KeyValue bucket shared by every node.
// A path /a/b/c is stored under the key a.b.c; dots inside a segment are escaped.
type NatsRepository struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	closed atomic.Bool

	watchMu  sync.Mutex
	watchers map[uint64]jetstream.KeyWatcher
	nextID   uint64
}

// NewNatsRepository connects to NATS and opens (or creates) the bucket
func NewNatsRepository(ctx context.Context, url, bucket string) (*NatsRepository, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Name("ferry-repository"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "ferry job progress",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}

	log.Info().Str("url", url).Str("bucket", bucket).Msg("Connected NATS repository")
	r := newNatsRepositoryWithKV(kv)
	r.nc = nc
	return r, nil
}

func newNatsRepositoryWithKV(kv jetstream.KeyValue) *NatsRepository {
	return &NatsRepository{
		kv:       kv,
		watchers: make(map[uint64]jetstream.KeyWatcher),
	}
}

func (r *NatsRepository) Get(ctx context.Context, key string) (value string, err error) {
	defer func() { observe("get", err) }()
	natsKey, err := r.natsKey(key)
	if err != nil {
		return "", err
	}

	entry, err := r.kv.Get(ctx, natsKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

func (r *NatsRepository) Persist(ctx context.Context, key, value string) (err error) {
	defer func() { observe("persist", err) }()
	natsKey, err := r.natsKey(key)
	if err != nil {
		return err
	}

	if _, err := r.kv.Put(ctx, natsKey, []byte(value)); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

func (r *NatsRepository) Create(ctx context.Context, key, value string) (err error) {
	defer func() { observe("create", err) }()
	natsKey, err := r.natsKey(key)
	if err != nil {
		return err
	}

	if _, err := r.kv.Create(ctx, natsKey, []byte(value)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrKeyExists, key)
		}
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	return nil
}

func (r *NatsRepository) ChildrenKeys(ctx context.Context, key string) (children []string, err error) {
	defer func() { observe("children", err) }()
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	keys, err := r.listSubtree(ctx, key)
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

func (r *NatsRepository) Delete(ctx context.Context, key string) (err error) {
	defer func() { observe("delete", err) }()
	if r.closed.Load() {
		return ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	keys, err := r.listSubtree(ctx, key)
	if err != nil {
		return err
	}
	if key != "/" {
		if _, err := r.Get(ctx, key); err == nil {
			keys = append(keys, key)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	for _, k := range keys {
		natsKey, _ := encodeNatsKey(k)
		if err := r.kv.Purge(ctx, natsKey); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}

func (r *NatsRepository) Watch(ctx context.Context, key string, listener Listener) (func(), error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	// Existing keys are read up front and the watch delivers only later
	// changes, so no write made after Watch returns can be mistaken for the
	// initial snapshot.
	existing, err := r.listSubtree(ctx, key)
	if err != nil {
		return nil, err
	}
	if key != "/" {
		if _, err := r.Get(ctx, key); err == nil {
			existing = append(existing, key)
		}
	}

	watchCtx, cancelCtx := context.WithCancel(ctx)
	watcher, err := r.kv.WatchFiltered(watchCtx, subtreeFilters(key), jetstream.UpdatesOnly())
	if err != nil {
		cancelCtx()
		return nil, fmt.Errorf("failed to watch %s: %w", key, err)
	}

	r.watchMu.Lock()
	r.nextID++
	id := r.nextID
	r.watchers[id] = watcher
	r.watchMu.Unlock()

	go r.dispatch(watchCtx, watcher, existing, listener)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelCtx()
			r.watchMu.Lock()
			delete(r.watchers, id)
			r.watchMu.Unlock()
			if err := watcher.Stop(); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("Failed to stop watcher")
			}
		})
	}, nil
}

// dispatch converts watch entries into change events. existing seeds the
// keys that count as updated rather than added.
func (r *NatsRepository) dispatch(ctx context.Context, watcher jetstream.KeyWatcher, existing []string, listener Listener) {
	known := make(map[string]bool, len(existing))
	for _, k := range existing {
		known[k] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			// the end of initial values carries nothing to deliver
			if entry == nil {
				continue
			}

			path, err := decodeNatsKey(entry.Key())
			if err != nil {
				log.Warn().Err(err).Str("key", entry.Key()).Msg("Skipping undecodable key")
				continue
			}

			switch entry.Operation() {
			case jetstream.KeyValuePut:
				evType := Updated
				if !known[path] {
					evType = Added
				}
				known[path] = true
				listener(DataChangedEvent{Key: path, Value: string(entry.Value()), Type: evType})
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				delete(known, path)
				listener(DataChangedEvent{Key: path, Type: Deleted})
			}
		}
	}
}

func (r *NatsRepository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.watchMu.Lock()
	for id, w := range r.watchers {
		w.Stop()
		delete(r.watchers, id)
	}
	r.watchMu.Unlock()

	if r.nc != nil {
		r.nc.Close()
	}
	return nil
}

func (r *NatsRepository) natsKey(key string) (string, error) {
	if r.closed.Load() {
		return "", ErrClosed
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	if key == "/" {
		return "", fmt.Errorf("%w: root has no value", ErrInvalidKey)
	}
	return encodeNatsKey(key)
}

func (r *NatsRepository) listSubtree(ctx context.Context, key string) ([]string, error) {
	filter := ">"
	if key != "/" {
		natsKey, err := encodeNatsKey(key)
		if err != nil {
			return nil, err
		}
		filter = natsKey + ".>"
	}

	lister, err := r.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", key, err)
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		path, err := decodeNatsKey(k)
		if err != nil {
			continue
		}
		keys = append(keys, path)
	}
	sort.Strings(keys)
	return keys, nil
}

func subtreeFilters(key string) []string {
	if key == "/" {
		return []string{">"}
	}
	natsKey, _ := encodeNatsKey(key)
	return []string{natsKey, natsKey + ".>"}
}

var segmentEscaper = strings.NewReplacer("=", "=3D", ".", "=2E")
var segmentUnescaper = strings.NewReplacer("=2E", ".", "=3D", "=")

func encodeNatsKey(path string) (string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		if s == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, path)
		}
		segments[i] = segmentEscaper.Replace(s)
	}
	return strings.Join(segments, "."), nil
}

func decodeNatsKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	segments := strings.Split(key, ".")
	for i, s := range segments {
		if s == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		segments[i] = segmentUnescaper.Replace(s)
	}
	return "/" + strings.Join(segments, "/"), nil
}
