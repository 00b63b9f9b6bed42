// Package repository provides the shared hierarchical key/value store that holds
// job progress. Keys are slash separated absolute paths such as
// /pipeline/jobs/<jobId>/offset/0.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/ferry/notify"
	"github.com/maxpert/ferry/telemetry"
)

var (
	// ErrNotFound is returned by Get for a missing key
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned once a repository is closed
	ErrClosed = errors.New("repository closed")
	// ErrInvalidKey is returned for keys that are not absolute slash separated paths
	ErrInvalidKey = errors.New("invalid key")
	// ErrKeyExists is returned by Create when the key already holds a value
	ErrKeyExists = errors.New("key already exists")
)

// DataChangedEvent describes a change under a watched key
type DataChangedEvent = notify.Event

// Listener receives change events
type Listener = notify.Listener

const (
	Added   = notify.Added
	Updated = notify.Updated
	Deleted = notify.Deleted
)

// Repository is a watchable hierarchical key/value store shared by every node of a job
type Repository interface {
	// Get returns the value at key or ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	// Persist overwrites the value at key
	Persist(ctx context.Context, key, value string) error
	// Create writes key only if it holds no value, atomically across nodes
	Create(ctx context.Context, key, value string) error
	// ChildrenKeys returns the sorted names of the direct children of key
	ChildrenKeys(ctx context.Context, key string) ([]string, error)
	// Delete removes key and its whole subtree
	Delete(ctx context.Context, key string) error
	// Watch invokes listener for every change to key or anything below it
	Watch(ctx context.Context, key string, listener Listener) (cancel func(), err error)
	Close() error
}

// Join builds a key from path segments
func Join(root string, segments ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(root, "/"))
	for _, s := range segments {
		sb.WriteByte('/')
		sb.WriteString(strings.Trim(s, "/"))
	}
	return sb.String()
}

func validateKey(key string) error {
	if key == "" || key[0] != '/' || (len(key) > 1 && strings.HasSuffix(key, "/")) || strings.Contains(key, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// childName returns the first path segment of key below parent
func childName(parent, key string) (string, bool) {
	prefix := strings.TrimRight(parent, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

func observe(op string, err error) {
	result := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		result = "failed"
	}
	telemetry.RepositoryOpsTotal.With(op, result).Inc()
}
