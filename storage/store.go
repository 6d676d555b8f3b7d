package storage

import (
	"context"
	"strings"
)

// Store is a durable key/value layer addressed by "namespace/name" keys.
// Put, Get and Delete must each be atomic: a concurrent reader never sees a
// half-written value and a crash between two calls leaves every key either
// at its old or its new value.
type Store interface {
	// Put creates or overwrites the record at key.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key joins a namespace and a record name.
func Key(namespace, name string) string {
	return strings.Trim(namespace, "/") + "/" + name
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (namespace, name string, err error) {
	idx := strings.Index(key, "/")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", invalidKey(key)
	}
	namespace, name = key[:idx], key[idx+1:]
	if _, err := sanitizeComponent(namespace); err != nil {
		return "", "", invalidKey(key)
	}
	if _, err := sanitizeComponent(name); err != nil {
		return "", "", invalidKey(key)
	}
	return namespace, name, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errInvalidComponent
	}
	if strings.TrimSpace(v) != v || v == "" {
		return "", errInvalidComponent
	}
	if strings.HasPrefix(v, ".") {
		return "", errInvalidComponent
	}
	return v, nil
}
