// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements a durable key-value store backed in-memory, by a
// JSON file, by SQLite or by PostgreSQL.
package store

import (
	"context"
	"fmt"
	"strings"
)

// Store is a generic interface for a key-value store.
type Store interface {
	// Get retrieves a value for a given key.
	// It must return (nil, nil) if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value for a given key.
	Set(ctx context.Context, key string, value []byte) error
	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close closes the store and releases any resources.
	Close() error
}

// Open opens a store identified by dsn.
//
// The backend is picked from the DSN shape: "mem" opens an in-memory store,
// "postgres://" or "postgresql://" URLs open a PostgreSQL store, paths with
// the "sqlite://" prefix or a ".db" suffix open a SQLite database, and paths
// with a ".json" suffix open a JSON file store.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "mem":
		return NewMemStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasSuffix(dsn, ".db"):
		return NewSQLiteStore(ctx, dsn)
	case strings.HasSuffix(dsn, ".json"):
		return NewJSONFile(dsn)
	}
	return nil, fmt.Errorf("store: unsupported DSN %q", dsn)
}

// likePattern converts prefix into a SQL LIKE pattern that matches all keys
// starting with it, escaping LIKE metacharacters with a backslash.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
