// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"strings"

	"crawshaw.dev/jsonfile"
)

// JSONFile is a file-backed implementation of the [Store] interface.
//
// Every write rewrites the whole file atomically, so it suits small data
// sets that must survive restarts without a database.
type JSONFile struct {
	f *jsonfile.JSONFile[jsonStore]
}

type jsonStore struct {
	Data map[string][]byte `json:"data"`
}

// NewJSONFile creates a new [JSONFile] backed by the file at path.
func NewJSONFile(path string) (*JSONFile, error) {
	f, err := jsonfile.Load[jsonStore](path)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = jsonfile.New[jsonStore](path)
		if err == nil {
			if err := f.Write(func(js *jsonStore) error {
				js.Data = make(map[string][]byte)
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &JSONFile{f: f}, nil
}

// Get retrieves a value for a given key.
func (s *JSONFile) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	s.f.Read(func(js *jsonStore) {
		if v, ok := js.Data[key]; ok {
			val = append([]byte(nil), v...)
		}
	})
	return val, nil
}

// Set stores a value for a given key.
func (s *JSONFile) Set(_ context.Context, key string, val []byte) error {
	return s.f.Write(func(js *jsonStore) error {
		if js.Data == nil {
			js.Data = make(map[string][]byte)
		}
		js.Data[key] = append([]byte(nil), val...)
		return nil
	})
}

// List returns all keys starting with prefix, sorted.
func (s *JSONFile) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	s.f.Read(func(js *jsonStore) {
		for key := range js.Data {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
	})
	slices.Sort(keys)
	return keys, nil
}

// Close closes the file store.
func (s *JSONFile) Close() error { return nil }
