package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a LocalStore persisted as one JSON object. Every write rewrites the
// file through a rename so a crash never leaves it half written.
type File struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

// OpenFile loads path, creating an empty store if it does not exist
func OpenFile(path string) (*File, error) {
	f := &File{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read local store: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.values); err != nil {
			return nil, fmt.Errorf("failed to parse local store %s: %w", path, err)
		}
	}
	return f, nil
}

func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.flush()
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}

func (f *File) Update(key string, fn func(value string, ok bool) (string, bool)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	next, keep := fn(v, ok)
	switch {
	case keep:
		f.values[key] = next
	case ok:
		delete(f.values, key)
	default:
		return nil
	}
	return f.flush()
}

// flush must be called with f.mu held
func (f *File) flush() error {
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode local store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create local store directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write local store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace local store: %w", err)
	}
	return nil
}
