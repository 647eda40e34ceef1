package adapters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// FileKeyValueStore is the default KeyValueStore implementation.
// Stores all keys as one JSON object in a file.
type FileKeyValueStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// Ensure FileKeyValueStore implements KeyValueStore interface
var _ KeyValueStore = (*FileKeyValueStore)(nil)

// NewFileKeyValueStore creates a store backed by the file at path on fs.
// A nil fs means the OS filesystem.
func NewFileKeyValueStore(fs afero.Fs, path string) *FileKeyValueStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileKeyValueStore{fs: fs, path: path}
}

// Get reads key from the file. A missing file holds no keys.
func (f *FileKeyValueStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set writes key and persists the whole file.
func (f *FileKeyValueStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

// Delete removes key and persists the file.
func (f *FileKeyValueStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.save(values)
}

// Clear removes the storage file.
func (f *FileKeyValueStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.fs.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("remove %s: %w", f.path, err)
	}
	return nil
}

func (f *FileKeyValueStore) load() (map[string]string, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, xerrors.Errorf("read %s: %w", f.path, err)
	}
	values := map[string]string{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, xerrors.Errorf("decode %s: %w", f.path, err)
	}
	return values, nil
}

func (f *FileKeyValueStore) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return xerrors.Errorf("encode values: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Errorf("create %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(f.fs, f.path, data, 0o600); err != nil {
		return xerrors.Errorf("write %s: %w", f.path, err)
	}
	return nil
}
