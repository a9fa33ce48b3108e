package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"smartsession/pkg/seal"
)

// FileBackend persists a key/value map as a JSON file with owner-only
// permissions. The file is re-read on every Load so a refresh written by
// another process is visible immediately.
type FileBackend struct {
	path   string
	sealer *seal.Sealer
	mu     sync.Mutex
}

// NewFileBackend creates a file backend. A non-nil sealer encrypts the file.
func NewFileBackend(path string, sealer *seal.Sealer) *FileBackend {
	return &FileBackend{
		path:   path,
		sealer: sealer,
	}
}

// DefaultCacheDir returns the per-user directory for smartsession files.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".cache")
	}
	return filepath.Join(dir, "smartsession")
}

// Path returns the backing file path.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *FileBackend) Save(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		// An unreadable file is replaced rather than blocking new credentials.
		values = make(map[string]string)
	}
	values[key] = value
	return f.write(values)
}

func (f *FileBackend) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _, err := f.remove(key)
	return err
}

func (f *FileBackend) Take(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove(key)
}

// remove deletes key and returns its previous value. f.mu must be held.
func (f *FileBackend) remove(key string) (string, bool, error) {
	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	if !ok {
		return "", false, nil
	}
	delete(values, key)
	if err := f.rewrite(values); err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (f *FileBackend) rewrite(values map[string]string) error {
	if len(values) == 0 {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete credential file: %w", err)
		}
		return nil
	}
	return f.write(values)
}

func (f *FileBackend) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	if f.sealer != nil {
		data, err = f.sealer.Open(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to unseal credential file: %w", err)
		}
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential file: %w", err)
	}
	return values, nil
}

func (f *FileBackend) write(values map[string]string) error {
	// Create directory with 0700 permissions (rwx for owner only)
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if f.sealer != nil {
		sealed, err := f.sealer.Seal(data)
		if err != nil {
			return err
		}
		data = []byte(sealed)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
