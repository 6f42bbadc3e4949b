package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sddworks/changeflow/internal/errors"
)

// StateFileName is the name of the state file within the state directory.
const StateFileName = "state.json"

// Store persists the workflow state as a single versioned JSON record.
// All mutations go through Load/Save pairs; Save applies an optimistic
// version check so concurrent writers fail loudly instead of racing.
// Cross-process serialization is provided by the advisory Lock (lock.go).
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at the given state directory
// (typically {repoRoot}/.changeflow). The directory is created on first
// save, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of the state file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, StateFileName)
}

// Load reads the current state. A missing state file yields a fresh empty
// state at version 0, so first runs need no explicit initialization.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

func (s *Store) loadLocked() (*State, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSessionCorrupted, err)
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = SchemaVersion
	}
	if st.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", errors.ErrSchemaVersion, st.SchemaVersion)
	}
	if st.Sessions == nil {
		st.Sessions = make(map[string]*ChangeSession)
	}
	return &st, nil
}

// Save persists the state with an optimistic version check: if the on-disk
// version differs from the version the caller loaded, another writer got
// there first and Save returns a StateConflictError without writing. On
// success the persisted version is incremented and reflected in st.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	if current.Version != st.Version {
		return errors.NewStateConflictError(st.Version, current.Version)
	}

	st.Version++
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		st.Version--
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		st.Version--
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := atomicWriteFile(s.Path(), data, 0644); err != nil {
		st.Version--
		return err
	}
	return nil
}

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file first, then renaming. This ensures the target file is never in a
// partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	// Create temp file in same directory to ensure atomic rename
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
