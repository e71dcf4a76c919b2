package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"biopoem/pkg/agentapi"
)

// StatusStore is the job status artifact in the working directory. A missing
// file means the job is still running.
type StatusStore struct {
	path string
	once sync.Once
}

// NewStatusStore returns a store backed by dir/status.
func NewStatusStore(dir string) *StatusStore {
	return &StatusStore{path: filepath.Join(dir, agentapi.StatusFile)}
}

// Read returns the current status.
func (s *StatusStore) Read() (agentapi.Status, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return agentapi.StatusRunning, nil
	}
	if err != nil {
		return "", err
	}
	return agentapi.Status(strings.TrimSpace(string(data))), nil
}

// Complete records the terminal status for exitCode. Only the first call
// writes; later calls return nil without touching the file.
func (s *StatusStore) Complete(exitCode int) (agentapi.Status, error) {
	status := agentapi.StatusFailed
	if exitCode == 0 {
		status = agentapi.StatusSuccess
	}

	var err error
	written := false
	s.once.Do(func() {
		written = true
		err = writeAtomic(s.path, []byte(status))
	})
	if !written {
		return s.Read()
	}
	return status, err
}

// Reset removes a status left over from an earlier run.
func (s *StatusStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale status: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
