package reporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/saintparish4/trafficcop/shared/models"
)

// State is what the agent keeps across restarts
type State struct {
	NodeID       int64               `json:"node_id"`
	Instance     string              `json:"instance"`
	PushPath     string              `json:"push_path,omitempty"`
	RegisteredAt time.Time           `json:"registered_at,omitempty"`
	Config       *models.AgentConfig `json:"config,omitempty"`
	Ledger       Ledger              `json:"ledger"`
}

// Registered reports whether the control plane has assigned a node id
func (s *State) Registered() bool {
	return s.NodeID > 0
}

// LoadState reads the state file. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the state atomically through a temp file and rename
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
