package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type stateFile struct {
	Parameters  map[string]Section  `json:"parameters"`
	StepResults map[string]Artifact `json:"step_results"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// SaveState writes pc to path with mode 0640. The file may contain secret parameters.
func SaveState(path string, pc *Context) error {
	data, err := json.MarshalIndent(stateFile{
		Parameters:  pc.Parameters,
		StepResults: pc.StepResults,
		UpdatedAt:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// LoadState reads a context saved by SaveState. A missing file yields an empty context.
func LoadState(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewContext(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	pc := NewContext()
	if st.Parameters != nil {
		pc.Parameters = st.Parameters
	}
	if st.StepResults != nil {
		pc.StepResults = st.StepResults
	}
	return pc, nil
}

// LoadParameters reads a YAML document of sections, e.g.
//
//	blockchain:
//	  rpc_url: https://sepolia.example
//	admin:
//	  wallet_address: 0x...
func LoadParameters(path string) (map[string]Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	var params map[string]Section
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse parameters %s: %w", path, err)
	}
	return params, nil
}
