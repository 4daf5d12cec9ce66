// Package cmstate writes the Supervisor's state dump to disk atomically,
// so a reader never observes a half-written file. Two representations
// are kept side by side: a JSON file for programmatic consumers and a
// YAML companion for operators reading it by hand.
package cmstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"grimm.is/cm2/internal/cmtypes"
)

// DefaultStateDir is the default directory for the state dump, matching
// the teacher's /tmp/plume-style runtime state location.
const DefaultStateDir = "/tmp/plume"

// Dump is the serialized snapshot of the Supervisor's visible state.
type Dump struct {
	State       cmtypes.SupervisorState  `json:"state" yaml:"state"`
	UsedUplink  string                   `json:"used_uplink" yaml:"used_uplink"`
	Managers    []cmtypes.AddressTarget  `json:"managers,omitempty" yaml:"managers,omitempty"`
	Redirector  *cmtypes.AddressTarget   `json:"redirector,omitempty" yaml:"redirector,omitempty"`
	Counters    cmtypes.Counters         `json:"counters" yaml:"counters"`
	VTag        cmtypes.VTag             `json:"vtag" yaml:"vtag"`
	OnboardingBits byte                  `json:"onboarding_bits" yaml:"onboarding_bits"`
	AttemptID   string                   `json:"attempt_id,omitempty" yaml:"attempt_id,omitempty"`
}

// Writer writes Dumps atomically to stateDir/cm.state (JSON) and
// stateDir/cm.state.yaml (YAML).
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir. An empty dir defaults to
// DefaultStateDir.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = DefaultStateDir
	}
	return &Writer{dir: dir}
}

// Write serializes d and atomically replaces both state files: each is
// written to a ".tmp" sibling and then renamed into place, so a reader
// never observes partial content.
func (w *Writer) Write(d Dump) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("cmstate: mkdir %s: %w", w.dir, err)
	}

	jsonData, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("cmstate: marshal json: %w", err)
	}
	if err := atomicWrite(filepath.Join(w.dir, "cm.state"), jsonData); err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("cmstate: marshal yaml: %w", err)
	}
	return atomicWrite(filepath.Join(w.dir, "cm.state.yaml"), yamlData)
}

func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("cmstate: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cmstate: rename %s: %w", tmpPath, err)
	}
	return nil
}

// Read loads the JSON state file back, for tools that want to inspect
// the last-written dump rather than deserializing YAML.
func Read(dir string) (Dump, error) {
	if dir == "" {
		dir = DefaultStateDir
	}
	data, err := os.ReadFile(filepath.Join(dir, "cm.state"))
	if err != nil {
		return Dump{}, err
	}
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return Dump{}, fmt.Errorf("cmstate: unmarshal: %w", err)
	}
	return d, nil
}
