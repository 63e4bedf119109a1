// Package supervisor starts the rover daemons in dependency order, gates
// each startup on the previous daemon's status artifact, and restarts
// crashed children within a bounded budget.
package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so manifests can spell intervals as
// strings like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProcessSpec describes one supervised child.
type ProcessSpec struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`

	// Critical children take the whole supervisor down when their
	// restart budget runs out.
	Critical bool `yaml:"critical"`

	// StatusFile, when set, must be written and fresh before the next
	// child in the manifest starts.
	StatusFile string `yaml:"status_file"`

	// StartupTimeout bounds the wait for StatusFile. Zero means the
	// default.
	StartupTimeout Duration `yaml:"startup_timeout"`

	// MaxRestarts is the restart budget after the initial start.
	MaxRestarts int `yaml:"max_restarts"`
}

// Manifest is the ordered list of children.
type Manifest struct {
	Processes []ProcessSpec `yaml:"processes"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Processes) == 0 {
		return nil, fmt.Errorf("manifest has no processes")
	}
	seen := make(map[string]bool, len(m.Processes))
	for i, p := range m.Processes {
		if p.Name == "" {
			return nil, fmt.Errorf("process %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate process name %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("process %q has no command", p.Name)
		}
		if p.MaxRestarts < 0 {
			return nil, fmt.Errorf("process %q has negative max_restarts", p.Name)
		}
	}
	return &m, nil
}
