package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Output describes one output node of a project file.
type Output struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // "viewer" | "writer"

	// Viewer only.
	First   int     `yaml:"first,omitempty"`
	Last    int     `yaml:"last,omitempty"`
	Mode    string  `yaml:"mode,omitempty"` // "once" | "loop" | "bounce"
	FPS     float64 `yaml:"fps,omitempty"`
	Compare bool    `yaml:"compare,omitempty"`
}

// File is a project file: settings plus the output nodes to serve.
type File struct {
	Settings Settings `yaml:"settings"`

	// RenderCost is how long one synthetic tree render takes.
	RenderCost  time.Duration `yaml:"render_cost"`
	HistorySize int           `yaml:"history_size"`
	Outputs     []Output      `yaml:"outputs"`
}

// LoadFile reads a project file. Settings missing from the file keep the
// values of base.
func LoadFile(path string, base Settings) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading project file")
	}
	f := File{Settings: base}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating %s", path)
	}
	return &f, nil
}

// SaveFile writes f to path.
func SaveFile(path string, f *File) error {
	b, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encoding project file")
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate checks output names, kinds and modes.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Outputs))
	for i, o := range f.Outputs {
		if o.Name == "" {
			return errors.Newf("output %d has no name", i)
		}
		if seen[o.Name] {
			return errors.Newf("output %s declared twice", o.Name)
		}
		seen[o.Name] = true

		switch o.Kind {
		case "viewer", "writer":
		default:
			return errors.Newf("output %s: unknown kind %q", o.Name, o.Kind)
		}
		switch o.Mode {
		case "", "once", "loop", "bounce":
		default:
			return errors.Newf("output %s: unknown playback mode %q", o.Name, o.Mode)
		}
		if o.Kind == "viewer" && o.Last < o.First {
			return errors.Newf("output %s: last frame %d before first %d", o.Name, o.Last, o.First)
		}
	}
	return nil
}
