package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the file form of a pipeline. Either Preset or Steps is set.
type Definition struct {
	Name   string     `json:"name,omitempty" yaml:"name,omitempty"`
	Preset string     `json:"preset,omitempty" yaml:"preset,omitempty"`
	Steps  []StepSpec `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Build turns the definition into a validated pipeline.
func (d Definition) Build() (*Pipeline, error) {
	switch {
	case d.Preset != "" && len(d.Steps) > 0:
		return nil, fmt.Errorf("pipeline %q sets both a preset and steps", d.Name)
	case d.Preset != "":
		return Preset(d.Preset)
	default:
		return FromSpecs(d.Name, d.Steps)
	}
}

// DefinitionOf describes p so that Build recreates it.
func DefinitionOf(p *Pipeline) Definition {
	return Definition{Name: p.Name(), Steps: p.Specs()}
}

// ParseDefinition decodes a YAML (or JSON) pipeline definition. Unknown keys
// are rejected.
func ParseDefinition(data []byte) (Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Definition{}, fmt.Errorf("parse pipeline definition: %w", err)
	}
	return d, nil
}

// LoadFile reads and builds the pipeline in path. A definition without a
// name is named after the file.
func LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if d.Name == "" {
		d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return d.Build()
}

// Marshal encodes d as YAML.
func (d Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
