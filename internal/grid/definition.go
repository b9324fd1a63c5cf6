/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package grid hosts the equiplet agents of one instance and wires the grid services.
package grid

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/equiplet_grid/internal/equiplet"
	"github.com/friendsincode/equiplet_grid/internal/models"
)

// Definition lists the equiplets of a grid.
type Definition struct {
	// NodeDelay is how long simulated nodes take to switch state.
	NodeDelay time.Duration `yaml:"node_delay"`
	Equiplets []EquipletDef `yaml:"equiplets"`
}

// EquipletDef describes one equiplet of the grid file.
type EquipletDef struct {
	ID           string            `yaml:"id"`
	Durations    map[string]int64  `yaml:"capabilities"`
	InitialState string            `yaml:"initial_state"`
	Connection   map[string]string `yaml:"connection"`
}

// Capabilities returns the offered capabilities in name order.
func (d EquipletDef) Capabilities() []string {
	out := make([]string, 0, len(d.Durations))
	for c := range d.Durations {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// LoadDefinition reads a grid file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid file: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a grid file.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse grid file: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks ids, durations and initial states.
func (d *Definition) Validate() error {
	seen := make(map[string]bool, len(d.Equiplets))
	for i, e := range d.Equiplets {
		if e.ID == "" {
			return fmt.Errorf("equiplet %d has no id", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("equiplet %s defined twice", e.ID)
		}
		seen[e.ID] = true
		if len(e.Durations) == 0 {
			return fmt.Errorf("equiplet %s offers no capabilities", e.ID)
		}
		for c, dur := range e.Durations {
			if dur <= 0 {
				return fmt.Errorf("equiplet %s: capability %s needs a positive duration", e.ID, c)
			}
		}
		if e.InitialState != "" {
			if _, err := equiplet.ParseState(e.InitialState); err != nil {
				return fmt.Errorf("equiplet %s: %w", e.ID, err)
			}
		}
	}
	if d.NodeDelay < 0 {
		return fmt.Errorf("node_delay must not be negative")
	}
	return nil
}

// Lookup returns the definition of equiplet id.
func (d *Definition) Lookup(id string) (EquipletDef, bool) {
	for _, e := range d.Equiplets {
		if e.ID == id {
			return e, true
		}
	}
	return EquipletDef{}, false
}

// LoadProduct reads a product file for submission.
func LoadProduct(path string) (models.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Product{}, fmt.Errorf("read product file: %w", err)
	}
	var p models.Product
	if err := yaml.Unmarshal(data, &p); err != nil {
		return models.Product{}, fmt.Errorf("parse product file: %w", err)
	}
	return p, nil
}
