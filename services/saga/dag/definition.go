// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// MaxDefinitionSize bounds definition files read from disk (4MB).
const MaxDefinitionSize = 4 * 1024 * 1024

// ErrDefinitionTooLarge is returned when a definition file exceeds MaxDefinitionSize.
var ErrDefinitionTooLarge = errors.New("definition file too large")

var definitionValidator = validator.New(validator.WithRequiredStructEnabled())

// Definition is the persisted/exchanged DAG document.
//
// Description:
//
//	The document shape is `{id, name, description, version, nodes[], edges[],
//	entryNode, exitNodes[]}`. Edge conditions keep their double-encoded
//	string form (see Condition). A Definition is only a document; NewGraph
//	turns it into an executable, validated Graph.
type Definition struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes       []Node   `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges       []Edge   `json:"edges" yaml:"edges" validate:"dive"`
	EntryNode   string   `json:"entryNode" yaml:"entryNode" validate:"required"`
	ExitNodes   []string `json:"exitNodes" yaml:"exitNodes" validate:"required,min=1,dive,required"`
}

// Validate checks the document shape. Graph-level checks happen in NewGraph.
func (d *Definition) Validate() error {
	if d == nil {
		return ErrNilGraph
	}
	if err := definitionValidator.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return newConfigError(fe.Namespace(), fmt.Errorf("failed %q validation", fe.Tag()))
		}
		return newConfigError("definition", err)
	}
	if d.Version != "" && !semver.IsValid(canonicalVersion(d.Version)) {
		return newConfigError("version", fmt.Errorf("%q is not a semantic version", d.Version))
	}
	return nil
}

// canonicalVersion prefixes a bare version with "v" as x/mod/semver expects.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// applyDefaults fills edge ids and flow kinds omitted by hand-written documents.
func (d *Definition) applyDefaults() {
	for i := range d.Edges {
		e := &d.Edges[i]
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s->%s", e.From, e.To)
		}
		if e.Flow == "" {
			if e.Condition != nil {
				e.Flow = FlowAutonomousDecision
			} else {
				e.Flow = FlowLLMCall
			}
		}
	}
}

// ParseDefinitionJSON decodes and validates a JSON definition.
func ParseDefinitionJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, newConfigError("document", fmt.Errorf("decode json: %w", err))
	}
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionYAML decodes and validates a YAML definition.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, newConfigError("document", fmt.Errorf("decode yaml: %w", err))
	}
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition, choosing the decoder by extension.
//
// Inputs:
//
//	path - A .json, .yaml or .yml file no larger than MaxDefinitionSize.
//
// Outputs:
//
//	*Definition - The decoded, shape-validated document.
//	error - Non-nil on I/O, size, decode or validation failure.
func LoadDefinitionFile(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definition %s: %w", path, err)
	}
	if info.Size() > MaxDefinitionSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrDefinitionTooLarge, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseDefinitionYAML(data)
	default:
		return ParseDefinitionJSON(data)
	}
}
