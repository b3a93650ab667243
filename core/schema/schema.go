// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON request bodies against JSON schemas
package schema

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// RefsDir is the directory of a schema file system holding the referenced schemas
const RefsDir = "refs"

// Validator validates documents against a set of compiled schemas, addressed by their $id
type Validator struct {
	compiled map[string]*gojsonschema.Schema
}

// ValidationError lists what is wrong with a document
type ValidationError struct {
	SchemaID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document does not match %s: %s", e.SchemaID, strings.Join(e.Problems, "; "))
}

// Load compiles all .json files of fsys. Files in RefsDir may be referenced
// by the others but are not validators of their own. Other subdirectories are
// ignored.
func Load(fsys fs.FS) (*Validator, error) {
	var schemas, refs [][]byte
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && p != RefsDir {
				return fs.SkipDir
			}
			return nil
		}
		if path.Ext(p) != ".json" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		if path.Dir(p) == RefsDir {
			refs = append(refs, data)
		} else {
			schemas = append(schemas, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	return Compile(schemas, refs)
}

// Compile compiles schemas, each of which may reference any of refs. Every
// schema needs an $id.
func Compile(schemas, refs [][]byte) (*Validator, error) {
	v := &Validator{compiled: map[string]*gojsonschema.Schema{}}
	for _, data := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("parse schema: %w", err)
		}
		if len(header.ID) == 0 {
			return nil, fmt.Errorf("schema without $id: %.60s", data)
		}
		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewBytesLoader(ref)); err != nil {
				return nil, fmt.Errorf("add reference for %s: %w", header.ID, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", header.ID, err)
		}
		v.compiled[header.ID] = compiled
	}
	return v, nil
}

// Has returns true if a schema with the $id is known
func (v *Validator) Has(id string) bool {
	_, ok := v.compiled[id]
	return ok
}

// Validate validates a JSON document. A document that does not match yields
// a *ValidationError.
func (v *Validator) Validate(id string, document []byte) error {
	return v.validate(id, gojsonschema.NewBytesLoader(document))
}

// ValidateObject validates a Go value as if it was marshalled to JSON
func (v *Validator) ValidateObject(id string, object interface{}) error {
	return v.validate(id, gojsonschema.NewGoLoader(object))
}

func (v *Validator) validate(id string, loader gojsonschema.JSONLoader) error {
	compiled, ok := v.compiled[id]
	if !ok {
		return fmt.Errorf("unknown schema %s", id)
	}
	result, err := compiled.Validate(loader)
	if err != nil {
		return fmt.Errorf("validate against %s: %w", id, err)
	}
	if result.Valid() {
		return nil
	}
	e := &ValidationError{SchemaID: id}
	for _, re := range result.Errors() {
		e.Problems = append(e.Problems, re.String())
	}
	return e
}
