// Package mapping loads the declarative field-mapping and conflict
// resolution catalogs.
//
// Catalogs are immutable once loaded. Reloads parse a fresh catalog and
// swap it in atomically, so in-flight jobs keep the version they started
// with.
package mapping

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/camatools/pacsync/internal/types"
)

// TransformSpec is one named transform plus its optional argument,
// parsed from the "name" or "name(arg)" catalog syntax.
type TransformSpec struct {
	Name string
	Arg  string
}

// ParseTransformSpec parses "trim" or "format_date(2006-01-02)".
func ParseTransformSpec(s string) (TransformSpec, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if s == "" {
			return TransformSpec{}, fmt.Errorf("empty transform spec")
		}
		return TransformSpec{Name: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return TransformSpec{}, fmt.Errorf("malformed transform spec %q", s)
	}
	name := strings.TrimSpace(s[:open])
	if name == "" {
		return TransformSpec{}, fmt.Errorf("malformed transform spec %q", s)
	}
	return TransformSpec{Name: name, Arg: s[open+1 : len(s)-1]}, nil
}

// FieldMapping maps one source field to one target field. Mappings are
// declared as a list so declaration order is preserved; the validator
// reports errors in this order.
type FieldMapping struct {
	Source     string
	Target     string
	Transforms []TransformSpec
	Default    interface{}
	HasDefault bool
	// ParentRef names the parent entity type whose source ID this field
	// carries. The transformer swaps it for the target ID.
	ParentRef types.EntityType
}

// Catalog holds the per-entity field mappings. Immutable after load.
type Catalog struct {
	entities map[types.EntityType][]FieldMapping
}

// Mappings returns the declared mappings for an entity type, in
// declaration order. Nil when the entity is not configured.
func (c *Catalog) Mappings(entity types.EntityType) []FieldMapping {
	if c == nil {
		return nil
	}
	return c.entities[entity]
}

// Entities returns the configured entity types in sync dependency order.
func (c *Catalog) Entities() []types.EntityType {
	var out []types.EntityType
	for _, e := range types.EntityOrder {
		if _, ok := c.entities[e]; ok {
			out = append(out, e)
		}
	}
	return out
}

// TargetFields returns the mapped target field names for an entity, in
// declaration order.
func (c *Catalog) TargetFields(entity types.EntityType) []string {
	ms := c.Mappings(entity)
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Target)
	}
	return out
}

// yaml wire types

type catalogFile struct {
	Entities map[string]entityFile `yaml:"entities"`
}

type entityFile struct {
	Mappings []mappingFile `yaml:"mappings"`
}

type mappingFile struct {
	Source     string      `yaml:"source"`
	Target     string      `yaml:"target"`
	Transforms []string    `yaml:"transforms"`
	Default    interface{} `yaml:"default"`
	ParentRef  string      `yaml:"parent_ref"`
}

// LoadCatalog reads and parses a field-mapping catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mapping: parse catalog: %w", err)
	}
	cat := &Catalog{entities: make(map[types.EntityType][]FieldMapping, len(file.Entities))}
	for name, ent := range file.Entities {
		entity := types.EntityType(name)
		if !entity.IsValid() {
			return nil, fmt.Errorf("mapping: unknown entity type %q", name)
		}
		var mappings []FieldMapping
		for _, m := range ent.Mappings {
			if m.Source == "" || m.Target == "" {
				return nil, fmt.Errorf("mapping: %s: mapping needs source and target", name)
			}
			fm := FieldMapping{Source: m.Source, Target: m.Target}
			for _, ts := range m.Transforms {
				spec, err := ParseTransformSpec(ts)
				if err != nil {
					return nil, fmt.Errorf("mapping: %s.%s: %w", name, m.Source, err)
				}
				fm.Transforms = append(fm.Transforms, spec)
			}
			if m.Default != nil {
				fm.Default = m.Default
				fm.HasDefault = true
			}
			if m.ParentRef != "" {
				ref := types.EntityType(m.ParentRef)
				if !ref.IsValid() {
					return nil, fmt.Errorf("mapping: %s.%s: unknown parent_ref %q", name, m.Source, m.ParentRef)
				}
				fm.ParentRef = ref
			}
			mappings = append(mappings, fm)
		}
		cat.entities[entity] = mappings
	}
	return cat, nil
}
