// Package schema describes the field layout of each object kind: scalar
// fields, typed reference fields, and external array fields, plus the
// constraints the metadata store enforces (required fields, enumerated
// domains, reference target kinds, array rank and element type).
//
// Kind specifications are registered once at process start; the catalog,
// store, and package layers consult the registry but never name concrete
// kinds themselves. Adding an object kind means registering a spec and a
// factory, not editing the storage layers.
package schema

import (
	"fmt"
	"slices"
	"sync"

	"github.com/strataforge/strata/arraystore"
)

// FieldType classifies a scalar document field.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldBool    FieldType = "bool"
	FieldDate    FieldType = "date"
	FieldStruct  FieldType = "struct" // nested structured value, stored as-is
)

// FieldSpec describes one scalar field of a kind.
type FieldSpec struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string
	// Enum restricts a text field to the listed values. Empty means
	// unrestricted.
	Enum []string
}

// RefSpec describes one reference field: a field holding one or more OIDs
// of other objects in the same package.
type RefSpec struct {
	Name     string
	Required bool
	// Many marks a field holding a list of OIDs rather than a single one.
	Many bool
	// Targets restricts the kinds the reference may resolve to. Empty
	// means any kind.
	Targets []string
	// Acyclic marks a reference along which cycles are forbidden
	// package-wide (e.g. a parent chain).
	Acyclic bool
}

// ArraySpec describes one external array field.
type ArraySpec struct {
	Name     string
	Required bool
	// DType constrains the element type. Empty means any.
	DType arraystore.DType
	// Rank constrains the number of dimensions. Zero means any.
	Rank int
}

// KindSpec is the complete field specification of one object kind.
type KindSpec struct {
	Kind   string
	Doc    string
	Fields []FieldSpec
	Refs   []RefSpec
	Arrays []ArraySpec
}

// Field returns the scalar field spec with the given name, or nil.
func (k *KindSpec) Field(name string) *FieldSpec {
	for i := range k.Fields {
		if k.Fields[i].Name == name {
			return &k.Fields[i]
		}
	}
	return nil
}

// Ref returns the reference field spec with the given name, or nil. The
// returned pointer aliases the spec, so registration-time annotation can
// set targets and acyclicity in place.
func (k *KindSpec) Ref(name string) *RefSpec {
	for i := range k.Refs {
		if k.Refs[i].Name == name {
			return &k.Refs[i]
		}
	}
	return nil
}

// Array returns the array field spec with the given name, or nil.
func (k *KindSpec) Array(name string) *ArraySpec {
	for i := range k.Arrays {
		if k.Arrays[i].Name == name {
			return &k.Arrays[i]
		}
	}
	return nil
}

// Validate checks that the spec is internally consistent.
func (k *KindSpec) Validate() error {
	if k.Kind == "" {
		return fmt.Errorf("kind name is required")
	}
	seen := map[string]bool{}
	for _, f := range k.Fields {
		if f.Name == "" {
			return fmt.Errorf("kind %s: unnamed scalar field", k.Kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("kind %s: duplicate field %q", k.Kind, f.Name)
		}
		seen[f.Name] = true
	}
	for _, r := range k.Refs {
		if r.Name == "" {
			return fmt.Errorf("kind %s: unnamed reference field", k.Kind)
		}
		if seen[r.Name] {
			return fmt.Errorf("kind %s: duplicate field %q", k.Kind, r.Name)
		}
		seen[r.Name] = true
	}
	for _, a := range k.Arrays {
		if a.Name == "" {
			return fmt.Errorf("kind %s: unnamed array field", k.Kind)
		}
		if seen[a.Name] {
			return fmt.Errorf("kind %s: duplicate field %q", k.Kind, a.Name)
		}
		seen[a.Name] = true
		if a.DType != "" && !a.DType.Valid() {
			return fmt.Errorf("kind %s: array %q has invalid dtype %q", k.Kind, a.Name, a.DType)
		}
	}
	return nil
}

// Registry maps kind names to their specifications.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*KindSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*KindSpec)}
}

// Register adds a kind spec. Registering the same kind twice is an error.
func (r *Registry) Register(spec *KindSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[spec.Kind]; ok {
		return fmt.Errorf("kind %q already registered", spec.Kind)
	}
	r.kinds[spec.Kind] = spec
	return nil
}

// Lookup returns the spec for kind, or nil if unregistered.
func (r *Registry) Lookup(kind string) *KindSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[kind]
}

// Kinds returns the registered kind names in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Default is the process-wide registry that built-in kinds register into.
var Default = NewRegistry()

// Register adds a kind spec to the default registry, panicking on conflict.
// Intended for init-time registration of built-in kinds.
func Register(spec *KindSpec) {
	if err := Default.Register(spec); err != nil {
		panic("schema: " + err.Error())
	}
}

// Lookup consults the default registry.
func Lookup(kind string) *KindSpec {
	return Default.Lookup(kind)
}
