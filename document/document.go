// Package document implements the metadata store: schema-typed per-object
// documents, validation against the kind registry, and the atomic
// document/reference transaction that keeps the catalog's reference sets in
// sync with document contents.
package document

import (
	"maps"
	"slices"
	"time"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/catalog"
	"github.com/strataforge/strata/oid"
)

// Document is the structured metadata record of one object: a citation
// block, scalar fields, typed reference fields, and external array refs.
// Field names and their constraints come from the kind's [schema.KindSpec].
type Document struct {
	OID      oid.OID                   `json:"oid"`
	Kind     string                    `json:"kind"`
	Citation catalog.Citation          `json:"citation"`
	Fields   map[string]any            `json:"fields,omitempty"`
	Refs     map[string][]oid.OID      `json:"refs,omitempty"`
	Arrays   map[string]arraystore.Ref `json:"arrays,omitempty"`
	// Extra is free-form string metadata preserved round-trip but never
	// validated.
	Extra map[string]string `json:"extra,omitempty"`
}

// New returns a document of the given kind with a fresh OID and citation
// timestamps set to now.
func New(kind, title string) *Document {
	now := time.Now().UTC().Truncate(time.Second)
	return &Document{
		OID:  oid.New(),
		Kind: kind,
		Citation: catalog.Citation{
			Title:   title,
			Created: now,
		},
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := *d
	if d.Fields != nil {
		c.Fields = maps.Clone(d.Fields)
	}
	if d.Refs != nil {
		c.Refs = make(map[string][]oid.OID, len(d.Refs))
		for k, v := range d.Refs {
			c.Refs[k] = slices.Clone(v)
		}
	}
	if d.Arrays != nil {
		c.Arrays = make(map[string]arraystore.Ref, len(d.Arrays))
		for k, v := range d.Arrays {
			c.Arrays[k] = arraystore.Ref{Shape: v.Shape.Clone(), DType: v.DType, Compression: v.Compression}
		}
	}
	if d.Extra != nil {
		c.Extra = maps.Clone(d.Extra)
	}
	return &c
}

// SetField sets a scalar field value.
func (d *Document) SetField(name string, value any) {
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	d.Fields[name] = value
}

// SetRef sets a single-target reference field.
func (d *Document) SetRef(name string, target oid.OID) {
	d.SetRefs(name, target)
}

// SetRefs sets a reference field to the given targets.
func (d *Document) SetRefs(name string, targets ...oid.OID) {
	if d.Refs == nil {
		d.Refs = make(map[string][]oid.OID)
	}
	d.Refs[name] = slices.Clone(targets)
}

// SetArray sets an array field descriptor.
func (d *Document) SetArray(name string, ref arraystore.Ref) {
	if d.Arrays == nil {
		d.Arrays = make(map[string]arraystore.Ref)
	}
	d.Arrays[name] = ref
}

// Ref returns the single target of a reference field, or the zero OID.
func (d *Document) Ref(name string) oid.OID {
	if targets := d.Refs[name]; len(targets) > 0 {
		return targets[0]
	}
	return oid.Zero
}

// RefSet returns the union of all reference targets.
func (d *Document) RefSet() oid.Set {
	s := oid.NewSet()
	for _, targets := range d.Refs {
		for _, t := range targets {
			s.Add(t)
		}
	}
	return s
}

// ArrayNames returns the array field names in sorted order.
func (d *Document) ArrayNames() []string {
	names := slices.Collect(maps.Keys(d.Arrays))
	slices.Sort(names)
	return names
}
