// Package object is the typed layer over the generic document and array
// primitives: each earth-model class is a Go struct whose fields map onto
// a metadata document, registered once with its kind spec and a factory.
// The lower layers never learn about specific kinds; adding one means
// declaring a struct here (or in a client package) and registering it.
package object

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/catalog"
	"github.com/strataforge/strata/document"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/schema"
)

// Object is the capability set every typed kind implements. Concrete kinds
// embed [Base] for the identity and citation half and add ObjectKind.
type Object interface {
	Identifier() oid.OID
	SetIdentifier(oid.OID)
	Citation() *catalog.Citation
	ObjectKind() string
}

// Base carries the identity and citation shared by every typed object.
// Both are excluded from the field schema; they live in the document
// envelope, not in its field map.
type Base struct {
	ID  oid.OID          `json:"-"`
	Cit catalog.Citation `json:"-"`
}

func (b *Base) Identifier() oid.OID      { return b.ID }
func (b *Base) SetIdentifier(id oid.OID) { b.ID = id }
func (b *Base) Citation() *catalog.Citation {
	return &b.Cit
}

// SetTitle sets the citation title, stamping the creation time on first
// use.
func (b *Base) SetTitle(title string) {
	b.Cit.Title = title
	if b.Cit.Created.IsZero() {
		b.Cit.Created = time.Now().UTC().Truncate(time.Second)
	}
}

var (
	facMu     sync.RWMutex
	factories = map[string]func() Object{}
)

// RegisterKind registers a typed kind: its spec goes to the default schema
// registry and its factory makes [Wrap] able to produce the type. Panics on
// a duplicate or invalid spec, so registration failures surface at process
// start.
func RegisterKind(spec *schema.KindSpec, factory func() Object) {
	schema.Register(spec)
	facMu.Lock()
	defer facMu.Unlock()
	if _, dup := factories[spec.Kind]; dup {
		panic(fmt.Sprintf("object: kind %q registered twice", spec.Kind))
	}
	factories[spec.Kind] = factory
}

// Kinds lists the registered typed kinds.
func Kinds() []string {
	facMu.RLock()
	defer facMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Unwrap converts a typed object into its generic metadata document. Scalar
// fields land in the field map, reference fields in the reference map (zero
// OIDs and empty lists are omitted), array descriptors in the array map.
func Unwrap(obj Object) (*document.Document, error) {
	kind := obj.ObjectKind()
	spec := schema.Lookup(kind)
	if spec == nil {
		return nil, fault.Newf(fault.Validation, "kind %q not registered", kind)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fault.Newf(fault.Validation, "encoding %s: %v", kind, err)
	}
	flat := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fault.Newf(fault.Validation, "encoding %s: %v", kind, err)
	}

	doc := &document.Document{OID: obj.Identifier(), Kind: kind, Citation: *obj.Citation()}
	for _, rs := range spec.Refs {
		v, ok := flat[rs.Name]
		if !ok {
			continue
		}
		if rs.Many {
			var ids []oid.OID
			if err := json.Unmarshal(v, &ids); err != nil {
				return nil, fault.Newf(fault.Validation, "decoding reference list: %v", err).WithField(rs.Name)
			}
			if len(ids) > 0 {
				doc.SetRefs(rs.Name, ids...)
			}
			continue
		}
		var id oid.OID
		if err := json.Unmarshal(v, &id); err != nil {
			return nil, fault.Newf(fault.Validation, "decoding reference: %v", err).WithField(rs.Name)
		}
		if !id.IsZero() {
			doc.SetRef(rs.Name, id)
		}
	}
	for _, as := range spec.Arrays {
		v, ok := flat[as.Name]
		if !ok {
			continue
		}
		var ref arraystore.Ref
		if err := json.Unmarshal(v, &ref); err != nil {
			return nil, fault.Newf(fault.Validation, "decoding array ref: %v", err).WithField(as.Name)
		}
		if !ref.IsZero() {
			doc.SetArray(as.Name, ref)
		}
	}
	for _, fs := range spec.Fields {
		v, ok := flat[fs.Name]
		if !ok {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fault.Newf(fault.Validation, "decoding field: %v", err).WithField(fs.Name)
		}
		if val != nil {
			doc.SetField(fs.Name, val)
		}
	}
	return doc, nil
}

// Wrap converts a generic metadata document into its registered typed
// form. Fields the type does not declare are ignored; [document.Store]
// validation is the place that rejects them.
func Wrap(doc *document.Document) (Object, error) {
	facMu.RLock()
	factory := factories[doc.Kind]
	facMu.RUnlock()
	if factory == nil {
		return nil, fault.Newf(fault.Validation, "kind %q has no registered type", doc.Kind).WithOID(doc.OID)
	}
	spec := schema.Lookup(doc.Kind)
	if spec == nil {
		return nil, fault.Newf(fault.Validation, "kind %q not registered", doc.Kind).WithOID(doc.OID)
	}

	flat := map[string]any{}
	for name, v := range doc.Fields {
		flat[name] = v
	}
	for name, ids := range doc.Refs {
		rs := spec.Ref(name)
		if rs != nil && !rs.Many {
			if len(ids) > 0 {
				flat[name] = ids[0]
			}
			continue
		}
		flat[name] = ids
	}
	for name, ref := range doc.Arrays {
		flat[name] = ref
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return nil, fault.Newf(fault.Validation, "decoding %s: %v", doc.Kind, err).WithOID(doc.OID)
	}
	obj := factory()
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, fault.Newf(fault.Validation, "decoding %s: %v", doc.Kind, err).WithOID(doc.OID)
	}
	obj.SetIdentifier(doc.OID)
	*obj.Citation() = doc.Citation
	return obj, nil
}

// References returns the OIDs the object's reference fields point at.
func References(obj Object) (oid.Set, error) {
	doc, err := Unwrap(obj)
	if err != nil {
		return nil, err
	}
	return doc.RefSet(), nil
}

// ArrayRefs returns the object's array descriptors keyed by field name.
func ArrayRefs(obj Object) (map[string]arraystore.Ref, error) {
	doc, err := Unwrap(obj)
	if err != nil {
		return nil, err
	}
	return doc.Arrays, nil
}
