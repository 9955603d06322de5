package object

import (
	"time"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/pack"
)

// Create adds a typed object to the package as a new part. A zero
// identifier is replaced with a fresh OID; creation time is stamped if
// absent. data supplies array payloads keyed by field name, as in
// [pack.Package.AddPart].
func Create(p *pack.Package, obj Object, data map[string]*arraystore.Array) (string, error) {
	if obj.Identifier().IsZero() {
		obj.SetIdentifier(oid.New())
	}
	cit := obj.Citation()
	if cit.Created.IsZero() {
		cit.Created = time.Now().UTC().Truncate(time.Second)
	}
	doc, err := Unwrap(obj)
	if err != nil {
		return "", err
	}
	return p.AddPart(doc, data)
}

// Fetch loads the typed form of the object with the given identifier.
func Fetch(p *pack.Package, id oid.OID) (Object, error) {
	doc, err := p.Get(id)
	if err != nil {
		return nil, err
	}
	return Wrap(doc)
}

// FetchAs loads an object and asserts its concrete type.
func FetchAs[T Object](p *pack.Package, id oid.OID) (T, error) {
	var zero T
	obj, err := Fetch(p, id)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, fault.Newf(fault.Validation, "object is %s", obj.ObjectKind()).WithOID(id)
	}
	return typed, nil
}

// Update replaces the stored document of an existing object with the
// object's current state, stamping the citation's last-update time.
func Update(p *pack.Package, obj Object) error {
	obj.Citation().LastUpdate = time.Now().UTC().Truncate(time.Second)
	doc, err := Unwrap(obj)
	if err != nil {
		return err
	}
	return p.Put(doc)
}

// OfKind loads the typed form of every object of one kind, in part-name
// order.
func OfKind(p *pack.Package, kind string) ([]Object, error) {
	var out []Object
	for _, id := range p.OIDs(kind) {
		obj, err := Fetch(p, id)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
