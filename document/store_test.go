package document

import (
	"testing"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/catalog"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/schema"
)

// fixture wires a registry with two kinds, a catalog, an array store, and
// the document store under test.
type fixture struct {
	reg    *schema.Registry
	cat    *catalog.Catalog
	arrays *arraystore.Store
	store  *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	grid := &schema.KindSpec{
		Kind: "Grid",
		Fields: []schema.FieldSpec{
			{Name: "ni", Type: schema.FieldInteger, Required: true},
			{Name: "label", Type: schema.FieldText, Enum: []string{"coarse", "fine"}},
		},
		Arrays: []schema.ArraySpec{
			{Name: "points", DType: arraystore.Float64, Rank: 2},
		},
	}
	prop := &schema.KindSpec{
		Kind: "Property",
		Refs: []schema.RefSpec{
			{Name: "grid", Required: true, Targets: []string{"Grid"}},
			{Name: "related", Many: true},
		},
		Arrays: []schema.ArraySpec{
			{Name: "values", Required: true, DType: arraystore.Int32},
		},
	}
	for _, spec := range []*schema.KindSpec{grid, prop} {
		if err := reg.Register(spec); err != nil {
			t.Fatal(err)
		}
	}
	cat := catalog.New()
	arrays := arraystore.New(arraystore.Options{})
	return &fixture{reg: reg, cat: cat, arrays: arrays, store: NewStore(reg, cat, arrays)}
}

// addGrid registers a valid grid object and its document.
func (f *fixture) addGrid(t *testing.T, part string) *Document {
	t.Helper()
	doc := New("Grid", part)
	doc.SetField("ni", 10)
	err := f.cat.Register(catalog.Entry{OID: doc.OID, Kind: "Grid", Part: part, Citation: doc.Citation})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Put(doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestPutGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	doc := f.addGrid(t, "obj_Grid_a")
	got, err := f.store.Get(doc.OID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != "Grid" || got.Fields["ni"] != 10 {
		t.Fatalf("Get = %+v", got)
	}
	// Get returns a copy; mutating it must not affect the store.
	got.SetField("ni", 99)
	again, _ := f.store.Get(doc.OID)
	if again.Fields["ni"] != 10 {
		t.Fatal("stored document mutated through a returned copy")
	}
}

func TestValidateFields(t *testing.T) {
	f := newFixture(t)
	grid := f.addGrid(t, "obj_Grid_a")

	cases := []struct {
		name   string
		mutate func(d *Document)
		code   fault.Code
		field  string
	}{
		{"missing required", func(d *Document) { delete(d.Fields, "ni") }, fault.Validation, "ni"},
		{"wrong type", func(d *Document) { d.SetField("ni", "ten") }, fault.Validation, "ni"},
		{"fractional integer", func(d *Document) { d.SetField("ni", 10.5) }, fault.Validation, "ni"},
		{"unknown field", func(d *Document) { d.SetField("bogus", 1) }, fault.Validation, "bogus"},
		{"enum violation", func(d *Document) { d.SetField("label", "medium") }, fault.Validation, "label"},
		{"missing title", func(d *Document) { d.Citation.Title = "" }, fault.Validation, "citation.title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := grid.Clone()
			tc.mutate(doc)
			report := f.store.Validate(doc)
			if report.OK() {
				t.Fatal("invalid document accepted")
			}
			found := false
			for _, e := range report.Errors() {
				if e.Code() == tc.code && e.Field() == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("no %s error for field %q in %v", tc.code, tc.field, report.Errors())
			}
		})
	}

	// Decoded JSON forms are accepted: float64 for integers, RFC 3339
	// strings pass through untouched elsewhere.
	doc := grid.Clone()
	doc.SetField("ni", float64(10))
	doc.SetField("label", "fine")
	if report := f.store.Validate(doc); !report.OK() {
		t.Fatalf("JSON-decoded forms rejected: %v", report.Errors())
	}
}

func TestValidateRefs(t *testing.T) {
	f := newFixture(t)
	grid := f.addGrid(t, "obj_Grid_a")
	other := f.addGrid(t, "obj_Grid_b")

	values, err := arraystore.FromInt32s(arraystore.Shape{4}, []int32{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}

	build := func() *Document {
		doc := New("Property", "porosity")
		doc.SetRef("grid", grid.OID)
		doc.SetArray("values", arraystore.Ref{Shape: arraystore.Shape{4}, DType: arraystore.Int32})
		return doc
	}
	install := func(t *testing.T, doc *Document) {
		t.Helper()
		err := f.cat.Register(catalog.Entry{OID: doc.OID, Kind: "Property", Part: doc.Citation.Title, Citation: doc.Citation})
		if err != nil {
			t.Fatal(err)
		}
		h, err := f.arrays.Allocate(doc.OID, "values", arraystore.Shape{4}, arraystore.Int32)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.arrays.Write(h, values); err != nil {
			t.Fatal(err)
		}
	}

	good := build()
	install(t, good)
	if err := f.store.Put(good); err != nil {
		t.Fatal(err)
	}
	// Catalog reference set follows the document.
	if got := f.cat.Referencing(grid.OID); !got.Has(good.OID) {
		t.Fatal("Put did not update the catalog reference set")
	}

	t.Run("dangling target", func(t *testing.T) {
		doc := build()
		doc.Citation.Title = "dangling"
		install(t, doc)
		doc.SetRef("grid", oid.New())
		if err := f.store.Put(doc); !fault.IsCode(err, fault.DanglingReference) {
			t.Fatalf("Put with dangling ref: %v", err)
		}
		if _, err := f.store.Get(doc.OID); !fault.IsCode(err, fault.NotFound) {
			t.Fatal("failed Put installed the document")
		}
	})

	t.Run("missing required ref", func(t *testing.T) {
		doc := build()
		doc.Citation.Title = "norefs"
		install(t, doc)
		delete(doc.Refs, "grid")
		if err := f.store.Put(doc); err == nil {
			t.Fatal("Put accepted a document missing a required reference")
		}
	})

	t.Run("wrong target kind", func(t *testing.T) {
		doc := build()
		doc.Citation.Title = "wrongkind"
		install(t, doc)
		doc.SetRef("grid", good.OID) // Property, not Grid
		if err := f.store.Put(doc); err == nil {
			t.Fatal("Put accepted a reference to a disallowed kind")
		}
	})

	t.Run("many targets on single ref", func(t *testing.T) {
		doc := build()
		doc.Citation.Title = "overfull"
		install(t, doc)
		doc.SetRefs("grid", grid.OID, other.OID)
		if err := f.store.Put(doc); err == nil {
			t.Fatal("Put accepted two targets in a single reference")
		}
	})
}

func TestValidateArrays(t *testing.T) {
	f := newFixture(t)
	doc := New("Grid", "obj_Grid_a")
	doc.SetField("ni", 4)
	err := f.cat.Register(catalog.Entry{OID: doc.OID, Kind: "Grid", Part: "obj_Grid_a", Citation: doc.Citation})
	if err != nil {
		t.Fatal(err)
	}

	// Ref without an allocated handle.
	doc.SetArray("points", arraystore.Ref{Shape: arraystore.Shape{4, 3}, DType: arraystore.Float64})
	if err := f.store.Put(doc); err == nil {
		t.Fatal("Put accepted an array ref with no handle")
	}

	if _, err := f.arrays.Allocate(doc.OID, "points", arraystore.Shape{4, 3}, arraystore.Float64); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Put(doc); err != nil {
		t.Fatal(err)
	}

	// Ref diverging from the allocated handle.
	bad := doc.Clone()
	bad.SetArray("points", arraystore.Ref{Shape: arraystore.Shape{3, 4}, DType: arraystore.Float64})
	report := f.store.Validate(bad)
	if report.OK() || len(report.ByCode(fault.ShapeMismatch)) == 0 {
		t.Fatalf("handle divergence not reported: %v", report.Errors())
	}

	// Rank constraint from the kind spec.
	bad = doc.Clone()
	bad.SetArray("points", arraystore.Ref{Shape: arraystore.Shape{12}, DType: arraystore.Float64})
	if f.store.Validate(bad).OK() {
		t.Fatal("rank violation accepted")
	}

	// Dtype constraint from the kind spec.
	bad = doc.Clone()
	bad.SetArray("points", arraystore.Ref{Shape: arraystore.Shape{4, 3}, DType: arraystore.Int64})
	if f.store.Validate(bad).OK() {
		t.Fatal("dtype violation accepted")
	}
}

func TestPutRejectsKindChange(t *testing.T) {
	f := newFixture(t)
	grid := f.addGrid(t, "obj_Grid_a")
	impostor := grid.Clone()
	impostor.Kind = "Property"
	if err := f.store.Put(impostor); !fault.IsCode(err, fault.Validation) {
		t.Fatalf("kind change: %v", err)
	}
}

func TestRemoveRefTarget(t *testing.T) {
	f := newFixture(t)
	grid := f.addGrid(t, "obj_Grid_a")
	other := f.addGrid(t, "obj_Grid_b")

	doc := New("Property", "p")
	err := f.cat.Register(catalog.Entry{OID: doc.OID, Kind: "Property", Part: "p", Citation: doc.Citation})
	if err != nil {
		t.Fatal(err)
	}
	doc.SetRef("grid", grid.OID)
	doc.SetRefs("related", grid.OID, other.OID)
	doc.SetArray("values", arraystore.Ref{Shape: arraystore.Shape{2}, DType: arraystore.Int32})
	if _, err := f.arrays.Allocate(doc.OID, "values", arraystore.Shape{2}, arraystore.Int32); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Put(doc); err != nil {
		t.Fatal(err)
	}

	f.store.RemoveRefTarget(doc.OID, grid.OID)
	got, err := f.store.Get(doc.OID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Refs["grid"]; ok {
		t.Fatal("emptied reference field not dropped")
	}
	if related := got.Refs["related"]; len(related) != 1 || related[0] != other.OID {
		t.Fatalf("related = %v", related)
	}
}

func TestDocumentClone(t *testing.T) {
	doc := New("Grid", "g")
	doc.SetField("ni", 3)
	doc.SetRefs("related", oid.New())
	doc.SetArray("points", arraystore.Ref{Shape: arraystore.Shape{3, 3}, DType: arraystore.Float64})
	doc.Extra = map[string]string{"source": "survey-7"}

	c := doc.Clone()
	c.SetField("ni", 4)
	c.Refs["related"][0] = oid.New()
	c.Extra["source"] = "edited"
	if doc.Fields["ni"] != 3 || doc.Extra["source"] != "survey-7" {
		t.Fatal("Clone shares maps with the original")
	}
	if c.Refs["related"][0] == doc.Refs["related"][0] {
		t.Fatal("Clone shares ref slices with the original")
	}
}
