package pack

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/document"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/schema"
)

// testRegistry builds a registry with a Grid and a Property kind, the
// minimal graph shape: one referenced object carrying an array, one
// referencing object carrying another.
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	grid := &schema.KindSpec{
		Kind: "Grid",
		Fields: []schema.FieldSpec{
			{Name: "ni", Type: schema.FieldInteger, Required: true},
		},
		Arrays: []schema.ArraySpec{
			{Name: "points", DType: arraystore.Float64, Rank: 2},
		},
	}
	prop := &schema.KindSpec{
		Kind: "Property",
		Refs: []schema.RefSpec{
			{Name: "grid", Required: true, Targets: []string{"Grid"}},
		},
		Arrays: []schema.ArraySpec{
			{Name: "values", Required: true, DType: arraystore.Int32, Rank: 1},
		},
	}
	folder := &schema.KindSpec{
		Kind: "Folder",
		Refs: []schema.RefSpec{
			{Name: "parent", Targets: []string{"Folder"}, Acyclic: true},
		},
	}
	for _, spec := range []*schema.KindSpec{grid, prop, folder} {
		if err := reg.Register(spec); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func gridDoc(title string) (*document.Document, map[string]*arraystore.Array) {
	doc := document.New("Grid", title)
	doc.SetField("ni", 2)
	doc.SetArray("points", arraystore.Ref{Shape: arraystore.Shape{2, 3}, DType: arraystore.Float64})
	pts, _ := arraystore.FromFloat64s(arraystore.Shape{2, 3}, []float64{0, 0, 0, 1, 1, 0.5})
	return doc, map[string]*arraystore.Array{"points": pts}
}

func propDoc(title string, grid oid.OID) (*document.Document, map[string]*arraystore.Array) {
	doc := document.New("Property", title)
	doc.SetRef("grid", grid)
	doc.SetArray("values", arraystore.Ref{Shape: arraystore.Shape{4}, DType: arraystore.Int32})
	vals, _ := arraystore.FromInt32s(arraystore.Shape{4}, []int32{7, 7, 8, 9})
	return doc, map[string]*arraystore.Array{"values": vals}
}

func TestAddPart(t *testing.T) {
	p := New(Options{Registry: testRegistry(t)})
	doc, arrays := gridDoc("grid-1")
	part, err := p.AddPart(doc, arrays)
	if err != nil {
		t.Fatal(err)
	}
	if part != PartName("Grid", doc.OID) {
		t.Fatalf("part name = %q", part)
	}
	if _, err := p.Get(doc.OID); err != nil {
		t.Fatal(err)
	}
	got, err := p.ReadArray(context.Background(), doc.OID, "points")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(arrays["points"]) {
		t.Fatal("array data does not round-trip through AddPart")
	}
}

func TestAddPartRollback(t *testing.T) {
	p := New(Options{Registry: testRegistry(t)})
	doc, arrays := gridDoc("grid-1")
	arrays["stray"] = arrays["points"]
	if _, err := p.AddPart(doc, arrays); !fault.IsCode(err, fault.Validation) {
		t.Fatalf("stray payload: %v", err)
	}
	// Everything the failed add touched must be rolled back.
	if _, err := p.Entry(doc.OID); !fault.IsCode(err, fault.NotFound) {
		t.Fatal("failed AddPart left a catalog entry")
	}
	if handles := p.Arrays().Handles(doc.OID); len(handles) != 0 {
		t.Fatal("failed AddPart left allocated arrays")
	}
	// The same document adds cleanly afterwards.
	delete(arrays, "stray")
	if _, err := p.AddPart(doc, arrays); err != nil {
		t.Fatal(err)
	}
}

func TestRemovePartCascade(t *testing.T) {
	p := New(Options{Registry: testRegistry(t)})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	prop, propArrays := propDoc("porosity", grid.OID)
	propPart, err := p.AddPart(prop, propArrays)
	if err != nil {
		t.Fatal(err)
	}

	// Non-cascading removal of a referenced object fails and names the
	// referencing part.
	_, err = p.RemovePart(grid.OID, false)
	if !fault.IsCode(err, fault.DanglingReference) {
		t.Fatalf("non-cascade removal: %v", err)
	}
	if _, err := p.Get(grid.OID); err != nil {
		t.Fatal("failed removal deleted the part")
	}

	report, err := p.RemovePart(grid.OID, true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Len() != 1 || len(report.ByPart(propPart)) != 1 {
		t.Fatalf("cascade report = %v", report.Errors())
	}
	// The referencing document must not retain a dangling reference, and
	// its entry is flagged invalid.
	got, err := p.Get(prop.OID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Refs["grid"]) != 0 {
		t.Fatal("cascade left a dangling reference in the document")
	}
	e, err := p.Entry(prop.OID)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Invalid {
		t.Fatal("referencing entry not marked invalid")
	}
	if handles := p.Arrays().Handles(grid.OID); len(handles) != 0 {
		t.Fatal("removed part left arrays behind")
	}
	// An invalidated part blocks the next save until repaired.
	if err := p.Save(context.Background(), filepath.Join(t.TempDir(), "x.strata")); err == nil {
		t.Fatal("save succeeded with an invalidated part")
	}
}

func TestCascadeRepairAllowsSave(t *testing.T) {
	ctx := context.Background()
	p := New(Options{Registry: testRegistry(t)})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	prop, propArrays := propDoc("porosity", grid.OID)
	if _, err := p.AddPart(prop, propArrays); err != nil {
		t.Fatal(err)
	}
	if _, err := p.RemovePart(grid.OID, true); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "p.strata")
	if err := p.Save(ctx, path); !fault.IsCode(err, fault.DanglingReference) {
		t.Fatalf("save with invalidated part: %v", err)
	}

	// Repointing the property at a replacement grid clears the invalid
	// mark, so the package saves again.
	repl, replArrays := gridDoc("grid-2")
	if _, err := p.AddPart(repl, replArrays); err != nil {
		t.Fatal(err)
	}
	repaired, err := p.Get(prop.OID)
	if err != nil {
		t.Fatal(err)
	}
	repaired.SetRef("grid", repl.OID)
	if err := p.Put(repaired); err != nil {
		t.Fatalf("repairing put: %v", err)
	}
	e, err := p.Entry(prop.OID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Invalid {
		t.Fatal("entry still invalid after a validating replacement")
	}
	if report := p.Validate(); !report.OK() {
		t.Fatalf("repaired package does not validate: %v", report.Errors())
	}
	if err := p.Save(ctx, path); err != nil {
		t.Fatalf("save after repair: %v", err)
	}

	q, report, err := Open(path, Options{Registry: testRegistry(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if !report.OK() {
		t.Fatalf("reload diagnostics: %v", report.Errors())
	}
	got, err := q.Get(prop.OID)
	if err != nil {
		t.Fatal(err)
	}
	if ref := got.Ref("grid"); ref != repl.OID {
		t.Fatalf("reloaded property references %s, want %s", ref, repl.OID)
	}
}

func TestSaveOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	p := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	prop, propArrays := propDoc("porosity", grid.OID)
	if _, err := p.AddPart(prop, propArrays); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "model.strata")
	if err := p.Save(ctx, path); err != nil {
		t.Fatal(err)
	}

	q, report, err := Open(path, Options{Registry: reg, VerifyArrays: true})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if !report.OK() {
		t.Fatalf("load diagnostics: %v", report.Errors())
	}
	if q.OID() != p.OID() {
		t.Fatalf("package OID %s != %s", q.OID(), p.OID())
	}
	if len(q.Parts()) != 2 {
		t.Fatalf("loaded %d parts", len(q.Parts()))
	}

	gotProp, err := q.Get(prop.OID)
	if err != nil {
		t.Fatal(err)
	}
	if gotProp.Ref("grid") != grid.OID {
		t.Fatal("reference did not survive the round trip")
	}
	if gotProp.Citation.Title != "porosity" {
		t.Fatalf("citation title = %q", gotProp.Citation.Title)
	}
	gotGrid, err := q.Get(grid.OID)
	if err != nil {
		t.Fatal(err)
	}
	if ni, ok := gotGrid.Fields["ni"].(float64); !ok || ni != 2 {
		t.Fatalf("ni = %v after reload", gotGrid.Fields["ni"])
	}

	pts, err := q.ReadArray(ctx, grid.OID, "points")
	if err != nil {
		t.Fatal(err)
	}
	if !pts.Equal(gridArrays["points"]) {
		t.Fatal("array payload did not survive the round trip")
	}
	vals, err := q.ReadArray(ctx, prop.OID, "values")
	if err != nil {
		t.Fatal(err)
	}
	if !vals.Equal(propArrays["values"]) {
		t.Fatal("second array payload did not survive the round trip")
	}
	if got := q.Referencing(grid.OID); !got.Has(prop.OID) {
		t.Fatal("reverse reference index not rebuilt on load")
	}
}

func TestOpenReportsDanglingReference(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	p := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	prop, propArrays := propDoc("porosity", grid.OID)
	propPart, err := p.AddPart(prop, propArrays)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.strata")
	if err := p.Save(ctx, path); err != nil {
		t.Fatal(err)
	}

	// Rewrite the container without the grid's part entries, simulating a
	// truncated or hand-edited container.
	stripPart(t, path, PartName("Grid", grid.OID), grid.OID)

	q, report, err := Open(path, Options{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if report.OK() {
		t.Fatal("load of a container with a missing target reported nothing")
	}
	dangling := report.ByCode(fault.DanglingReference)
	if len(dangling) == 0 {
		t.Fatalf("no dangling reference diagnostic: %v", report.Errors())
	}
	found := false
	for _, e := range dangling {
		if e.Part() == propPart {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostic does not name the referencing part: %v", dangling)
	}
	// The salvageable part is still loaded and inspectable.
	if _, err := q.Get(prop.OID); err != nil {
		t.Fatal("salvageable part not loaded")
	}
}

func TestSaveFailureLeavesContainerIntact(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	p := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "model.strata")
	if err := p.Save(ctx, path); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// A part whose array was allocated but never written fails encoding
	// midway through the zip, after the temp file exists.
	doc, _ := gridDoc("grid-2")
	if _, err := p.AddPart(doc, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Save(ctx, path); err == nil {
		t.Fatal("save of an unwritten array succeeded")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("failed save modified the committed container")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("failed save left temp files: %v", entries)
	}
}

func TestRenamePartSurvivesSave(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	p := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	if err := p.RenamePart(grid.OID, "obj_Grid_renamed"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.strata")
	if err := p.Save(ctx, path); err != nil {
		t.Fatal(err)
	}
	q, report, err := Open(path, Options{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if !report.OK() {
		t.Fatalf("load diagnostics: %v", report.Errors())
	}
	e, err := q.Entry(grid.OID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Part != "obj_Grid_renamed" {
		t.Fatalf("part = %q after reload", e.Part)
	}
}

func TestAcyclicReferenceEnforcement(t *testing.T) {
	p := New(Options{Registry: testRegistry(t)})
	a := document.New("Folder", "a")
	b := document.New("Folder", "b")
	c := document.New("Folder", "c")
	for _, doc := range []*document.Document{a, b, c} {
		if _, err := p.AddPart(doc, nil); err != nil {
			t.Fatal(err)
		}
	}
	link := func(child, parent *document.Document) {
		child.SetRef("parent", parent.OID)
		if err := p.Put(child); err != nil {
			t.Fatal(err)
		}
	}
	link(b, a)
	link(c, b)
	if report := p.Validate(); !report.OK() {
		t.Fatalf("chain flagged as cycle: %v", report.Errors())
	}
	link(a, c)
	report := p.Validate()
	if report.OK() {
		t.Fatal("cycle not detected")
	}
	if len(report.ByCode(fault.Validation)) == 0 {
		t.Fatalf("cycle reported with wrong code: %v", report.Errors())
	}
}

func TestGraph(t *testing.T) {
	p := New(Options{Registry: testRegistry(t)})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	prop, propArrays := propDoc("porosity", grid.OID)
	if _, err := p.AddPart(prop, propArrays); err != nil {
		t.Fatal(err)
	}
	lone, loneArrays := gridDoc("grid-2")
	if _, err := p.AddPart(lone, loneArrays); err != nil {
		t.Fatal(err)
	}

	nodes, edges := p.Graph()
	if len(nodes) != 3 || len(edges) != 1 {
		t.Fatalf("full graph: %d nodes, %d edges", len(nodes), len(edges))
	}
	want := GraphEdge{A: grid.OID, B: prop.OID}
	if want.B.Compare(want.A) < 0 {
		want.A, want.B = want.B, want.A
	}
	if edges[0] != want {
		t.Fatalf("edge = %+v", edges[0])
	}

	// Subsetting drops outside nodes and their edges.
	nodes, edges = p.Graph(grid.OID, lone.OID)
	if len(nodes) != 2 || len(edges) != 0 {
		t.Fatalf("subset graph: %d nodes, %d edges", len(nodes), len(edges))
	}
}

func TestCopyAllPartsFrom(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	src := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := src.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	prop, propArrays := propDoc("porosity", grid.OID)
	if _, err := src.AddPart(prop, propArrays); err != nil {
		t.Fatal(err)
	}

	dst := New(Options{Registry: reg})
	if report := dst.CopyAllPartsFrom(ctx, src); !report.OK() {
		t.Fatalf("copy diagnostics: %v", report.Errors())
	}
	if len(dst.Parts()) != 2 {
		t.Fatalf("copied %d parts", len(dst.Parts()))
	}
	got, err := dst.ReadArray(ctx, grid.OID, "points")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(gridArrays["points"]) {
		t.Fatal("copied array differs from the source")
	}
	// Copying again is a no-op, not a duplicate error.
	if report := dst.CopyAllPartsFrom(ctx, src); !report.OK() {
		t.Fatalf("second copy: %v", report.Errors())
	}
	if len(dst.Parts()) != 2 {
		t.Fatal("second copy duplicated parts")
	}
}

func TestWatchDetectsExternalModification(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	p := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.strata")
	if err := p.Save(ctx, path); err != nil {
		t.Fatal(err)
	}
	p.Close()

	q, _, err := Open(path, Options{Registry: reg, Watch: true})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	// Another process appends to the committed container.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("tail"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !q.Modified() {
		if time.Now().After(deadline) {
			t.Fatal("modification never observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := q.Save(ctx, path); !fault.IsCode(err, fault.ConcurrentModification) {
		t.Fatalf("save over a modified container: %v", err)
	}
}

func TestSaveDoesNotFlagOwnCommit(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	p := New(Options{Registry: reg})
	grid, gridArrays := gridDoc("grid-1")
	if _, err := p.AddPart(grid, gridArrays); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.strata")
	if err := p.Save(ctx, path); err != nil {
		t.Fatal(err)
	}
	p.Close()

	q, _, err := Open(path, Options{Registry: reg, Watch: true})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	// The package's own rename-commit must never read as a foreign
	// modification, no matter how many saves land back to back.
	for i := 0; i < 3; i++ {
		if err := q.Save(ctx, path); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	if q.Modified() {
		t.Fatal("own commit flagged as an external modification")
	}
	if err := q.Save(ctx, path); err != nil {
		t.Fatalf("final save: %v", err)
	}
}
