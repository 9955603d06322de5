package pack

import (
	"context"
	"slices"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
)

// GraphNode describes one object in the relationship graph.
type GraphNode struct {
	OID   oid.OID `json:"oid"`
	Kind  string  `json:"kind"`
	Title string  `json:"title,omitempty"`
}

// GraphEdge is an undirected relationship between two objects, ordered so
// that A < B.
type GraphEdge struct {
	A oid.OID `json:"a"`
	B oid.OID `json:"b"`
}

// Graph returns the package's relationship graph as an undirected node and
// edge set. With a non-empty subset only the named objects and the edges
// among them are included; edges reaching outside the subset are dropped.
func (p *Package) Graph(subset ...oid.OID) ([]GraphNode, []GraphEdge) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var keep oid.Set
	if len(subset) > 0 {
		keep = oid.NewSet(subset...)
	}
	include := func(id oid.OID) bool {
		return keep == nil || keep.Has(id)
	}

	var nodes []GraphNode
	seen := map[GraphEdge]bool{}
	var edges []GraphEdge
	for _, e := range p.cat.All() {
		if !include(e.OID) {
			continue
		}
		nodes = append(nodes, GraphNode{OID: e.OID, Kind: e.Kind, Title: e.Citation.Title})
		for target := range e.Refs {
			if !include(target) {
				continue
			}
			edge := GraphEdge{A: e.OID, B: target}
			if edge.B.Compare(edge.A) < 0 {
				edge.A, edge.B = edge.B, edge.A
			}
			if !seen[edge] {
				seen[edge] = true
				edges = append(edges, edge)
			}
		}
	}
	slices.SortFunc(edges, func(x, y GraphEdge) int {
		if c := x.A.Compare(y.A); c != 0 {
			return c
		}
		return x.B.Compare(y.B)
	})
	return nodes, edges
}

// CopyPartFrom copies one object and its array payloads from src. The
// object's references must already resolve in the destination, so copy
// dependency-first or use CopyAllPartsFrom. An object already present is
// left alone.
func (p *Package) CopyPartFrom(ctx context.Context, src *Package, id oid.OID) (string, error) {
	if e, err := p.Entry(id); err == nil {
		return e.Part, nil
	}
	doc, err := src.Get(id)
	if err != nil {
		return "", err
	}
	data := map[string]*arraystore.Array{}
	for _, h := range src.Arrays().Handles(id) {
		arr, err := src.Arrays().Read(ctx, h)
		if err != nil {
			return "", err
		}
		data[h.Name] = arr
	}
	return p.AddPart(doc, data)
}

// CopyAllPartsFrom copies every object from src that is not already
// present, walking references depth-first so dependencies land before
// their dependents. Objects that fail to copy are reported without
// aborting the rest.
func (p *Package) CopyAllPartsFrom(ctx context.Context, src *Package) *fault.Report {
	report := &fault.Report{}
	done := oid.NewSet()
	var visit func(id oid.OID, trail oid.Set)
	visit = func(id oid.OID, trail oid.Set) {
		if done.Has(id) || trail.Has(id) {
			return
		}
		trail.Add(id)
		defer trail.Delete(id)
		e, err := src.Entry(id)
		if err != nil {
			report.Add(asFault(err))
			return
		}
		for _, dep := range e.Refs.Sorted() {
			visit(dep, trail)
		}
		done.Add(id)
		if _, err := p.CopyPartFrom(ctx, src, id); err != nil {
			report.Add(asFault(err).WithOID(id).WithPart(e.Part))
		}
	}
	for _, e := range src.Parts() {
		visit(e.OID, oid.NewSet())
	}
	return report
}

// ArrayHandle resolves the named array field of an object to its store
// handle.
func (p *Package) ArrayHandle(id oid.OID, field string) (arraystore.Handle, error) {
	return p.arrays.Handle(id, field)
}

// ReadArray materializes the named array field of an object.
func (p *Package) ReadArray(ctx context.Context, id oid.OID, field string) (*arraystore.Array, error) {
	h, err := p.arrays.Handle(id, field)
	if err != nil {
		return nil, err
	}
	return p.arrays.Read(ctx, h)
}

// WriteArray replaces the named array field's data. Shape and dtype must
// match the existing handle.
func (p *Package) WriteArray(id oid.OID, field string, arr *arraystore.Array) error {
	h, err := p.arrays.Handle(id, field)
	if err != nil {
		return err
	}
	return p.arrays.Write(h, arr)
}
