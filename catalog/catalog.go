// Package catalog is the identity layer of a strata package: it maps OIDs
// to their kind, part name, and citation metadata, and maintains the
// derived reverse-reference sets.
//
// The catalog is the single source of truth for object existence. The
// metadata store and the array store never decide on their own whether an
// OID is live; they ask the catalog.
package catalog

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
)

// Citation is the descriptive metadata every object carries: who created
// it, when, and under what title.
type Citation struct {
	Title      string    `json:"title" jsonschema:"description=Human-readable object title"`
	Originator string    `json:"originator,omitempty" jsonschema:"description=User or tool that created the object"`
	Created    time.Time `json:"created" jsonschema:"description=Creation timestamp"`
	LastUpdate time.Time `json:"last_update,omitempty" jsonschema:"description=Last modification timestamp"`
	Format     string    `json:"format,omitempty" jsonschema:"description=Software identifier that wrote the object"`
}

// Entry is one catalog record. Refs is the set of OIDs the object's
// document references; the reverse direction is derived and queried via
// [Catalog.Referencing], never stored in the entry.
type Entry struct {
	OID      oid.OID
	Kind     string
	Part     string
	Citation Citation
	Refs     oid.Set
	// Invalid marks an entry whose referent set was damaged by a cascading
	// removal. Invalid entries still resolve so callers can inspect them,
	// but a save refuses to persist them until the document is replaced
	// with one that validates (SetReferences clears the mark).
	Invalid bool
}

// Clone returns an independent copy of the entry.
func (e Entry) Clone() Entry {
	c := e
	c.Refs = e.Refs.Clone()
	return c
}

// Catalog holds the identity records of one package. Safe for concurrent
// use; multi-step document/reference transactions are coordinated by the
// package layer, which holds its own lock around catalog and store updates.
type Catalog struct {
	mu      sync.RWMutex
	entries map[oid.OID]*Entry
	parts   map[string]oid.OID // part name -> owner
	back    map[oid.OID]oid.Set
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		entries: make(map[oid.OID]*Entry),
		parts:   make(map[string]oid.OID),
		back:    make(map[oid.OID]oid.Set),
	}
}

// Len returns the number of live entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Register inserts a new entry. The OID and part name must be unused;
// reference targets are not checked here (SetReferences is, deliberately,
// the only place that enforces them) so load can register all entries
// before wiring references.
func (c *Catalog) Register(e Entry) error {
	if e.OID.IsZero() {
		return fault.New(fault.Validation, "entry OID is required").WithPart(e.Part)
	}
	if e.Kind == "" {
		return fault.New(fault.Validation, "entry kind is required").WithOID(e.OID).WithPart(e.Part)
	}
	if e.Part == "" {
		return fault.New(fault.Validation, "entry part name is required").WithOID(e.OID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[e.OID]; ok {
		return fault.Newf(fault.Validation, "duplicate OID").WithOID(e.OID).WithPart(e.Part)
	}
	if owner, ok := c.parts[e.Part]; ok {
		return fault.Newf(fault.Validation, "part name already used by %s", owner).WithOID(e.OID).WithPart(e.Part)
	}
	stored := e.Clone()
	if stored.Refs == nil {
		stored.Refs = oid.NewSet()
	}
	c.entries[e.OID] = &stored
	c.parts[e.Part] = e.OID
	for target := range stored.Refs {
		c.addBack(target, e.OID)
	}
	return nil
}

// Resolve returns a copy of the entry for id.
func (c *Catalog) Resolve(id oid.OID) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, fault.New(fault.NotFound, "no catalog entry").WithOID(id)
	}
	return e.Clone(), nil
}

// ResolvePart returns a copy of the entry owning the named part.
func (c *Catalog) ResolvePart(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.parts[name]
	if !ok {
		return Entry{}, fault.New(fault.NotFound, "no such part").WithPart(name)
	}
	return c.entries[id].Clone(), nil
}

// Referencing returns the derived set of OIDs whose entries reference id.
func (c *Catalog) Referencing(id oid.OID) oid.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.back[id]; ok {
		return s.Clone()
	}
	return oid.NewSet()
}

// SetReferences replaces the reference set of id, keeping the derived
// reverse sets in sync. Every target must resolve to a live entry; a
// missing target fails the whole update with a DanglingReference fault and
// leaves the entry unchanged. A successful replacement repairs an entry
// that a cascading removal had invalidated.
func (c *Catalog) SetReferences(id oid.OID, refs oid.Set) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fault.New(fault.NotFound, "no catalog entry").WithOID(id)
	}
	for target := range refs {
		if _, ok := c.entries[target]; !ok {
			return fault.Newf(fault.DanglingReference, "reference to unknown object %s", target).
				WithOID(id).WithPart(e.Part)
		}
	}
	for target := range e.Refs {
		c.dropBack(target, id)
	}
	e.Refs = refs.Clone()
	for target := range e.Refs {
		c.addBack(target, id)
	}
	e.Invalid = false
	return nil
}

// SetCitation updates the citation block of id.
func (c *Catalog) SetCitation(id oid.OID, cit Citation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fault.New(fault.NotFound, "no catalog entry").WithOID(id)
	}
	e.Citation = cit
	return nil
}

// Rename changes the part name of id. The new name must be unused.
func (c *Catalog) Rename(id oid.OID, newPart string) error {
	if newPart == "" {
		return fault.New(fault.Validation, "part name is required").WithOID(id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fault.New(fault.NotFound, "no catalog entry").WithOID(id)
	}
	if e.Part == newPart {
		return nil
	}
	if owner, ok := c.parts[newPart]; ok {
		return fault.Newf(fault.Validation, "part name already used by %s", owner).
			WithOID(id).WithPart(newPart)
	}
	delete(c.parts, e.Part)
	e.Part = newPart
	c.parts[newPart] = id
	return nil
}

// Remove deletes the entry for id.
//
// Without cascade, removal fails with a DanglingReference fault if any live
// entry still references id; the fault's report names every referencing
// part. With cascade, the entry is removed, every referencing entry has the
// dangling reference stripped and is marked invalid, and the returned
// report lists each invalidated part.
func (c *Catalog) Remove(id oid.OID, cascade bool) (*fault.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "no catalog entry").WithOID(id)
	}
	referencing := c.back[id]
	if len(referencing) > 0 && !cascade {
		names := make([]string, 0, len(referencing))
		for rid := range referencing {
			names = append(names, c.entries[rid].Part)
		}
		slices.Sort(names)
		return nil, fault.Newf(fault.DanglingReference,
			"object is referenced by %s", strings.Join(names, ", ")).
			WithOID(id).WithPart(e.Part)
	}

	report := &fault.Report{}
	for _, rid := range referencing.Sorted() {
		ref := c.entries[rid]
		ref.Refs.Delete(id)
		ref.Invalid = true
		report.Add(fault.Newf(fault.DanglingReference,
			"reference target %s removed", id).WithOID(rid).WithPart(ref.Part))
	}
	for target := range e.Refs {
		c.dropBack(target, id)
	}
	delete(c.back, id)
	delete(c.parts, e.Part)
	delete(c.entries, id)
	return report, nil
}

// All returns copies of every entry, sorted by part name.
func (c *Catalog) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.Part, b.Part)
	})
	return out
}

// OIDs returns the OIDs of entries of the given kind, or of every entry if
// kind is empty, in part-name order.
func (c *Catalog) OIDs(kind string) []oid.OID {
	var out []oid.OID
	for _, e := range c.All() {
		if kind == "" || e.Kind == kind {
			out = append(out, e.OID)
		}
	}
	return out
}

func (c *Catalog) addBack(target, from oid.OID) {
	s, ok := c.back[target]
	if !ok {
		s = oid.NewSet()
		c.back[target] = s
	}
	s.Add(from)
}

func (c *Catalog) dropBack(target, from oid.OID) {
	if s, ok := c.back[target]; ok {
		s.Delete(from)
		if len(s) == 0 {
			delete(c.back, target)
		}
	}
}

// String summarizes the catalog for logs.
func (c *Catalog) String() string {
	return fmt.Sprintf("catalog(%d entries)", c.Len())
}
