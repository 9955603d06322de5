// Package pack owns the container file of a strata package: the part
// inventory, the relationship index, add/remove/rename of parts, and the
// atomic save/open cycle that round-trips the whole object graph.
//
// A Package is single-writer: one goroutine (or a caller-provided lock)
// owns it and mutates it. Saved containers are immutable and safe for any
// number of concurrent readers.
package pack

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/catalog"
	"github.com/strataforge/strata/document"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/schema"
)

// Options configures a Package. The zero value is usable: default registry,
// default array store options, no open-time payload verification.
type Options struct {
	// Registry supplies kind specs. Nil means schema.Default.
	Registry *schema.Registry
	// Arrays configures the package's array store.
	Arrays arraystore.Options
	// VerifyArrays makes Open stream-verify every payload checksum instead
	// of deferring detection to first read.
	VerifyArrays bool
	// Watch makes Open monitor the committed container for external
	// modification; a modified container fails the next Save with a
	// ConcurrentModification fault.
	Watch bool
	// Logger receives open/save progress and per-part diagnostics at debug
	// level. Nil means slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = schema.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Package is the root aggregate: one catalog, one metadata store, one
// array store, and the container file they round-trip through.
type Package struct {
	opts Options
	log  *slog.Logger

	id      oid.OID
	created time.Time

	mu     sync.RWMutex
	cat    *catalog.Catalog
	docs   *document.Store
	arrays *arraystore.Store

	// source is the path of the committed container backing lazy array
	// reads, empty for a package never saved or loaded.
	source  string
	backing *containerReader

	watcher  *watcher
	modified atomic.Bool // external modification of source detected
}

// New creates an empty in-memory package.
func New(opts Options) *Package {
	opts = opts.withDefaults()
	cat := catalog.New()
	arrays := arraystore.New(opts.Arrays)
	return &Package{
		opts:    opts,
		log:     opts.Logger,
		id:      oid.New(),
		created: time.Now().UTC().Truncate(time.Second),
		cat:     cat,
		docs:    document.NewStore(opts.Registry, cat, arrays),
		arrays:  arrays,
	}
}

// OID returns the package's own identifier.
func (p *Package) OID() oid.OID {
	return p.id
}

// Source returns the path of the committed container, or "".
func (p *Package) Source() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

// Arrays exposes the package's array store. Domain code reads and writes
// payloads through it; catalog and container internals stay behind the
// Package API.
func (p *Package) Arrays() *arraystore.Store {
	return p.arrays
}

// Close releases the open container and stops the modification watcher.
// The in-memory graph stays usable; lazy reads of unsaved arrays fail.
func (p *Package) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		p.watcher.stop()
		p.watcher = nil
	}
	if p.backing != nil {
		err := p.backing.Close()
		p.backing = nil
		return err
	}
	return nil
}

// PartName returns the canonical part name for a document: the kind and
// OID joined in the original convention, stable across saves.
func PartName(kind string, id oid.OID) string {
	return fmt.Sprintf("obj_%s_%s", kind, id)
}

// AddPart registers doc as a new part, allocates and writes its arrays,
// and installs the validated document. data supplies the payload for each
// array field; fields may be left nil and written later through the array
// store. On any failure the package is unchanged.
func (p *Package) AddPart(doc *document.Document, data map[string]*arraystore.Array) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	part := PartName(doc.Kind, doc.OID)
	entry := catalog.Entry{OID: doc.OID, Kind: doc.Kind, Part: part, Citation: doc.Citation}
	if err := p.cat.Register(entry); err != nil {
		return "", err
	}
	undo := func() {
		_, _ = p.cat.Remove(doc.OID, false)
		p.arrays.RemoveOwner(doc.OID)
	}
	for name, ref := range doc.Arrays {
		comp := ref.Compression
		if comp == "" {
			comp = p.arrays.Options().DefaultCompression
		}
		h, err := p.arrays.AllocateCompressed(doc.OID, name, ref.Shape, ref.DType, comp)
		if err != nil {
			undo()
			return "", err
		}
		if arr := data[name]; arr != nil {
			if err := p.arrays.Write(h, arr); err != nil {
				undo()
				return "", err
			}
		}
	}
	for name := range data {
		if _, ok := doc.Arrays[name]; !ok {
			undo()
			return "", fault.Newf(fault.Validation, "payload %q has no array field", name).
				WithOID(doc.OID).WithPart(part)
		}
	}
	if err := p.docs.Put(doc); err != nil {
		undo()
		return "", err
	}
	return part, nil
}

// Put replaces the document of an existing part, revalidating it and
// atomically updating the catalog's reference set.
func (p *Package) Put(doc *document.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.docs.Put(doc)
}

// Get returns a copy of the document for id.
func (p *Package) Get(id oid.OID) (*document.Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.docs.Get(id)
}

// Entry returns the catalog entry for id.
func (p *Package) Entry(id oid.OID) (catalog.Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cat.Resolve(id)
}

// Modified reports whether the committed container has been changed by
// another process since it was opened or last saved. Only meaningful when
// the package was opened with Options.Watch.
func (p *Package) Modified() bool {
	return p.modified.Load()
}

// Referencing returns the OIDs of parts that reference id.
func (p *Package) Referencing(id oid.OID) oid.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cat.Referencing(id)
}

// RemovePart removes the part for id.
//
// Without cascade, removal fails with a DanglingReference fault while other
// parts still reference id. With cascade, every referencing part has the
// reference stripped from both its document and its catalog entry, is
// marked invalid, and is listed in the returned report.
func (p *Package) RemovePart(id oid.OID, cascade bool) (*fault.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report, err := p.cat.Remove(id, cascade)
	if err != nil {
		return nil, err
	}
	for _, e := range report.Errors() {
		p.docs.RemoveRefTarget(e.OID(), id)
	}
	p.docs.Delete(id)
	p.arrays.RemoveOwner(id)
	return report, nil
}

// RenamePart gives the part for id a new name. The OID, and therefore
// every reference to the object, is unaffected.
func (p *Package) RenamePart(id oid.OID, newName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cat.Rename(id, newName)
}

// OIDs returns the OIDs of all parts of the given kind, or of every part
// if kind is empty, in part-name order.
func (p *Package) OIDs(kind string) []oid.OID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cat.OIDs(kind)
}

// Parts returns the catalog entries of all parts, in part-name order.
func (p *Package) Parts() []catalog.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cat.All()
}

// Title returns the citation title for id, or "" if absent.
func (p *Package) Title(id oid.OID) string {
	e, err := p.Entry(id)
	if err != nil {
		return ""
	}
	return e.Citation.Title
}

// Validate revalidates every document against the current graph and
// returns the collected violations.
func (p *Package) Validate() *fault.Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validateLocked()
}

// checkAcyclic walks reference edges whose RefSpec demands acyclicity and
// reports any cycle. Caller holds at least a read lock.
func (p *Package) checkAcyclic() *fault.Report {
	report := &fault.Report{}
	// Build the restricted edge set.
	edges := make(map[oid.OID][]oid.OID)
	parts := make(map[oid.OID]string)
	for _, e := range p.cat.All() {
		parts[e.OID] = e.Part
		spec := p.opts.Registry.Lookup(e.Kind)
		if spec == nil {
			continue
		}
		doc, err := p.docs.Get(e.OID)
		if err != nil {
			continue
		}
		for _, r := range spec.Refs {
			if !r.Acyclic {
				continue
			}
			edges[e.OID] = append(edges[e.OID], doc.Refs[r.Name]...)
		}
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[oid.OID]int)
	var walk func(id oid.OID) (oid.OID, bool)
	walk = func(id oid.OID) (oid.OID, bool) {
		switch state[id] {
		case visiting:
			return id, true
		case done:
			return oid.Zero, false
		}
		state[id] = visiting
		for _, next := range edges[id] {
			if at, found := walk(next); found {
				state[id] = done
				return at, true
			}
		}
		state[id] = done
		return oid.Zero, false
	}
	for _, id := range sortedKeys(edges) {
		if state[id] != 0 {
			continue
		}
		if at, found := walk(id); found {
			report.Add(fault.New(fault.Validation, "acyclic reference chain contains a cycle").
				WithOID(at).WithPart(parts[at]))
		}
	}
	return report
}

func sortedKeys(edges map[oid.OID][]oid.OID) []oid.OID {
	out := make([]oid.OID, 0, len(edges))
	for id := range edges {
		out = append(out, id)
	}
	slices.SortFunc(out, oid.OID.Compare)
	return out
}
