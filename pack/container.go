package pack

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/catalog"
	"github.com/strataforge/strata/document"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"golang.org/x/sync/errgroup"
)

// Container layout: a zip archive holding manifest.json (the part
// inventory and relationship index), one parts/<name>.json metadata
// document per object, and one arrays/<oid>/<field>.sba binary payload per
// array field. Metadata entries are deflated; array payloads carry their
// own chunk compression and are stored raw.
const (
	containerFormat  = "strata-container"
	containerVersion = 1
	manifestName     = "manifest.json"
)

// manifest is the container's part inventory. The per-part reference lists
// duplicate what the documents say; load cross-checks the two and treats
// divergence as corruption rather than trusting either side silently.
type manifest struct {
	Format    string         `json:"format"`
	Version   int            `json:"version"`
	Package   oid.OID        `json:"package"`
	Created   time.Time      `json:"created"`
	Generator string         `json:"generator,omitempty"`
	Parts     []manifestPart `json:"parts"`
}

type manifestPart struct {
	Name   string          `json:"name"`
	OID    oid.OID         `json:"oid"`
	Kind   string          `json:"kind"`
	Title  string          `json:"title,omitempty"`
	Refs   []oid.OID       `json:"refs,omitempty"`
	Arrays []manifestArray `json:"arrays,omitempty"`
}

type manifestArray struct {
	Field string `json:"field"`
	Part  string `json:"part"`
}

func docPartPath(part string) string {
	return "parts/" + part + ".json"
}

func arrayPartPath(h arraystore.Handle) string {
	return fmt.Sprintf("arrays/%s/%s.sba", h.Owner, h.Name)
}

// destLocks serializes saves targeting the same destination path.
var destLocks sync.Map // cleaned path -> *sync.Mutex

func lockDest(path string) func() {
	mu, _ := destLocks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Save writes the package to path as a complete container, or fails
// without touching any previously committed file at path.
//
// The whole graph is validated first: invalid parts, unresolvable
// references, cycles along acyclic reference chains, and array refs
// without payloads all abort the save. The container is staged in a
// temporary file in the destination directory and renamed over path only
// after a clean sync, so an I/O failure partway through leaves the old
// container byte-identical.
func (p *Package) Save(ctx context.Context, path string) error {
	unlock := lockDest(path)
	defer unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.modified.Load() {
		return fault.New(fault.ConcurrentModification,
			"committed container was modified externally")
	}
	if report := p.validateLocked(); !report.OK() {
		return report
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("staging container: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := p.writeContainer(ctx, tmp); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing container: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing container: %w", err)
	}
	// The watcher must be fully stopped before the rename lands, or its
	// goroutine could report our own commit as a foreign modification after
	// rebind clears the flag.
	if p.watcher != nil {
		p.watcher.stop()
		p.watcher = nil
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if p.opts.Watch && p.source != "" {
			if w, werr := newWatcher(p.source, p.log, func() { p.modified.Store(true) }); werr == nil {
				p.watcher = w
			}
		}
		return fmt.Errorf("committing container: %w", err)
	}

	p.log.Debug("container saved", "path", path, "parts", p.cat.Len())
	return p.rebind(path)
}

// writeContainer streams the zip to w.
func (p *Package) writeContainer(ctx context.Context, w io.Writer) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	entries := p.cat.All()
	man := manifest{
		Format:    containerFormat,
		Version:   containerVersion,
		Package:   p.id,
		Created:   p.created,
		Generator: "strata",
	}
	for _, e := range entries {
		mp := manifestPart{
			Name:  e.Part,
			OID:   e.OID,
			Kind:  e.Kind,
			Title: e.Citation.Title,
			Refs:  e.Refs.Sorted(),
		}
		for _, h := range p.arrays.Handles(e.OID) {
			mp.Arrays = append(mp.Arrays, manifestArray{Field: h.Name, Part: arrayPartPath(h)})
		}
		man.Parts = append(man.Parts, mp)
	}
	if err := writeJSONPart(zw, manifestName, &man); err != nil {
		return err
	}
	for _, e := range entries {
		doc, err := p.docs.Get(e.OID)
		if err != nil {
			return fault.New(fault.NotFound, "part has no document").WithOID(e.OID).WithPart(e.Part)
		}
		if err := writeJSONPart(zw, docPartPath(e.Part), doc); err != nil {
			return err
		}
		for _, h := range p.arrays.Handles(e.OID) {
			fw, err := zw.CreateHeader(&zip.FileHeader{Name: arrayPartPath(h), Method: zip.Store})
			if err != nil {
				return fmt.Errorf("creating array part: %w", err)
			}
			if err := p.arrays.EncodeTo(ctx, fw, h); err != nil {
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing container: %w", err)
	}
	return nil
}

func writeJSONPart(zw *zip.Writer, name string, v any) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("creating part %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding part %s: %w", name, err)
	}
	return nil
}

// rebind points the package at the freshly committed container: lazy array
// sources move to the new file, caches stay (they match what was written),
// dirty flags clear, and the modification watcher restarts. Caller holds
// the write lock.
func (p *Package) rebind(path string) error {
	if p.watcher != nil {
		p.watcher.stop()
		p.watcher = nil
	}
	if p.backing != nil {
		p.backing.Close()
		p.backing = nil
	}
	cr, err := openContainer(path)
	if err != nil {
		return fmt.Errorf("reopening committed container: %w", err)
	}
	p.backing = cr
	p.source = path
	p.modified.Store(false)
	p.arrays.RebindAll(func(h arraystore.Handle) arraystore.Opener {
		return cr.opener(arrayPartPath(h))
	})
	if p.opts.Watch {
		w, err := newWatcher(path, p.log, func() { p.modified.Store(true) })
		if err != nil {
			return fmt.Errorf("watching container: %w", err)
		}
		p.watcher = w
	}
	return nil
}

// validateLocked is Validate without taking the lock.
func (p *Package) validateLocked() *fault.Report {
	report := &fault.Report{}
	for _, e := range p.cat.All() {
		doc, err := p.docs.Get(e.OID)
		if err != nil {
			report.Add(fault.New(fault.NotFound, "part has no document").WithOID(e.OID).WithPart(e.Part))
			continue
		}
		for _, v := range p.docs.Validate(doc).Errors() {
			report.Add(v.WithPart(e.Part))
		}
		if e.Invalid {
			report.Add(fault.New(fault.DanglingReference, "part was invalidated by a cascading removal").
				WithOID(e.OID).WithPart(e.Part))
		}
	}
	report.Merge(p.checkAcyclic())
	return report
}

// containerReader provides random access to a committed container's parts.
type containerReader struct {
	zr     *zip.ReadCloser
	byName map[string]*zip.File
}

func openContainer(path string) (*containerReader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fault.New(fault.Corruption, "container is not a readable archive").Wrap(err)
	}
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}
	return &containerReader{zr: zr, byName: byName}, nil
}

func (c *containerReader) has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

func (c *containerReader) open(name string) (io.ReadCloser, error) {
	f, ok := c.byName[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "container part absent").WithPart(name)
	}
	return f.Open()
}

// opener returns a lazy open function for the named part.
func (c *containerReader) opener(name string) arraystore.Opener {
	return func() (io.ReadCloser, error) {
		return c.open(name)
	}
}

func (c *containerReader) readJSON(name string, v any) error {
	rc, err := c.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fault.Newf(fault.Corruption, "decoding part: %v", err).WithPart(name)
	}
	return nil
}

func (c *containerReader) Close() error {
	return c.zr.Close()
}

// Open loads a committed container into a new Package.
//
// Fatal problems (unreadable archive, missing or malformed manifest)
// return an error. Per-part problems are collected in the report:
// unparsable documents, duplicate part names or OIDs, manifest/document
// relationship divergence, missing array payloads, schema violations, and
// dangling references are each recorded against the offending part while
// the rest of the package loads normally.
func Open(path string, opts Options) (*Package, *fault.Report, error) {
	p := New(opts)
	report := &fault.Report{}

	cr, err := openContainer(path)
	if err != nil {
		return nil, nil, err
	}
	var man manifest
	if err := cr.readJSON(manifestName, &man); err != nil {
		cr.Close()
		return nil, nil, err
	}
	if man.Format != containerFormat {
		cr.Close()
		return nil, nil, fault.Newf(fault.Corruption, "not a %s file", containerFormat)
	}
	if man.Version > containerVersion {
		cr.Close()
		return nil, nil, fault.Newf(fault.Corruption, "container version %d is newer than supported %d",
			man.Version, containerVersion)
	}
	if !man.Package.IsZero() {
		p.id = man.Package
	}
	if !man.Created.IsZero() {
		p.created = man.Created
	}

	// Pass 1: parse documents and build catalog entries for every loadable
	// part, so reference wiring in pass 2 sees the complete population.
	type loaded struct {
		part manifestPart
		doc  *document.Document
	}
	var parts []loaded
	seenNames := map[string]bool{}
	for _, mp := range man.Parts {
		if seenNames[mp.Name] {
			report.Add(fault.New(fault.Corruption, "duplicate part name").WithPart(mp.Name).WithOID(mp.OID))
			continue
		}
		seenNames[mp.Name] = true
		var doc document.Document
		if err := cr.readJSON(docPartPath(mp.Name), &doc); err != nil {
			report.Add(asFault(err).WithPart(mp.Name).WithOID(mp.OID))
			continue
		}
		if doc.OID != mp.OID || doc.Kind != mp.Kind {
			report.Add(fault.Newf(fault.Corruption,
				"manifest lists %s %s, document says %s %s",
				mp.Kind, mp.OID, doc.Kind, doc.OID).WithPart(mp.Name))
			continue
		}
		entry := catalog.Entry{OID: doc.OID, Kind: doc.Kind, Part: mp.Name, Citation: doc.Citation}
		if err := p.cat.Register(entry); err != nil {
			report.Add(asFault(err).WithPart(mp.Name))
			continue
		}
		parts = append(parts, loaded{part: mp, doc: &doc})
	}

	// Pass 2: bind arrays, wire references, install documents.
	for _, l := range parts {
		doc := l.doc
		for _, name := range doc.ArrayNames() {
			ref := doc.Arrays[name]
			h := ref.Handle(doc.OID, name)
			payload := arrayPartPath(h)
			if !cr.has(payload) {
				report.Add(fault.New(fault.Corruption, "array payload absent").
					WithOID(doc.OID).WithPart(l.part.Name).WithField(name))
				continue
			}
			if err := p.arrays.Bind(h, cr.opener(payload)); err != nil {
				report.Add(asFault(err).WithPart(l.part.Name))
			}
		}
		refs := doc.RefSet()
		if !refs.Equal(oid.NewSet(l.part.Refs...)) {
			report.Add(fault.New(fault.Corruption,
				"manifest relationships diverge from document references").
				WithOID(doc.OID).WithPart(l.part.Name))
		}
		// Install the resolvable subset; validation below reports each
		// missing target as a dangling reference on this part.
		resolvable := oid.NewSet()
		for id := range refs {
			if _, err := p.cat.Resolve(id); err == nil {
				resolvable.Add(id)
			}
		}
		if err := p.cat.SetReferences(doc.OID, resolvable); err != nil {
			report.Add(asFault(err).WithPart(l.part.Name))
		}
		p.docs.Install(doc)
	}

	// Pass 3: schema validation, dangling references, acyclicity.
	for _, l := range parts {
		for _, v := range p.docs.Validate(l.doc).Errors() {
			report.Add(v.WithPart(l.part.Name))
		}
	}
	report.Merge(p.checkAcyclic())

	// Pass 4: optional streaming verification of every payload.
	if opts.VerifyArrays {
		g, ctx := errgroup.WithContext(context.Background())
		g.SetLimit(p.arrays.Options().Workers)
		var vmu sync.Mutex
		for _, h := range p.arrays.All() {
			g.Go(func() error {
				if err := p.arrays.Verify(ctx, h); err != nil {
					vmu.Lock()
					report.Add(asFault(err))
					vmu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
	}

	p.backing = cr
	p.source = path
	if opts.Watch {
		w, err := newWatcher(path, p.log, func() { p.modified.Store(true) })
		if err != nil {
			cr.Close()
			return nil, nil, fmt.Errorf("watching container: %w", err)
		}
		p.watcher = w
	}
	p.log.Debug("container opened", "path", path, "parts", p.cat.Len(), "diagnostics", report.Len())
	return p, report, nil
}

// asFault coerces an error into a *fault.Error, wrapping foreign errors as
// corruption.
func asFault(err error) *fault.Error {
	if fe, ok := err.(*fault.Error); ok {
		return fe
	}
	return fault.New(fault.Corruption, err.Error()).Wrap(err)
}
