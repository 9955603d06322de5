package document

import (
	"sync"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/catalog"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/schema"
)

// Store holds the metadata documents of one package.
//
// Put is transactional: the document replaces the prior one and the
// catalog's reference set is updated to match, or the operation fails and
// neither changes. The store's lock spans both steps so a concurrent reader
// never observes a document whose references the catalog does not know.
type Store struct {
	registry *schema.Registry
	catalog  *catalog.Catalog
	arrays   *arraystore.Store

	mu   sync.RWMutex
	docs map[oid.OID]*Document
}

// NewStore creates a store over the given registry, catalog, and array
// store. The array store is consulted during validation to cross-check
// array refs against allocated handles.
func NewStore(registry *schema.Registry, cat *catalog.Catalog, arrays *arraystore.Store) *Store {
	return &Store{
		registry: registry,
		catalog:  cat,
		arrays:   arrays,
		docs:     make(map[oid.OID]*Document),
	}
}

// Get returns a copy of the document for id. The catalog decides existence:
// an id the catalog cannot resolve is NotFound even if a stale document
// lingers.
func (s *Store) Get(id oid.OID) (*Document, error) {
	if _, err := s.catalog.Resolve(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "no document").WithOID(id)
	}
	return doc.Clone(), nil
}

// Put validates doc and installs it, atomically updating the catalog's
// reference set and citation for doc.OID. The object must already be
// registered in the catalog. On any error the previous document and the
// catalog are left unchanged.
func (s *Store) Put(doc *Document) error {
	entry, err := s.catalog.Resolve(doc.OID)
	if err != nil {
		return err
	}
	if doc.Kind != entry.Kind {
		return fault.Newf(fault.Validation, "document kind %q does not match catalog kind %q",
			doc.Kind, entry.Kind).WithOID(doc.OID).WithPart(entry.Part)
	}
	if report := s.Validate(doc); !report.OK() {
		return report
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// SetReferences re-checks targets under the catalog lock, so a target
	// removed between validation and here still fails cleanly.
	if err := s.catalog.SetReferences(doc.OID, doc.RefSet()); err != nil {
		return err
	}
	if err := s.catalog.SetCitation(doc.OID, doc.Citation); err != nil {
		return err
	}
	s.docs[doc.OID] = doc.Clone()
	return nil
}

// Install stores doc without validation or catalog updates. Load uses it
// after wiring references itself, so damaged-but-parseable parts stay
// inspectable; nothing else should.
func (s *Store) Install(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.OID] = doc.Clone()
}

// RemoveRefTarget strips target from every reference field of id's
// document, without validation. Used by cascading removal after the catalog
// has already stripped its side, so document and catalog cannot diverge.
func (s *Store) RemoveRefTarget(id, target oid.OID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return
	}
	for name, targets := range doc.Refs {
		kept := targets[:0]
		for _, t := range targets {
			if t != target {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(doc.Refs, name)
		} else {
			doc.Refs[name] = kept
		}
	}
}

// Delete drops the document for id. Catalog-side removal is the package
// manager's job; Delete is its follower, never called directly by users.
func (s *Store) Delete(id oid.OID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
