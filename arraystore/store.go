package arraystore

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/oid"
)

// DefaultChunkBytes is the raw chunk size used when Options leaves it unset.
const DefaultChunkBytes = 1 << 20

// DefaultStreamingThreshold is the payload byte size above which Prefetch
// verifies in streaming mode instead of materializing the whole array into
// the cache. Explicit Read always materializes.
const DefaultStreamingThreshold = 1 << 28

// Options configures a Store. The zero value is usable.
type Options struct {
	// DefaultCompression is applied to handles allocated without an
	// explicit algorithm. Empty means lz4.
	DefaultCompression Compression
	// ChunkBytes is the raw byte length of payload chunks.
	ChunkBytes int
	// Workers bounds concurrent payload reads in Prefetch. Zero means 4.
	Workers int
	// StreamingThreshold is the payload size in bytes above which Prefetch
	// switches from caching reads to streaming verification.
	StreamingThreshold int64
}

func (o Options) withDefaults() Options {
	if o.DefaultCompression == "" {
		o.DefaultCompression = CompressionLZ4
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = DefaultChunkBytes
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.StreamingThreshold <= 0 {
		o.StreamingThreshold = DefaultStreamingThreshold
	}
	return o
}

// Handle identifies one external array: its owning object, its logical name
// within that object's document, and the declared shape, element type, and
// requested compression. Handles are small values; holding one performs no
// payload I/O.
type Handle struct {
	Owner       oid.OID
	Name        string
	Shape       Shape
	DType       DType
	Compression Compression
}

// Key returns the store key "owner/name".
func (h Handle) Key() string {
	return h.Owner.String() + "/" + h.Name
}

// ByteLen returns the raw payload length implied by shape and dtype.
func (h Handle) ByteLen() int64 {
	return h.Shape.Elems() * int64(h.DType.Size())
}

// Opener supplies a fresh reader positioned at the start of a payload.
// Each call must return an independent reader; the store closes it after
// use. Range reads may open the payload multiple times.
type Opener func() (io.ReadCloser, error)

// entry is the store's record of one array.
type entry struct {
	mu     sync.Mutex
	handle Handle
	dirty  bool   // data differs from any bound payload
	loaded bool   // data holds the raw payload bytes
	data   []byte // raw little-endian element bytes when loaded
	open   Opener // lazy source, nil for never-persisted arrays
}

// Store holds every array of one package and mediates all payload access.
type Store struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{opts: opts.withDefaults(), entries: make(map[string]*entry)}
}

// Options returns the store's effective configuration.
func (s *Store) Options() Options {
	return s.opts
}

// Allocate registers a new array under owner with the given logical name,
// shape, and dtype, using the store's default compression. The payload is
// absent until the first Write.
func (s *Store) Allocate(owner oid.OID, name string, shape Shape, dtype DType) (Handle, error) {
	return s.AllocateCompressed(owner, name, shape, dtype, s.opts.DefaultCompression)
}

// AllocateCompressed is Allocate with an explicit compression algorithm.
func (s *Store) AllocateCompressed(owner oid.OID, name string, shape Shape, dtype DType, comp Compression) (Handle, error) {
	if owner.IsZero() {
		return Handle{}, fault.New(fault.Validation, "array owner OID is required").WithField(name)
	}
	if name == "" {
		return Handle{}, fault.New(fault.Validation, "array name is required").WithOID(owner)
	}
	if !dtype.Valid() {
		return Handle{}, fault.Newf(fault.Validation, "invalid dtype %q", string(dtype)).WithOID(owner).WithField(name)
	}
	if err := shape.Validate(); err != nil {
		return Handle{}, err
	}
	if !comp.Valid() {
		return Handle{}, fault.Newf(fault.Validation, "invalid compression %q", string(comp)).WithOID(owner).WithField(name)
	}
	h := Handle{Owner: owner, Name: name, Shape: shape.Clone(), DType: dtype, Compression: comp}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[h.Key()]; ok {
		return Handle{}, fault.Newf(fault.Validation, "array %q already allocated", name).WithOID(owner).WithField(name)
	}
	s.entries[h.Key()] = &entry{handle: h}
	return h, nil
}

// Bind registers a container-backed array. The opener is invoked lazily on
// the first Read (or on each ReadRange) and never during Bind itself.
func (s *Store) Bind(h Handle, open Opener) error {
	if err := h.Shape.Validate(); err != nil {
		return err
	}
	if !h.DType.Valid() {
		return fault.Newf(fault.Validation, "invalid dtype %q", string(h.DType)).WithOID(h.Owner).WithField(h.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[h.Key()]; ok {
		return fault.Newf(fault.Validation, "array %q already bound", h.Name).WithOID(h.Owner).WithField(h.Name)
	}
	s.entries[h.Key()] = &entry{handle: h, open: open}
	return nil
}

// Handle returns the registered handle for owner/name.
func (s *Store) Handle(owner oid.OID, name string) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[owner.String()+"/"+name]
	if !ok {
		return Handle{}, fault.Newf(fault.NotFound, "array %q not in store", name).WithOID(owner).WithField(name)
	}
	return e.handle, nil
}

// Handles returns all handles owned by the given OID, in name order.
func (s *Store) Handles(owner oid.OID) []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Handle
	for _, e := range s.entries {
		if e.handle.Owner == owner {
			out = append(out, e.handle)
		}
	}
	sortHandles(out)
	return out
}

// All returns every registered handle in deterministic order.
func (s *Store) All() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.handle)
	}
	sortHandles(out)
	return out
}

// Dirty returns the handles whose data has been written since the last
// bind, in deterministic order. These are the payloads a save must encode.
func (s *Store) Dirty() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Handle
	for _, e := range s.entries {
		e.mu.Lock()
		if e.dirty {
			out = append(out, e.handle)
		}
		e.mu.Unlock()
	}
	sortHandles(out)
	return out
}

// Write replaces the payload of h. The array's shape and dtype must match
// the handle exactly; mismatches fail with a ShapeMismatch fault and leave
// the stored payload unchanged.
func (s *Store) Write(h Handle, arr *Array) error {
	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	if !arr.shape.Equal(e.handle.Shape) || arr.dtype != e.handle.DType {
		return fault.Newf(fault.ShapeMismatch,
			"write of %s %s to handle declared %s %s",
			arr.dtype, arr.shape, e.handle.DType, e.handle.Shape).
			WithOID(h.Owner).WithField(h.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = arr.Bytes()
	e.loaded = true
	e.dirty = true
	return nil
}

// Read materializes the payload of h, caching it for subsequent reads. The
// returned array is an independent copy.
func (s *Store) Read(ctx context.Context, h Handle) (*Array, error) {
	e, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return NewArray(e.handle.DType, e.handle.Shape, data)
}

// ReadRange reads elements [start, start+count) of the flattened row-major
// payload without materializing the whole array, unless it is already
// cached. The result is a rank-1 array of count elements.
func (s *Store) ReadRange(ctx context.Context, h Handle, start, count int64) (*Array, error) {
	e, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	if start < 0 || count <= 0 || start+count > e.handle.Shape.Elems() {
		return nil, fault.Newf(fault.ShapeMismatch,
			"range [%d,%d) outside array of %d elements", start, start+count, e.handle.Shape.Elems()).
			WithOID(h.Owner).WithField(h.Name)
	}
	width := int64(e.handle.DType.Size())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		data := make([]byte, count*width)
		copy(data, e.data[start*width:(start+count)*width])
		return NewArray(e.handle.DType, Shape{int(count)}, data)
	}
	if e.open == nil {
		return nil, fault.Newf(fault.NotFound, "array %q has no payload", h.Name).WithOID(h.Owner).WithField(h.Name)
	}
	rc, err := e.open()
	if err != nil {
		return nil, fault.New(fault.Corruption, "opening payload").WithOID(h.Owner).WithField(h.Name).Wrap(err)
	}
	defer rc.Close()
	data, err := decodePayloadRange(rc, e.handle, start*width, count*width)
	if err != nil {
		return nil, err
	}
	return NewArray(e.handle.DType, Shape{int(count)}, data)
}

// Prefetch materializes the given handles concurrently, bounded by
// Options.Workers. Payloads larger than Options.StreamingThreshold are
// verified in streaming mode instead of cached whole. Missing payloads and
// corruption surface as errors; the first error cancels outstanding reads.
func (s *Store) Prefetch(ctx context.Context, handles ...Handle) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, h := range handles {
		g.Go(func() error {
			if h.ByteLen() > s.opts.StreamingThreshold {
				return s.Verify(ctx, h)
			}
			_, err := s.Read(ctx, h)
			return err
		})
	}
	return g.Wait()
}

// Release evicts the cached payload of h. Dirty data is kept: releasing a
// written-but-unsaved array would lose the only copy.
func (s *Store) Release(h Handle) error {
	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty {
		return nil
	}
	e.data = nil
	e.loaded = false
	return nil
}

// RemoveOwner drops every array owned by the given OID, cached or not.
// Called when the owning object is removed from the package.
func (s *Store) RemoveOwner(owner oid.OID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.handle.Owner == owner {
			delete(s.entries, key)
		}
	}
}

// Rekey re-homes every array of oldOwner under newOwner. Used by part copy
// between packages.
func (s *Store) Rekey(oldOwner, newOwner oid.OID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.handle.Owner == oldOwner {
			delete(s.entries, key)
			e.handle.Owner = newOwner
			s.entries[e.handle.Key()] = e
		}
	}
}

// EncodeTo writes the current payload of h in container form to w.
func (s *Store) EncodeTo(ctx context.Context, w io.Writer, h Handle) error {
	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(ctx); err != nil {
		return err
	}
	return encodePayload(w, e.handle, e.data, s.opts.ChunkBytes)
}

// Verify checks that the bound payload of h decodes cleanly and matches the
// declared shape and dtype, without retaining the data in cache.
func (s *Store) Verify(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.lookup(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}
	if e.open == nil {
		return fault.Newf(fault.NotFound, "array %q has no payload", h.Name).WithOID(h.Owner).WithField(h.Name)
	}
	rc, err := e.open()
	if err != nil {
		return fault.New(fault.Corruption, "opening payload").WithOID(h.Owner).WithField(h.Name).Wrap(err)
	}
	defer rc.Close()
	return verifyPayload(rc, e.handle)
}

// MarkClean flags every entry as in sync with its container payload.
// Called by the package manager after a successful save.
func (s *Store) MarkClean() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		e.dirty = false
		e.mu.Unlock()
	}
}

// RebindAll repoints every entry's lazy source and marks it clean. Cached
// data is kept; after a save it matches what was just committed. Called by
// the package manager when the backing container moves.
func (s *Store) RebindAll(open func(Handle) Opener) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		e.open = open(e.handle)
		e.dirty = false
		e.mu.Unlock()
	}
}

func (s *Store) lookup(h Handle) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h.Key()]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "array %q not in store", h.Name).WithOID(h.Owner).WithField(h.Name)
	}
	return e, nil
}

// load fills e.data from the bound payload. Caller holds e.mu.
func (e *entry) load(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.open == nil {
		return fault.Newf(fault.NotFound, "array %q has no payload", e.handle.Name).
			WithOID(e.handle.Owner).WithField(e.handle.Name)
	}
	rc, err := e.open()
	if err != nil {
		return fault.New(fault.Corruption, "opening payload").
			WithOID(e.handle.Owner).WithField(e.handle.Name).Wrap(err)
	}
	defer rc.Close()
	data, err := decodePayload(rc, e.handle)
	if err != nil {
		return err
	}
	e.data = data
	e.loaded = true
	return nil
}

func sortHandles(hs []Handle) {
	slices.SortFunc(hs, func(a, b Handle) int {
		return strings.Compare(a.Key(), b.Key())
	})
}
