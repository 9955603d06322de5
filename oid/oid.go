// Package oid provides the stable object identifier shared by every part of
// a strata package.
//
// An OID is a random (version 4) UUID assigned once at object creation. It is
// the only durable way to refer to an object across save/load cycles and
// across packages: part names, titles, and in-memory pointers may all change,
// the OID never does.
package oid

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// OID is a 128-bit object identifier. The zero value is invalid and means
// "no object".
type OID uuid.UUID

// Zero is the invalid OID.
var Zero OID

// New returns a fresh random OID.
func New() OID {
	return OID(uuid.New())
}

// Parse parses the canonical 8-4-4-4-12 hex form.
func Parse(s string) (OID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Zero, err
	}
	return OID(u), nil
}

// MustParse is like [Parse] but panics on malformed input. For tests and
// compile-time constants only.
func MustParse(s string) OID {
	u, err := Parse(s)
	if err != nil {
		panic("oid: " + err.Error())
	}
	return u
}

// String returns the canonical lowercase hex form.
func (o OID) String() string {
	return uuid.UUID(o).String()
}

// IsZero reports whether the OID is unset.
func (o OID) IsZero() bool {
	return o == Zero
}

// Compare orders OIDs lexicographically by their canonical string form.
func (o OID) Compare(other OID) int {
	return strings.Compare(o.String(), other.String())
}

// MarshalText implements encoding.TextMarshaler.
func (o OID) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OID) UnmarshalText(data []byte) error {
	u, err := uuid.ParseBytes(data)
	if err != nil {
		return err
	}
	*o = OID(u)
	return nil
}

// Set is an unordered collection of OIDs.
type Set map[OID]struct{}

// NewSet returns a Set holding the given OIDs.
func NewSet(ids ...OID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id into the set.
func (s Set) Add(id OID) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s Set) Has(id OID) bool {
	_, ok := s[id]
	return ok
}

// Delete removes id from the set.
func (s Set) Delete(id OID) {
	delete(s, id)
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	c := make(Set, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Equal reports whether both sets hold exactly the same OIDs.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in deterministic (string) order.
func (s Set) Sorted() []OID {
	ids := make([]OID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, OID.Compare)
	return ids
}
