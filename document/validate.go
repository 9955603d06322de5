package document

import (
	"slices"
	"time"

	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/schema"
)

// Validate checks doc against its kind's spec and the current catalog and
// array store state. All violations are collected into the report; nothing
// aborts at the first problem. An empty report means the document is valid.
//
// Checks, in order: the kind is registered; the citation carries a title;
// every required scalar/ref/array field is present; no unknown fields; enum
// and type domains hold; every reference target resolves in the catalog to
// an allowed kind; every array ref matches an allocated handle of identical
// shape and dtype.
func (s *Store) Validate(doc *Document) *fault.Report {
	report := &fault.Report{}
	if doc.OID.IsZero() {
		report.Add(fault.New(fault.Validation, "document OID is required"))
		return report
	}
	spec := s.registry.Lookup(doc.Kind)
	if spec == nil {
		report.Add(fault.Newf(fault.Validation, "unknown kind %q", doc.Kind).WithOID(doc.OID))
		return report
	}
	if doc.Citation.Title == "" {
		report.Add(fault.New(fault.Validation, "citation title is required").
			WithOID(doc.OID).WithField("citation.title"))
	}

	s.validateFields(doc, spec, report)
	s.validateRefs(doc, spec, report)
	s.validateArrays(doc, spec, report)
	return report
}

func (s *Store) validateFields(doc *Document, spec *schema.KindSpec, report *fault.Report) {
	for _, f := range spec.Fields {
		value, ok := doc.Fields[f.Name]
		if !ok {
			if f.Required {
				report.Add(fault.New(fault.Validation, "required field missing").
					WithOID(doc.OID).WithField(f.Name))
			}
			continue
		}
		if err := checkFieldValue(f, value); err != nil {
			report.Add(err.WithOID(doc.OID).WithField(f.Name))
		}
	}
	for name := range doc.Fields {
		if spec.Field(name) == nil {
			report.Add(fault.Newf(fault.Validation, "unknown field for kind %s", spec.Kind).
				WithOID(doc.OID).WithField(name))
		}
	}
}

func (s *Store) validateRefs(doc *Document, spec *schema.KindSpec, report *fault.Report) {
	for _, r := range spec.Refs {
		targets, ok := doc.Refs[r.Name]
		if !ok || len(targets) == 0 {
			if r.Required {
				report.Add(fault.New(fault.Validation, "required reference missing").
					WithOID(doc.OID).WithField(r.Name))
			}
			continue
		}
		if !r.Many && len(targets) > 1 {
			report.Add(fault.Newf(fault.Validation, "single reference holds %d targets", len(targets)).
				WithOID(doc.OID).WithField(r.Name))
		}
		for _, target := range targets {
			entry, err := s.catalog.Resolve(target)
			if err != nil {
				report.Add(fault.Newf(fault.DanglingReference, "reference to unknown object %s", target).
					WithOID(doc.OID).WithField(r.Name))
				continue
			}
			if len(r.Targets) > 0 && !slices.Contains(r.Targets, entry.Kind) {
				report.Add(fault.Newf(fault.Validation, "reference targets %s, allowed kinds are %v",
					entry.Kind, r.Targets).WithOID(doc.OID).WithField(r.Name))
			}
		}
	}
	for name := range doc.Refs {
		if spec.Ref(name) == nil {
			report.Add(fault.Newf(fault.Validation, "unknown reference field for kind %s", spec.Kind).
				WithOID(doc.OID).WithField(name))
		}
	}
}

func (s *Store) validateArrays(doc *Document, spec *schema.KindSpec, report *fault.Report) {
	for _, a := range spec.Arrays {
		ref, ok := doc.Arrays[a.Name]
		if !ok {
			if a.Required {
				report.Add(fault.New(fault.Validation, "required array missing").
					WithOID(doc.OID).WithField(a.Name))
			}
			continue
		}
		if err := ref.Validate(); err != nil {
			report.Add(fault.Newf(fault.Validation, "bad array ref: %v", err).
				WithOID(doc.OID).WithField(a.Name))
			continue
		}
		if a.DType != "" && ref.DType != a.DType {
			report.Add(fault.Newf(fault.Validation, "array dtype %s, kind requires %s", ref.DType, a.DType).
				WithOID(doc.OID).WithField(a.Name))
		}
		if a.Rank != 0 && len(ref.Shape) != a.Rank {
			report.Add(fault.Newf(fault.Validation, "array rank %d, kind requires %d", len(ref.Shape), a.Rank).
				WithOID(doc.OID).WithField(a.Name))
		}
		handle, err := s.arrays.Handle(doc.OID, a.Name)
		if err != nil {
			report.Add(fault.New(fault.Validation, "array ref has no allocated handle").
				WithOID(doc.OID).WithField(a.Name))
			continue
		}
		if !handle.Shape.Equal(ref.Shape) || handle.DType != ref.DType {
			report.Add(fault.Newf(fault.ShapeMismatch,
				"array ref declares %s %s, store holds %s %s",
				ref.DType, ref.Shape, handle.DType, handle.Shape).
				WithOID(doc.OID).WithField(a.Name))
		}
	}
	for name := range doc.Arrays {
		if spec.Array(name) == nil {
			report.Add(fault.Newf(fault.Validation, "unknown array field for kind %s", spec.Kind).
				WithOID(doc.OID).WithField(name))
		}
	}
}

// checkFieldValue checks a scalar value against its field spec. JSON
// decoding turns numbers into float64 and dates into strings, so both the
// native and decoded representations are accepted.
func checkFieldValue(f schema.FieldSpec, value any) *fault.Error {
	switch f.Type {
	case schema.FieldText:
		s, ok := value.(string)
		if !ok {
			return fault.Newf(fault.Validation, "expected text, got %T", value)
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return fault.Newf(fault.Validation, "value %q not in %v", s, f.Enum)
		}
	case schema.FieldBool:
		if _, ok := value.(bool); !ok {
			return fault.Newf(fault.Validation, "expected bool, got %T", value)
		}
	case schema.FieldInteger:
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			if v != float64(int64(v)) {
				return fault.Newf(fault.Validation, "expected integer, got %v", v)
			}
		default:
			return fault.Newf(fault.Validation, "expected integer, got %T", value)
		}
	case schema.FieldNumber:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fault.Newf(fault.Validation, "expected number, got %T", value)
		}
	case schema.FieldDate:
		switch v := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fault.Newf(fault.Validation, "expected RFC 3339 date, got %q", v)
			}
		default:
			return fault.Newf(fault.Validation, "expected date, got %T", value)
		}
	case schema.FieldStruct:
		// Structured values are stored as-is.
	}
	return nil
}
